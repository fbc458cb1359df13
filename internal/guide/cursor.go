package guide

// Cursor is a stateful position within a [Plan]. It is created on plan load
// and advanced only by the orchestrator; it never moves backwards. Sections
// whose routing predicate excludes the configured group type are skipped
// transparently.
//
// Cursor is not safe for concurrent use. The orchestrator owns it.
type Cursor struct {
	plan      *Plan
	groupType string

	sectionIdx  int
	questionIdx int

	// scriptRead records whether the current section's opening script has
	// been read. It resets whenever the cursor enters a new section.
	scriptRead bool
}

// NewCursor creates a cursor positioned at the first applicable section of
// plan for the given group type.
func NewCursor(plan *Plan, groupType string) *Cursor {
	c := &Cursor{plan: plan, groupType: groupType}
	c.skipExcluded()
	return c
}

// skipExcluded moves the cursor forward past sections that do not apply to
// the configured group type.
func (c *Cursor) skipExcluded() {
	for c.sectionIdx < len(c.plan.Sections) && !c.plan.Sections[c.sectionIdx].AppliesTo(c.groupType) {
		c.sectionIdx++
		c.questionIdx = 0
		c.scriptRead = false
	}
}

// Done reports whether the cursor has walked past the last applicable section.
func (c *Cursor) Done() bool {
	return c.sectionIdx >= len(c.plan.Sections)
}

// Current returns the section and question at the cursor. The question is nil
// when the current section has no question at the cursor position (for
// example a section with zero questions); the section is nil when the cursor
// is done.
func (c *Cursor) Current() (*Section, *Question) {
	if c.Done() {
		return nil, nil
	}
	sec := &c.plan.Sections[c.sectionIdx]
	if c.questionIdx >= len(sec.Questions) {
		return sec, nil
	}
	return sec, &sec.Questions[c.questionIdx]
}

// SectionIndex returns the zero-based index of the current section.
func (c *Cursor) SectionIndex() int { return c.sectionIdx }

// QuestionIndex returns the zero-based index of the current question within
// its section.
func (c *Cursor) QuestionIndex() int { return c.questionIdx }

// ScriptRead reports whether the current section's opening script has been
// read.
func (c *Cursor) ScriptRead() bool { return c.scriptRead }

// MarkScriptRead records that the current section's opening script has been
// delivered.
func (c *Cursor) MarkScriptRead() { c.scriptRead = true }

// Advance moves the cursor to the next question, rolling into the next
// applicable section when the current one is exhausted. Entering a new
// section resets the question index and the script-read flag.
func (c *Cursor) Advance() {
	if c.Done() {
		return
	}
	sec := &c.plan.Sections[c.sectionIdx]
	if c.questionIdx+1 < len(sec.Questions) {
		c.questionIdx++
		return
	}
	c.sectionIdx++
	c.questionIdx = 0
	c.scriptRead = false
	c.skipExcluded()
}
