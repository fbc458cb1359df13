// Package guide loads and walks the discussion plan that drives a focus-group
// session. A plan is an ordered list of sections, each with an optional
// opening script, an optional group-type routing predicate, and an ordered
// list of questions.
package guide

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

// Question types recognised by the orchestrator.
const (
	TypeQuestion = "question"
	TypeInfo     = "info"
	TypeRollcall = "rollcall"
	TypeClosing  = "closing"
)

// Plan is an immutable discussion plan. Load it once with [Load] and walk it
// with a [Cursor].
type Plan struct {
	Meta     Meta      `json:"meta"`
	Sections []Section `json:"sections"`
}

// Meta carries plan-level descriptive fields.
type Meta struct {
	Title           string  `json:"title"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// Section groups questions under a common opening script. When Routing is
// present the section applies only to the listed group types.
type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	ScriptMD  string     `json:"script_md,omitempty"`
	Routing   *Routing   `json:"routing,omitempty"`
	Cards     []string   `json:"cards,omitempty"`
	Questions []Question `json:"questions"`
}

// Routing limits a section to the listed group types. A section without a
// Routing block applies to every group.
type Routing struct {
	IncludeIfGroup []string `json:"include_if_group"`
}

// AppliesTo reports whether a section routed by s is included for groupType.
// A nil Routing or an empty include list always applies.
func (s *Section) AppliesTo(groupType string) bool {
	if s.Routing == nil || len(s.Routing.IncludeIfGroup) == 0 {
		return true
	}
	return slices.Contains(s.Routing.IncludeIfGroup, groupType)
}

// Question is one unit of moderator work within a section. Type selects how
// the orchestrator handles it; Text is read verbatim for spoken types and
// ScriptMD carries the narration for info/closing entries.
type Question struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ScriptMD string `json:"script_md,omitempty"`
}

// Load reads and validates a discussion plan from a JSON file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guide: read %q: %w", path, err)
	}
	plan := &Plan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("guide: parse %q: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("guide: invalid plan %q: %w", path, err)
	}
	return plan, nil
}

// Validate checks structural requirements: at least one section, every
// section has an id, and every question has a recognised type. Sections with
// zero questions are allowed; the orchestrator logs and skips them.
func (p *Plan) Validate() error {
	var errs []error
	if len(p.Sections) == 0 {
		errs = append(errs, errors.New("plan has no sections"))
	}
	for i, sec := range p.Sections {
		if sec.ID == "" {
			errs = append(errs, fmt.Errorf("section %d has no id", i))
		}
		for j, q := range sec.Questions {
			switch q.Type {
			case TypeQuestion, TypeInfo, TypeRollcall, TypeClosing, "":
			default:
				errs = append(errs, fmt.Errorf("section %q question %d has unknown type %q", sec.ID, j, q.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// QuestionCount returns the total number of questions across sections that
// apply to groupType.
func (p *Plan) QuestionCount(groupType string) int {
	n := 0
	for i := range p.Sections {
		if p.Sections[i].AppliesTo(groupType) {
			n += len(p.Sections[i].Questions)
		}
	}
	return n
}
