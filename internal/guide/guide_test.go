package guide

import (
	"os"
	"path/filepath"
	"testing"
)

func testPlan() *Plan {
	return &Plan{
		Meta: Meta{Title: "Snack Preferences", DurationMinutes: 45},
		Sections: []Section{
			{
				ID:       "intro",
				Title:    "Introduction",
				ScriptMD: "Welcome everyone.",
				Questions: []Question{
					{ID: "q1", Type: TypeRollcall, Text: "Please say yes to confirm your consent."},
					{ID: "q2", Type: TypeQuestion, Text: "What snacks do you usually buy?"},
				},
			},
			{
				ID:      "expert-deep-dive",
				Title:   "Expert Deep Dive",
				Routing: &Routing{IncludeIfGroup: []string{"expert"}},
				Questions: []Question{
					{ID: "q3", Type: TypeQuestion, Text: "How do supply chains shape shelf choice?"},
				},
			},
			{
				ID:    "wrap",
				Title: "Wrap Up",
				Questions: []Question{
					{ID: "q4", Type: TypeClosing, ScriptMD: "Thank you all for joining."},
				},
			},
		},
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	data := `{
  "meta": {"title": "Test Group", "duration_minutes": 30},
  "sections": [
    {"id": "s1", "title": "One", "script_md": "Hello.",
     "questions": [{"id": "q1", "type": "question", "text": "Why?"}]}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Meta.Title != "Test Group" {
		t.Errorf("title = %q, want %q", plan.Meta.Title, "Test Group")
	}
	if len(plan.Sections) != 1 || len(plan.Sections[0].Questions) != 1 {
		t.Fatalf("unexpected shape: %+v", plan)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *Plan
		wantErr bool
	}{
		{"valid", testPlan(), false},
		{"empty", &Plan{}, true},
		{"missing section id", &Plan{Sections: []Section{{Title: "x"}}}, true},
		{"unknown question type", &Plan{Sections: []Section{{
			ID:        "s1",
			Questions: []Question{{ID: "q1", Type: "poll"}},
		}}}, true},
		{"empty question type tolerated", &Plan{Sections: []Section{{
			ID:        "s1",
			Questions: []Question{{ID: "q1"}},
		}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSectionAppliesTo(t *testing.T) {
	open := Section{ID: "open"}
	routed := Section{ID: "routed", Routing: &Routing{IncludeIfGroup: []string{"expert", "internal"}}}

	if !open.AppliesTo("consumer") {
		t.Error("unrouted section should apply to every group")
	}
	if !routed.AppliesTo("expert") {
		t.Error("routed section should apply to a listed group")
	}
	if routed.AppliesTo("consumer") {
		t.Error("routed section should not apply to an unlisted group")
	}
}

func TestQuestionCount(t *testing.T) {
	plan := testPlan()
	if got := plan.QuestionCount("consumer"); got != 3 {
		t.Errorf("QuestionCount(consumer) = %d, want 3", got)
	}
	if got := plan.QuestionCount("expert"); got != 4 {
		t.Errorf("QuestionCount(expert) = %d, want 4", got)
	}
}
