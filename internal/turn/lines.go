package turn

import "fmt"

// Lines are the fixed prompts the controller speaks mid-turn. The orchestrator
// owns every other spoken line; these two belong to the turn state machine
// because their timing is what the silence and wrapup watchers exist for.
type Lines struct {
	// SilencePrompt nudges a participant who has not spoken.
	SilencePrompt func(name string) string

	// Wrapup asks a long-talking participant to conclude.
	Wrapup func(name string) string
}

// DefaultLines returns the production prompt wording.
func DefaultLines() Lines {
	return Lines{
		SilencePrompt: func(name string) string {
			return fmt.Sprintf("%s, I'd love to hear your thoughts. Anything you'd add?", name)
		},
		Wrapup: func(name string) string {
			return fmt.Sprintf("%s, we're going to need to wrap it up so we can get to others. Can you spend the next ten to fifteen seconds wrapping up your thoughts?", name)
		},
	}
}
