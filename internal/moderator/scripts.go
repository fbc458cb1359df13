package moderator

import (
	"fmt"
	"strings"
)

// Spoken lines used by the orchestrator. Mid-turn prompt wording lives in the
// turn package; everything the moderator says between turns is here, so the
// whole script can be reviewed in one place.
const (
	noGuideLine       = "I don't have a discussion guide loaded."
	silenceMoveOnLine = "No worries—let's come back if we have time."
	wrapupEndLine     = "Got it—thank you."
	repeatLimitLine   = "I've repeated that a couple of times. Let me move on."
	rollcallDoneLine  = "Thank you all. Let's proceed with the discussion."
	questionDoneLine  = "Thank you all for sharing. Let's move on."
	reflectLine       = "I'll give you a moment to reflect."
)

const closingLine = "Thank you all so much for participating! Your insights have been incredibly valuable. Have a wonderful day!"

func greetingLine(title string, names []string) string {
	if len(names) == 0 {
		return fmt.Sprintf("Let's begin our discussion on %s.", title)
	}
	return fmt.Sprintf("Wonderful! Let's begin our discussion on %s. I see we have %s with us today. If you need me to repeat a question, just ask.",
		title, strings.Join(names, ", "))
}

func firstParticipantLine(name string) string {
	return fmt.Sprintf("Let's start with you, %s. Please take your time to share your thoughts.", name)
}

func nextParticipantLine(name string) string {
	return fmt.Sprintf("Thank you for sharing. %s, I'd like to hear from you now.", name)
}

func repeatQuestionLine(questionText string) string {
	return fmt.Sprintf("Of course. Let me repeat that. %s", questionText)
}

func consentPromptLine(name string) string {
	return fmt.Sprintf("%s, please say yes to confirm your consent.", name)
}

func consentThanksLine(name string) string {
	return fmt.Sprintf("Thank you, %s.", name)
}

func consentMissedLine(name string) string {
	return fmt.Sprintf("I didn't hear from %s. We'll follow up separately.", name)
}
