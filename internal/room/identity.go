package room

import "strings"

// IsModeratorIdentity reports whether identity belongs to the automated
// moderator. The agent registers with an identity starting with "agent";
// older deployments used identities containing "moderator".
func IsModeratorIdentity(identity string) bool {
	lower := strings.ToLower(identity)
	return strings.HasPrefix(lower, "agent") || strings.Contains(lower, "moderator")
}
