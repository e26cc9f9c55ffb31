package verify

import (
	"fmt"
	"time"
)

// TimeoutText replaces the prompt of a member removed for not confirming.
const TimeoutText = "⏰ Verification timed out, the member has been removed."

// ChallengeText is the prompt sent to a new member.
func ChallengeText(m Member, timeout time.Duration) string {
	return fmt.Sprintf("👋 Welcome %s!\n\nPress the button below within %s to confirm you are human, "+
		"or you will be removed from the group.", m.Mention(), formatWait(timeout))
}

// VerifiedText replaces the prompt once the member confirmed.
func VerifiedText(m Member) string {
	return fmt.Sprintf("✅ %s verified. Welcome to the group!", m.Mention())
}

func formatWait(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
}
