package notify

import (
	"fmt"
	"strings"
)

// humanAttempt renders a 0-based attempt counter as the 1-based number
// users expect to see, per the spec's "Attempt numbers in user-visible
// strings are rendered 1-based; in code they are 0-based."
func humanAttempt(attempt *int) int {
	if attempt == nil {
		return 1
	}
	return *attempt + 1
}

// renderPlain produces the human-readable message for a notification,
// using a per-kind template as the spec requires.
func renderPlain(kind Kind, p Payload) string {
	switch kind {
	case KindDispatch:
		return fmt.Sprintf("[%s] %s — dispatched", p.Identifier, p.Title)
	case KindWorking:
		return fmt.Sprintf("[%s] %s — worker started (attempt %d)", p.Identifier, p.Title, humanAttempt(p.Attempt))
	case KindAuditing:
		return fmt.Sprintf("[%s] %s — audit started (attempt %d)", p.Identifier, p.Title, humanAttempt(p.Attempt))
	case KindAuditPass:
		msg := fmt.Sprintf("[%s] %s — audit passed", p.Identifier, p.Title)
		if p.Verdict != nil && p.Verdict.TestResults != "" {
			msg += ": " + p.Verdict.TestResults
		}
		return msg
	case KindAuditFail:
		gaps := "(no gaps reported)"
		if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
			gaps = strings.Join(p.Verdict.Gaps, "; ")
		}
		return fmt.Sprintf("[%s] %s — needs more work (attempt %d): %s", p.Identifier, p.Title, humanAttempt(p.Attempt), gaps)
	case KindEscalation:
		gaps := "(no gaps reported)"
		if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
			gaps = strings.Join(p.Verdict.Gaps, "; ")
		}
		return fmt.Sprintf("[%s] %s — escalated to stuck after %d attempts: %s", p.Identifier, p.Title, humanAttempt(p.Attempt), gaps)
	case KindStuck:
		return fmt.Sprintf("[%s] %s — stuck: %s", p.Identifier, p.Title, p.Reason)
	case KindWatchdogKill:
		return fmt.Sprintf("[%s] %s — agent timed out: %s", p.Identifier, p.Title, p.Reason)
	case KindProjectProgress:
		return fmt.Sprintf("[%s] %s — project progress: %s", p.Identifier, p.Title, p.Status)
	case KindTest:
		return fmt.Sprintf("[%s] test notification", p.Identifier)
	default:
		return fmt.Sprintf("[%s] %s — %s", p.Identifier, p.Title, p.Status)
	}
}

// renderRich produces the optional per-channel enriched form. Severity
// color follows a simple success/warn/fail mapping; individual channels
// decide whether to use Color, HTML, or SlackBlocks.
func renderRich(kind Kind, p Payload) RichMessage {
	color := "#6b7280" // neutral gray
	switch kind {
	case KindAuditPass, KindDispatch:
		color = "#2eb67d"
	case KindAuditFail, KindWorking, KindAuditing, KindProjectProgress:
		color = "#ecb22e"
	case KindEscalation, KindStuck, KindWatchdogKill:
		color = "#e01e5a"
	}

	html := fmt.Sprintf("<b>%s</b>: %s", escapeHTML(p.Identifier), escapeHTML(renderPlain(kind, p)))

	return RichMessage{Color: color, HTML: html}
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
