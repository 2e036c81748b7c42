package intent

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_\-]+)`)

var closeKeywords = []string{"close this", "mark as done", "resolve this", "no longer needed", "wontfix", "won't fix"}
var questionKeywords = []string{"?", "how do", "why does", "what is", "could you explain"}
var planKeywords = map[string][]string{
	"plan_start":    {"start planning", "create a plan", "plan this project"},
	"plan_continue": {"continue planning", "keep planning", "next step in the plan"},
	"plan_finalize": {"finalize the plan", "plan looks good", "approve the plan"},
	"plan_abandon":  {"abandon the plan", "cancel the plan", "scrap this plan"},
}
var requestWorkKeywords = []string{"please fix", "please implement", "can you fix", "can you implement", "go ahead and", "please add"}

// heuristicClassify is the deterministic fallback used when the LLM call
// fails or times out. It is intentionally simple keyword matching — the
// spec treats the exact heuristic as an implementation detail, only the
// contract (closed intent set, FromFallback flag) is required.
func heuristicClassify(body string) Classification {
	lower := strings.ToLower(body)

	if m := mentionPattern.FindStringSubmatch(body); m != nil {
		return Classification{Intent: IntentAskAgent, AgentID: m[1], Reasoning: "matched @mention"}
	}

	for kind, keywords := range planKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return Classification{Intent: Intent(kind), Reasoning: "matched plan keyword: " + kw}
			}
		}
	}

	for _, kw := range closeKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Intent: IntentCloseIssue, Reasoning: "matched close keyword: " + kw}
		}
	}

	for _, kw := range requestWorkKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Intent: IntentRequestWork, Reasoning: "matched request-work keyword: " + kw}
		}
	}

	for _, kw := range questionKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Intent: IntentQuestion, Reasoning: "matched question keyword: " + kw}
		}
	}

	return Classification{Intent: IntentGeneral, Reasoning: "no heuristic matched"}
}
