// Package intent maps a free-text tracker comment to one of a closed set
// of intents, preferring an external LLM call and falling back to a
// deterministic heuristic when that call fails or times out.
package intent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Intent is the closed set of classifications a comment can resolve to.
type Intent string

const (
	IntentGeneral       Intent = "general"
	IntentAskAgent      Intent = "ask_agent"
	IntentRequestWork   Intent = "request_work"
	IntentQuestion      Intent = "question"
	IntentCloseIssue    Intent = "close_issue"
	IntentPlanStart     Intent = "plan_start"
	IntentPlanContinue  Intent = "plan_continue"
	IntentPlanFinalize  Intent = "plan_finalize"
	IntentPlanAbandon   Intent = "plan_abandon"
)

// IssueContext is the minimal issue data the classifier conditions on.
type IssueContext struct {
	Identifier  string
	Title       string
	Description string
}

// Classification is the classifier's result.
type Classification struct {
	Intent       Intent
	AgentID      string // set only for ask_agent
	Reasoning    string
	FromFallback bool
}

// LLMClassifyFunc is the injected external LLM call. The classifier depends
// only on this function signature, not on any particular provider.
type LLMClassifyFunc func(ctx context.Context, commentBody string, issue IssueContext) (Classification, error)

// llmTimeout bounds how long the classifier waits on the LLM call before
// falling back to the heuristic.
const llmTimeout = 8 * time.Second

// Classifier classifies free-text comments, preferring an LLM call and
// falling back to a deterministic heuristic on failure or timeout.
type Classifier struct {
	llm LLMClassifyFunc
	log *zap.Logger
}

// New returns a Classifier. llm may be nil, in which case only the
// heuristic fallback is used.
func New(llm LLMClassifyFunc, log *zap.Logger) *Classifier {
	return &Classifier{llm: llm, log: log}
}

// Classify resolves commentBody to a Classification. The caller must not
// invoke Classify when activeRuns already owns the issue — that guard
// lives at the webhook router, not here, since it is a pre-flight
// decision made before this call is even reached.
func (c *Classifier) Classify(ctx context.Context, commentBody string, issue IssueContext) Classification {
	if c.llm != nil {
		llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
		result, err := c.llm(llmCtx, commentBody, issue)
		cancel()
		if err == nil {
			return result
		}
		c.log.Info("intent: llm classification failed, falling back to heuristic",
			zap.String("issueIdentifier", issue.Identifier), zap.Error(err))
	}

	result := heuristicClassify(commentBody)
	result.FromFallback = true
	return result
}
