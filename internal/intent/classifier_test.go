package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClassifyUsesLLMWhenItSucceeds(t *testing.T) {
	llm := func(ctx context.Context, body string, issue IssueContext) (Classification, error) {
		return Classification{Intent: IntentRequestWork, Reasoning: "llm says so"}, nil
	}
	c := New(llm, zap.NewNop())

	result := c.Classify(context.Background(), "please handle this", IssueContext{Identifier: "ENG-1"})
	assert.Equal(t, IntentRequestWork, result.Intent)
	assert.False(t, result.FromFallback)
}

func TestClassifyFallsBackOnLLMError(t *testing.T) {
	llm := func(ctx context.Context, body string, issue IssueContext) (Classification, error) {
		return Classification{}, errors.New("timeout")
	}
	c := New(llm, zap.NewNop())

	result := c.Classify(context.Background(), "please fix the bug", IssueContext{Identifier: "ENG-1"})
	assert.True(t, result.FromFallback)
	assert.Equal(t, IntentRequestWork, result.Intent)
}

func TestHeuristicMatchesMention(t *testing.T) {
	result := heuristicClassify("@codex-agent can you take this one")
	assert.Equal(t, IntentAskAgent, result.Intent)
	assert.Equal(t, "codex-agent", result.AgentID)
}

func TestHeuristicDefaultsToGeneral(t *testing.T) {
	result := heuristicClassify("just leaving a note here")
	assert.Equal(t, IntentGeneral, result.Intent)
}

func TestClassifyWithNoLLMUsesHeuristicDirectly(t *testing.T) {
	c := New(nil, zap.NewNop())
	result := c.Classify(context.Background(), "can you fix this please", IssueContext{})
	assert.True(t, result.FromFallback)
	assert.Equal(t, IntentRequestWork, result.Intent)
}
