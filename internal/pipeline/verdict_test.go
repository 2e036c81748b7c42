package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdictExtractsWellFormedFragment(t *testing.T) {
	output := `Some commentary before.
{"pass": true, "criteria": ["tests pass"], "gaps": [], "testResults": "ok"}
Some trailing notes.`

	v, ok := ParseVerdict(output)
	require.True(t, ok)
	assert.True(t, v.Pass)
	assert.Equal(t, []string{"tests pass"}, v.Criteria)
	assert.Equal(t, "ok", v.TestResults)
}

func TestParseVerdictChoosesLastFragment(t *testing.T) {
	output := `{"pass": false, "gaps": ["early draft"]}
after more thought:
{"pass": true, "criteria": ["done"], "gaps": []}`

	v, ok := ParseVerdict(output)
	require.True(t, ok)
	assert.True(t, v.Pass)
	assert.Equal(t, []string{"done"}, v.Criteria)
}

func TestParseVerdictUnparseableReturnsNotOK(t *testing.T) {
	_, ok := ParseVerdict("no json here at all")
	assert.False(t, ok)
}

func TestParseVerdictIgnoresBracesInsideStrings(t *testing.T) {
	output := `{"pass": true, "criteria": ["handles { and } in strings"], "gaps": []}`
	v, ok := ParseVerdict(output)
	require.True(t, ok)
	assert.True(t, v.Pass)
}

func TestRenderThenParseVerdictRoundTrips(t *testing.T) {
	v := Verdict{Pass: true, Criteria: []string{"a", "b"}, Gaps: []string{}, TestResults: "42 passed"}
	rendered, err := RenderVerdict(v)
	require.NoError(t, err)

	parsed, ok := ParseVerdict(rendered)
	require.True(t, ok)
	assert.Equal(t, v.Pass, parsed.Pass)
	assert.Equal(t, v.Criteria, parsed.Criteria)
	assert.Equal(t, v.TestResults, parsed.TestResults)
}
