package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpdateManifestAndWorkerOutput(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, zap.NewNop())

	w.UpdateManifest("working", 0)
	w.WriteWorkerOutput(0, "did the thing")

	data, err := os.ReadFile(filepath.Join(dir, dirName, "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "working")

	out, err := os.ReadFile(filepath.Join(dir, dirName, "worker-0.md"))
	require.NoError(t, err)
	assert.Equal(t, "did the thing", string(out))
}

func TestAppendLogIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, zap.NewNop())

	w.AppendLog("worker", map[string]interface{}{"attempt": 0})
	w.AppendLog("audit", map[string]interface{}{"attempt": 0, "pass": true})

	data, err := os.ReadFile(filepath.Join(dir, dirName, "log.jsonl"))
	require.NoError(t, err)
	lines := splitNonEmptyLines(string(data))
	assert.Len(t, lines, 2)
}

func TestBuildSummaryFromArtifactsSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, zap.NewNop())
	w.WriteWorkerOutput(0, "attempt zero output")

	w.BuildSummaryFromArtifacts(0)

	summary, err := os.ReadFile(filepath.Join(dir, dirName, "summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "attempt zero output")
}

func TestWritesAreBestEffortOnUnwritableDir(t *testing.T) {
	// Using a path under a file (not a directory) forces MkdirAll to fail;
	// none of these calls should panic or return an error to the caller.
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	w := New(filepath.Join(file, "worktree"), zap.NewNop())
	w.UpdateManifest("stuck", 2)
	w.WriteWorkerOutput(0, "output")
	w.AppendLog("worker", nil)
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
