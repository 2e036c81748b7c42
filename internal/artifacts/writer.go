// Package artifacts manages the per-worktree ".claw/" directory: the
// manifest, raw worker/audit output, the append-only phase log, and the
// derived summary. Every operation here is best-effort — a write failure
// is logged and swallowed, never returned up into the pipeline, because
// artifact persistence must not block dispatch progress.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const dirName = ".claw"

// Manifest is the small status/attempts summary kept at manifest.json.
type Manifest struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// Writer manages the .claw/ directory for one worktree.
type Writer struct {
	worktree string
	log      *zap.Logger
}

// New returns a Writer rooted at worktree.
func New(worktree string, log *zap.Logger) *Writer {
	return &Writer{worktree: worktree, log: log}
}

func (w *Writer) dir() string {
	return filepath.Join(w.worktree, dirName)
}

func (w *Writer) ensureDir() bool {
	if err := os.MkdirAll(w.dir(), 0o755); err != nil {
		w.log.Warn("artifacts: failed to create .claw directory", zap.String("worktree", w.worktree), zap.Error(err))
		return false
	}
	return true
}

// UpdateManifest best-effort writes manifest.json with the given status and
// attempt count.
func (w *Writer) UpdateManifest(status string, attempts int) {
	if !w.ensureDir() {
		return
	}
	data, err := json.MarshalIndent(Manifest{Status: status, Attempts: attempts}, "", "  ")
	if err != nil {
		w.log.Warn("artifacts: failed to encode manifest", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(w.dir(), "manifest.json"), data, 0o644); err != nil {
		w.log.Warn("artifacts: failed to write manifest", zap.Error(err))
	}
}

// WriteWorkerOutput best-effort writes the raw worker output for a given
// attempt to worker-<attempt>.md.
func (w *Writer) WriteWorkerOutput(attempt int, output string) {
	w.writeFile(fmt.Sprintf("worker-%d.md", attempt), []byte(output))
}

// WriteAuditVerdict best-effort writes the parsed verdict JSON for a given
// attempt to audit-<attempt>.json.
func (w *Writer) WriteAuditVerdict(attempt int, verdictJSON []byte) {
	w.writeFile(fmt.Sprintf("audit-%d.json", attempt), verdictJSON)
}

func (w *Writer) writeFile(name string, data []byte) {
	if !w.ensureDir() {
		return
	}
	if err := os.WriteFile(filepath.Join(w.dir(), name), data, 0o644); err != nil {
		w.log.Warn("artifacts: failed to write file", zap.String("file", name), zap.Error(err))
	}
}

// LogEntry is one line of the append-only phase log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Phase     string                 `json:"phase"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AppendLog best-effort appends one JSON-encoded entry to log.jsonl.
func (w *Writer) AppendLog(phase string, fields map[string]interface{}) {
	if !w.ensureDir() {
		return
	}
	entry := LogEntry{Timestamp: time.Now(), Phase: phase, Fields: fields}
	data, err := json.Marshal(entry)
	if err != nil {
		w.log.Warn("artifacts: failed to encode log entry", zap.Error(err))
		return
	}

	f, err := os.OpenFile(filepath.Join(w.dir(), "log.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.log.Warn("artifacts: failed to open log.jsonl", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.log.Warn("artifacts: failed to append log entry", zap.Error(err))
	}
}

// WriteSummary best-effort writes summary.md.
func (w *Writer) WriteSummary(content string) {
	w.writeFile("summary.md", []byte(content))
}

// BuildSummaryFromArtifacts composes summary.md from the accumulated
// attempt artifacts (worker-N.md, audit-N.json), mirroring the spec's
// buildSummaryFromArtifacts helper. Best-effort: a read failure for any
// one attempt is skipped, not fatal. Returns the composed content so the
// caller can also persist it to the orchestrator memory directory.
func (w *Writer) BuildSummaryFromArtifacts(finalAttempt int) string {
	var b strings.Builder
	b.WriteString("# Dispatch summary\n\n")
	for i := 0; i <= finalAttempt; i++ {
		b.WriteString(fmt.Sprintf("## Attempt %d\n\n", i+1))
		if out, err := os.ReadFile(filepath.Join(w.dir(), fmt.Sprintf("worker-%d.md", i))); err == nil {
			b.WriteString("### Worker output\n\n")
			b.Write(out)
			b.WriteString("\n\n")
		}
		if verdict, err := os.ReadFile(filepath.Join(w.dir(), fmt.Sprintf("audit-%d.json", i))); err == nil {
			b.WriteString("### Audit verdict\n\n```json\n")
			b.Write(verdict)
			b.WriteString("\n```\n\n")
		}
	}
	content := b.String()
	w.WriteSummary(content)
	return content
}

// WriteMemory best-effort persists content to the orchestrator's central
// memory directory, keyed by issue identifier. Unlike summary.md, which
// lives inside the per-dispatch worktree and disappears when the worktree
// is pruned, this directory survives across dispatches so a later rework
// or re-dispatch of the same issue can see what prior attempts produced.
func (w *Writer) WriteMemory(memoryDir, issueIdentifier, content string) {
	if memoryDir == "" {
		return
	}
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		w.log.Warn("artifacts: failed to create memory directory", zap.String("memoryDir", memoryDir), zap.Error(err))
		return
	}
	path := filepath.Join(memoryDir, issueIdentifier+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.log.Warn("artifacts: failed to write memory file", zap.String("path", path), zap.Error(err))
	}
}
