package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/agentrunner"
	"github.com/clawhq/dispatcher/internal/lockmgr"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/statestore"
	"github.com/clawhq/dispatcher/internal/tracker"
)

type fakeTracker struct {
	issue       tracker.IssueDetails
	states      []tracker.State
	comments    []string
	updatedTo   []string
}

func (f *fakeTracker) GetIssueDetails(ctx context.Context, id string) (*tracker.IssueDetails, error) {
	return &f.issue, nil
}
func (f *fakeTracker) GetViewerID(ctx context.Context) (string, error) { return "viewer-1", nil }
func (f *fakeTracker) GetTeamStates(ctx context.Context, teamID string) ([]tracker.State, error) {
	return f.states, nil
}
func (f *fakeTracker) GetTeamLabels(ctx context.Context, teamID string) ([]tracker.Label, error) {
	return nil, nil
}
func (f *fakeTracker) CreateComment(ctx context.Context, issueID, body string, identity *tracker.IdentityOpts) (string, error) {
	f.comments = append(f.comments, body)
	return "comment-1", nil
}
func (f *fakeTracker) UpdateIssue(ctx context.Context, issueID string, fields tracker.UpdateFields) error {
	f.updatedTo = append(f.updatedTo, fields.StateID)
	return nil
}
func (f *fakeTracker) CreateSessionOnIssue(ctx context.Context, issueID string) (string, error) {
	return "", nil
}
func (f *fakeTracker) EmitActivity(ctx context.Context, sessionID string, content tracker.ActivityContent) error {
	return nil
}
func (f *fakeTracker) CreateReaction(ctx context.Context, commentID, name string) error { return nil }

type scriptedRunner struct {
	results []agentrunner.RunResult
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, req agentrunner.RunRequest) (agentrunner.RunResult, error) {
	res := r.results[r.calls]
	r.calls++
	return res, nil
}

func TestHappyPathWorkerThenAuditPass(t *testing.T) {
	ctx := context.Background()
	trk := &fakeTracker{
		issue:  tracker.IssueDetails{ID: "issue-100", Identifier: "ENG-100", Title: "Fix the thing", Team: tracker.Team{ID: "team-1"}},
		states: []tracker.State{{ID: "state-started", Name: "In Review", Type: "started"}, {ID: "state-done", Name: "Done", Type: "completed"}},
	}
	runner := &scriptedRunner{results: []agentrunner.RunResult{
		{Success: true, Output: "Implemented fix."},
		{Success: true, Output: `{"pass": true, "criteria": ["tests pass"], "gaps": [], "testResults": "ok"}`},
	}}

	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"), lockmgr.New(), zap.NewNop())
	engine := &Engine{
		Store: store, Tracker: trk, Agents: wildcardEngineRegistry(runner),
		Notifier: notify.NoOp(zap.NewNop()), Log: zap.NewNop(),
		MaxReworkAttempts: 2, MaxTotalTimeout: 5 * time.Second, TeamMappings: map[string]string{},
	}

	worktree := t.TempDir()
	require.NoError(t, store.RegisterDispatch(ctx, &statestore.Dispatch{
		IssueIdentifier: "ENG-100", IssueID: "issue-100", Status: statestore.StatusDispatched,
		Model: "claude", WorktreePath: worktree, DispatchedAt: time.Now(),
	}))

	d, err := store.GetDispatch(ctx, "ENG-100")
	require.NoError(t, err)
	engine.SpawnWorker(ctx, d, SpawnOpts{})

	active, err := store.ListActiveDispatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.NotEmpty(t, trk.comments)
}

func TestEscalationWithNoReworkAttempts(t *testing.T) {
	ctx := context.Background()
	trk := &fakeTracker{
		issue:  tracker.IssueDetails{ID: "issue-200", Identifier: "ENG-200", Title: "Hard bug", Team: tracker.Team{ID: "team-1"}},
		states: []tracker.State{{ID: "state-triage", Name: "Triage", Type: "triage"}},
	}
	runner := &scriptedRunner{results: []agentrunner.RunResult{
		{Success: true, Output: "attempt 0"},
		{Success: true, Output: `{"pass": false, "gaps": ["missing tests"]}`},
	}}

	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"), lockmgr.New(), zap.NewNop())
	engine := &Engine{
		Store: store, Tracker: trk, Agents: wildcardEngineRegistry(runner),
		Notifier: notify.NoOp(zap.NewNop()), Log: zap.NewNop(),
		MaxReworkAttempts: 0, MaxTotalTimeout: 5 * time.Second, TeamMappings: map[string]string{},
	}

	worktree := t.TempDir()
	require.NoError(t, store.RegisterDispatch(ctx, &statestore.Dispatch{
		IssueIdentifier: "ENG-200", IssueID: "issue-200", Status: statestore.StatusDispatched,
		Model: "claude", WorktreePath: worktree, DispatchedAt: time.Now(),
	}))

	d, err := store.GetDispatch(ctx, "ENG-200")
	require.NoError(t, err)
	engine.SpawnWorker(ctx, d, SpawnOpts{})

	stuck, err := store.GetDispatch(ctx, "ENG-200")
	require.NoError(t, err)
	require.NotNil(t, stuck)
	assert.Equal(t, statestore.StatusStuck, stuck.Status)
	assert.Equal(t, "audit_failed_1x", stuck.StuckReason)
}

func TestWatchdogKillEscalatesWithoutAudit(t *testing.T) {
	ctx := context.Background()
	trk := &fakeTracker{
		issue:  tracker.IssueDetails{ID: "issue-300", Identifier: "ENG-300", Title: "Timeout case", Team: tracker.Team{ID: "team-1"}},
		states: []tracker.State{{ID: "state-triage", Name: "Triage", Type: "triage"}},
	}
	runner := &scriptedRunner{results: []agentrunner.RunResult{
		{Success: false, WatchdogKilled: true},
	}}

	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"), lockmgr.New(), zap.NewNop())
	engine := &Engine{
		Store: store, Tracker: trk, Agents: wildcardEngineRegistry(runner),
		Notifier: notify.NoOp(zap.NewNop()), Log: zap.NewNop(),
		MaxReworkAttempts: 2, MaxTotalTimeout: 5 * time.Second, TeamMappings: map[string]string{},
	}

	worktree := t.TempDir()
	require.NoError(t, store.RegisterDispatch(ctx, &statestore.Dispatch{
		IssueIdentifier: "ENG-300", IssueID: "issue-300", Status: statestore.StatusDispatched,
		Model: "claude", WorktreePath: worktree, DispatchedAt: time.Now(),
	}))

	d, err := store.GetDispatch(ctx, "ENG-300")
	require.NoError(t, err)
	engine.SpawnWorker(ctx, d, SpawnOpts{})

	stuck, err := store.GetDispatch(ctx, "ENG-300")
	require.NoError(t, err)
	require.NotNil(t, stuck)
	assert.Equal(t, statestore.StatusStuck, stuck.Status)
	assert.Equal(t, "watchdog_kill_2x", stuck.StuckReason)
	assert.Equal(t, 1, runner.calls, "audit must never be triggered after a watchdog kill")
}

// wildcardEngineRegistry exposes a *agentrunner.Registry whose Resolve
// always returns runner, for tests that don't care about model routing.
func wildcardEngineRegistry(runner agentrunner.Runner) *agentrunner.Registry {
	return agentrunner.NewWildcardRegistry(runner)
}
