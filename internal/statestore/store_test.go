package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/lockmgr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "dispatch-state.json"), lockmgr.New(), zap.NewNop())
}

func TestRegisterAndTransitionHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.RegisterDispatch(ctx, &Dispatch{
		IssueIdentifier: "ENG-100",
		Status:          StatusDispatched,
		DispatchedAt:    time.Now(),
	})
	require.NoError(t, err)

	res, err := s.Transition(ctx, "ENG-100", StatusDispatched, StatusWorking, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionOK, res.Kind)
	assert.Equal(t, StatusWorking, res.Dispatch.Status)

	res, err = s.Transition(ctx, "ENG-100", StatusWorking, StatusAuditing, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionOK, res.Kind)

	res, err = s.Transition(ctx, "ENG-100", StatusAuditing, StatusDone, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionOK, res.Kind)
}

func TestTransitionStaleWhenStatusMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{IssueIdentifier: "ENG-1", Status: StatusWorking}))

	res, err := s.Transition(ctx, "ENG-1", StatusDispatched, StatusWorking, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionStale, res.Kind)
}

func TestTransitionMissingWhenNoDispatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.Transition(ctx, "ENG-404", StatusDispatched, StatusWorking, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionMissing, res.Kind)
}

func TestTransitionInvalidOutsideAllowedTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{IssueIdentifier: "ENG-2", Status: StatusDispatched}))

	res, err := s.Transition(ctx, "ENG-2", StatusDispatched, StatusDone, Update{})
	require.NoError(t, err)
	assert.Equal(t, TransitionInvalid, res.Kind)
}

func TestReworkIncrementsAttemptViaUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{IssueIdentifier: "ENG-3", Status: StatusAuditing}))

	next := 1
	res, err := s.Transition(ctx, "ENG-3", StatusAuditing, StatusWorking, Update{Attempt: &next})
	require.NoError(t, err)
	require.Equal(t, TransitionOK, res.Kind)
	assert.Equal(t, 1, res.Dispatch.Attempt)
}

func TestCompleteDispatchPurgesSessionMap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{IssueIdentifier: "ENG-4", Status: StatusAuditing}))
	require.NoError(t, s.RegisterSessionMapping(ctx, "sess-w", &SessionMapping{DispatchID: "ENG-4", Phase: PhaseWorker}))
	require.NoError(t, s.RegisterSessionMapping(ctx, "sess-a", &SessionMapping{DispatchID: "ENG-4", Phase: PhaseAudit}))
	require.NoError(t, s.RegisterSessionMapping(ctx, "sess-other", &SessionMapping{DispatchID: "ENG-5", Phase: PhaseWorker}))

	require.NoError(t, s.CompleteDispatch(ctx, "ENG-4", &CompletedDispatch{IssueIdentifier: "ENG-4", Status: StatusDone, CompletedAt: time.Now()}))

	d, err := s.GetDispatch(ctx, "ENG-4")
	require.NoError(t, err)
	assert.Nil(t, d)

	st, err := s.read()
	require.NoError(t, err)
	assert.NotContains(t, st.SessionMap, "sess-w")
	assert.NotContains(t, st.SessionMap, "sess-a")
	assert.Contains(t, st.SessionMap, "sess-other")
}

func TestMarkEventProcessedDedupesAndBoundsFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	isNew, err := s.MarkEventProcessed(ctx, "comment:1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.MarkEventProcessed(ctx, "comment:1")
	require.NoError(t, err)
	assert.False(t, isNew)

	for i := 0; i < maxProcessedEvents+10; i++ {
		_, err := s.MarkEventProcessed(ctx, "webhook:bulk-"+string(rune(i)))
		require.NoError(t, err)
	}
	st, err := s.read()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(st.ProcessedEvents), maxProcessedEvents)
}

func TestReadCorruptFileQuarantinesAndReturnsEmptyState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	s := New(path, lockmgr.New(), zap.NewNop())
	st, err := s.read()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, st.Version)
	assert.Empty(t, st.Active)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var foundQuarantine bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != filepath.Base(path) {
			foundQuarantine = true
		}
	}
	assert.True(t, foundQuarantine, "expected a quarantined sibling file")
}

func TestListRecoverableDispatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{
		IssueIdentifier: "ENG-10", Status: StatusWorking, WorkerSessionKey: "sess-w",
	}))
	require.NoError(t, s.RegisterDispatch(ctx, &Dispatch{
		IssueIdentifier: "ENG-11", Status: StatusWorking, WorkerSessionKey: "sess-w2", AuditSessionKey: "sess-a2",
	}))

	recoverable, err := s.ListRecoverableDispatches(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, "ENG-10", recoverable[0].IssueIdentifier)
}
