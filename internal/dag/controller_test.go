package dag

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/lockmgr"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/statestore"
)

type recordingStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *recordingStarter) StartDispatch(ctx context.Context, projectID, issueIdentifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, issueIdentifier)
	return nil
}

func newTestController(t *testing.T, starter *recordingStarter) (*Controller, *statestore.ProjectStore) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.NewProjectStore(filepath.Join(dir, "project-state.json"), lockmgr.New(), zap.NewNop())
	return &Controller{
		Projects: store,
		Starter:  starter,
		Notifier: notify.NoOp(zap.NewNop()),
		Log:      zap.NewNop(),
	}, store
}

func TestCascadeDispatchesUnblockedIssue(t *testing.T) {
	ctx := context.Background()
	starter := &recordingStarter{}
	ctrl, store := newTestController(t, starter)

	require.NoError(t, store.Put(ctx, &statestore.ProjectDispatch{
		ProjectID: "proj-1",
		Status:    statestore.ProjectDispatching,
		Issues: map[string]*statestore.ProjectIssue{
			"ENG-100": {DependsOn: nil, Unblocks: []string{"ENG-101"}, DispatchStatus: statestore.IssueDispatched},
			"ENG-101": {DependsOn: []string{"ENG-100"}, DispatchStatus: statestore.IssuePending},
		},
	}))

	ctrl.OnProjectIssueCompleted(ctx, "proj-1", "ENG-100")

	assert.Contains(t, starter.started, "ENG-101")

	proj, err := store.Get(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, statestore.IssueDispatched, proj.Issues["ENG-101"].DispatchStatus)
}

func TestCascadeMarksProjectDoneWhenAllIssuesDone(t *testing.T) {
	ctx := context.Background()
	starter := &recordingStarter{}
	ctrl, store := newTestController(t, starter)

	require.NoError(t, store.Put(ctx, &statestore.ProjectDispatch{
		ProjectID: "proj-2",
		Status:    statestore.ProjectDispatching,
		Issues: map[string]*statestore.ProjectIssue{
			"ENG-200": {DispatchStatus: statestore.IssueDispatched},
		},
	}))

	ctrl.OnProjectIssueCompleted(ctx, "proj-2", "ENG-200")

	proj, err := store.Get(ctx, "proj-2")
	require.NoError(t, err)
	assert.Equal(t, statestore.ProjectDone, proj.Status)
}

func TestCascadeToleratesUnknownProject(t *testing.T) {
	ctx := context.Background()
	starter := &recordingStarter{}
	ctrl, _ := newTestController(t, starter)

	assert.NotPanics(t, func() {
		ctrl.OnProjectIssueCompleted(ctx, "does-not-exist", "ENG-1")
		ctrl.OnProjectIssueStuck(ctx, "does-not-exist", "ENG-1")
	})
	assert.Empty(t, starter.started)
}

func TestStuckCascadeMarksProjectStuckWhenBlockedIssueCannotProgress(t *testing.T) {
	ctx := context.Background()
	starter := &recordingStarter{}
	ctrl, store := newTestController(t, starter)

	require.NoError(t, store.Put(ctx, &statestore.ProjectDispatch{
		ProjectID: "proj-3",
		Status:    statestore.ProjectDispatching,
		Issues: map[string]*statestore.ProjectIssue{
			"ENG-300": {DispatchStatus: statestore.IssueDispatched},
			"ENG-301": {DependsOn: []string{"ENG-300"}, DispatchStatus: statestore.IssuePending},
		},
	}))

	ctrl.OnProjectIssueStuck(ctx, "proj-3", "ENG-300")

	proj, err := store.Get(ctx, "proj-3")
	require.NoError(t, err)
	assert.Equal(t, statestore.ProjectStuck, proj.Status)
}

func TestMaxConcurrentCapsParallelDispatch(t *testing.T) {
	ctx := context.Background()
	starter := &recordingStarter{}
	ctrl, store := newTestController(t, starter)

	require.NoError(t, store.Put(ctx, &statestore.ProjectDispatch{
		ProjectID:     "proj-4",
		Status:        statestore.ProjectDispatching,
		MaxConcurrent: 1,
		Issues: map[string]*statestore.ProjectIssue{
			"ENG-400": {DispatchStatus: statestore.IssueDispatched},
			"ENG-401": {DependsOn: []string{"ENG-400"}, DispatchStatus: statestore.IssuePending},
			"ENG-402": {DependsOn: []string{"ENG-400"}, DispatchStatus: statestore.IssuePending},
		},
	}))

	ctrl.OnProjectIssueCompleted(ctx, "proj-4", "ENG-400")

	assert.Len(t, starter.started, 1)
}
