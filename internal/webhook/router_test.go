package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/activesessions"
	"github.com/clawhq/dispatcher/internal/intent"
	"github.com/clawhq/dispatcher/internal/lockmgr"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/pipeline"
	"github.com/clawhq/dispatcher/internal/statestore"
	"github.com/clawhq/dispatcher/internal/tracker"
)

type fakeEngine struct {
	mu        sync.Mutex
	dispatched []string
}

func (f *fakeEngine) Dispatch(ctx context.Context, issueIdentifier, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, issueIdentifier)
	return nil
}

func (f *fakeEngine) SpawnWorker(ctx context.Context, d *statestore.Dispatch, opts pipeline.SpawnOpts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, d.IssueIdentifier+":resumed")
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeTracker struct {
	viewerID string
}

func (f *fakeTracker) GetIssueDetails(ctx context.Context, id string) (*tracker.IssueDetails, error) {
	return &tracker.IssueDetails{ID: id}, nil
}
func (f *fakeTracker) GetViewerID(ctx context.Context) (string, error) { return f.viewerID, nil }
func (f *fakeTracker) GetTeamStates(ctx context.Context, teamID string) ([]tracker.State, error) {
	return nil, nil
}
func (f *fakeTracker) GetTeamLabels(ctx context.Context, teamID string) ([]tracker.Label, error) {
	return nil, nil
}
func (f *fakeTracker) CreateComment(ctx context.Context, issueID, body string, identity *tracker.IdentityOpts) (string, error) {
	return "generated-comment", nil
}
func (f *fakeTracker) UpdateIssue(ctx context.Context, issueID string, fields tracker.UpdateFields) error {
	return nil
}
func (f *fakeTracker) CreateSessionOnIssue(ctx context.Context, issueID string) (string, error) {
	return "", nil
}
func (f *fakeTracker) EmitActivity(ctx context.Context, sessionID string, content tracker.ActivityContent) error {
	return nil
}
func (f *fakeTracker) CreateReaction(ctx context.Context, commentID, name string) error { return nil }

func newTestRouter(t *testing.T) (*Router, *fakeEngine) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "state.json"), lockmgr.New(), zap.NewNop())
	engine := &fakeEngine{}
	classifier := intent.New(nil, zap.NewNop())
	rt := New(engine, &fakeTracker{viewerID: "viewer-1"}, store, activesessions.New(), classifier, notify.NoOp(zap.NewNop()), nil, "claude", zap.NewNop())
	return rt, engine
}

func postWebhook(rt *Router, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	rt.handleWebhook(rec, req)
	return rec
}

func waitForCount(engine *fakeEngine, n int) bool {
	for i := 0; i < 50; i++ {
		if engine.count() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestNonPostMethodReturns405(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	rt.handleWebhook(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMalformedJSONReturns400(t *testing.T) {
	rt, _ := newTestRouter(t)
	rec := postWebhook(rt, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingTypeReturns400(t *testing.T) {
	rt, _ := newTestRouter(t)
	rec := postWebhook(rt, `{"action": "created"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseIsSentBeforeAsyncWorkCompletes(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "AgentSessionEvent", "action": "created", "data": {"sessionId": "sess-1", "issueIdentifier": "ENG-1"}}`
	rec := postWebhook(rt, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	require.True(t, waitForCount(engine, 1))
	assert.Equal(t, []string{"ENG-1"}, engine.dispatched)
}

// TestDuplicateWebhookSuppressedByProcessedEvents mirrors S6: the same
// session-created webhook sent twice back-to-back triggers downstream work
// at most once, via the per-key processedEvents dedup layer.
func TestDuplicateWebhookSuppressedByProcessedEvents(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "AgentSessionEvent", "action": "created", "data": {"sessionId": "sess-dup", "issueIdentifier": "ENG-2"}}`

	rec1 := postWebhook(rt, body)
	require.True(t, waitForCount(engine, 1))
	rec2 := postWebhook(rt, body)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, 1, engine.count())
}

func TestActiveRunsGuardSuppressesConcurrentEventsForSameIssue(t *testing.T) {
	rt, _ := newTestRouter(t)
	rt.Sessions.TryAcquireActiveRun("ENG-3")

	ctx := context.Background()
	rt.handleSessionCreated(ctx, envelope{Data: []byte(`{"sessionId": "sess-3", "issueIdentifier": "ENG-3"}`)})

	isNew, err := rt.Store.MarkEventProcessed(ctx, "session:sess-3")
	require.NoError(t, err)
	assert.True(t, isNew, "handleSessionCreated must not have consumed the dedup key when the active-runs guard short-circuited it")
}

func TestViewerIDGuardSuppressesOwnComments(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "Comment", "action": "create", "data": {"commentId": "c-1", "userId": "viewer-1", "issueIdentifier": "ENG-4", "body": "please fix this"}}`
	postWebhook(rt, body)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, engine.count())
}

func TestCommentMentionFastPathSkipsClassifier(t *testing.T) {
	rt, engine := newTestRouter(t)
	rt.Sessions.SetAgentProfiles(map[string]activesessions.AgentProfile{
		"bob": {Alias: "bob", AgentID: "codex", Label: "Bob"},
	})
	body := `{"type": "Comment", "action": "create", "data": {"commentId": "c-2", "userId": "human-1", "issueIdentifier": "ENG-5", "body": "@bob please take a look"}}`
	postWebhook(rt, body)
	require.True(t, waitForCount(engine, 1))
	assert.Equal(t, []string{"ENG-5"}, engine.dispatched)
}

func TestCommentRequestWorkRoutesToDefaultAgent(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "Comment", "action": "create", "data": {"commentId": "c-3", "userId": "human-2", "issueIdentifier": "ENG-6", "body": "can you fix the login bug"}}`
	postWebhook(rt, body)
	require.True(t, waitForCount(engine, 1))
	assert.Equal(t, []string{"ENG-6"}, engine.dispatched)
}

func TestIssueUpdateAssigneeChangeToUsDispatches(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "Issue", "action": "update", "data": {"issueId": "issue-7", "issueIdentifier": "ENG-7", "assigneeId": "viewer-1", "previousAssigneeId": "someone-else"}}`
	postWebhook(rt, body)
	require.True(t, waitForCount(engine, 1))
	assert.Equal(t, []string{"ENG-7"}, engine.dispatched)
}

func TestIssueUpdateAssigneeChangeToSomeoneElseIsIgnored(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "Issue", "action": "update", "data": {"issueId": "issue-8", "issueIdentifier": "ENG-8", "assigneeId": "someone-else", "previousAssigneeId": "viewer-1"}}`
	postWebhook(rt, body)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, engine.count())
}

func TestAppUserNotificationIsIgnored(t *testing.T) {
	rt, engine := newTestRouter(t)
	body := `{"type": "AppUserNotification", "action": "mentioned", "data": {}}`
	rec := postWebhook(rt, body)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, engine.count())
}
