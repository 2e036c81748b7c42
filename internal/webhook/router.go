// Package webhook is the HTTP ingestion boundary: it accepts tracker
// webhooks, applies the four-layer deduplication scheme, and routes each
// event to the pipeline engine or intent classifier on a detached task so
// the HTTP response is never held up by downstream work.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/activesessions"
	"github.com/clawhq/dispatcher/internal/intent"
	"github.com/clawhq/dispatcher/internal/metrics"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/pipeline"
	"github.com/clawhq/dispatcher/internal/statestore"
	"github.com/clawhq/dispatcher/internal/tracker"
)

// maxBodyBytes caps the webhook body, per spec.md §4.8's "≈1 MiB".
const maxBodyBytes = 1 << 20

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_\-]+)`)

// Engine is the pipeline engine's contract as consumed by the router. Kept
// narrow and local so the router can be tested against a fake without
// depending on pipeline's full dependency graph.
type Engine interface {
	Dispatch(ctx context.Context, issueIdentifier, model string) error
	SpawnWorker(ctx context.Context, d *statestore.Dispatch, opts pipeline.SpawnOpts)
}

// Router is the webhook's constructor-injected dependency set, per Design
// Notes ("The webhook router takes the pipeline engine and notifier as
// constructor dependencies").
type Router struct {
	Engine     Engine
	Tracker    tracker.Client
	Store      *statestore.Store
	Sessions   *activesessions.Registry
	Classifier *intent.Classifier
	Notifier   *notify.Notifier
	Metrics    *metrics.Metrics
	Log        *zap.Logger

	DefaultAgentID string

	viewerOnce sync.Once
	viewerID   string
}

// New returns a Router. All fields are required except Metrics, which may
// be nil (metrics calls become no-ops).
func New(engine Engine, trk tracker.Client, store *statestore.Store, sessions *activesessions.Registry,
	classifier *intent.Classifier, notifier *notify.Notifier, m *metrics.Metrics, defaultAgentID string, log *zap.Logger) *Router {
	return &Router{
		Engine: engine, Tracker: trk, Store: store, Sessions: sessions,
		Classifier: classifier, Notifier: notifier, Metrics: m,
		DefaultAgentID: defaultAgentID, Log: log,
	}
}

// Mount registers the webhook endpoint on r.
func (rt *Router) Mount(r *mux.Router, path string) {
	r.HandleFunc(path, rt.handleWebhook)
}

func (rt *Router) viewerIdentity(ctx context.Context) string {
	rt.viewerOnce.Do(func() {
		id, err := rt.Tracker.GetViewerID(ctx)
		if err != nil {
			rt.Log.Warn("webhook: failed to resolve viewer id, self-echo guard disabled", zap.Error(err))
			return
		}
		rt.viewerID = id
	})
	return rt.viewerID
}

func (rt *Router) recordDeduped(layer string) {
	if rt.Metrics != nil {
		rt.Metrics.WebhookDedupedTotal.WithLabelValues(layer).Inc()
	}
}

func (rt *Router) recordRequest(eventType string, status int) {
	if rt.Metrics != nil {
		rt.Metrics.WebhookRequestsTotal.WithLabelValues(eventType, fmt.Sprintf("%d", status)).Inc()
	}
}

// handleWebhook implements spec.md §4.8: POST-only, body-capped, JSON
// envelope with a string type, response sent immediately and all real work
// done afterward on a detached goroutine.
func (rt *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rt.recordRequest("", http.StatusMethodNotAllowed)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.recordRequest("", http.StatusBadRequest)
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var ev envelope
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		rt.recordRequest("", http.StatusBadRequest)
		http.Error(w, "malformed webhook: expected a JSON object with a string type", http.StatusBadRequest)
		return
	}

	rt.recordRequest(ev.Type+"."+ev.Action, http.StatusOK)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	ctx := context.WithoutCancel(r.Context())
	go rt.route(ctx, ev)
}

func (rt *Router) route(ctx context.Context, ev envelope) {
	switch {
	case strings.HasPrefix(ev.Type, "AppUserNotification"):
		rt.Log.Debug("webhook: ignoring AppUserNotification event", zap.String("action", ev.Action))

	case ev.Type == "AgentSessionEvent" && ev.Action == "created", ev.Type == "AgentSession" && ev.Action == "create":
		rt.handleSessionCreated(ctx, ev)

	case ev.Type == "AgentSessionEvent" && ev.Action == "prompted", ev.Type == "AgentSession" && ev.Action == "prompted":
		rt.handleSessionPrompted(ctx, ev)

	case ev.Type == "Comment" && ev.Action == "create":
		rt.handleCommentCreate(ctx, ev)

	case ev.Type == "Issue" && ev.Action == "update":
		rt.handleIssueUpdate(ctx, ev)

	case ev.Type == "Issue" && ev.Action == "create":
		rt.handleIssueCreate(ctx, ev)

	default:
		rt.Log.Debug("webhook: no handler for event, acking only", zap.String("type", ev.Type), zap.String("action", ev.Action))
	}
}

func (rt *Router) handleSessionCreated(ctx context.Context, ev envelope) {
	var p sessionPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		rt.Log.Warn("webhook: malformed AgentSessionEvent.created payload", zap.Error(err))
		return
	}
	if p.IssueIdentifier == "" {
		return
	}

	if !rt.Sessions.TryAcquireActiveRun(p.IssueIdentifier) {
		rt.recordDeduped("active_runs")
		return
	}
	defer rt.Sessions.ReleaseActiveRun(p.IssueIdentifier)

	isNew, err := rt.Store.MarkEventProcessed(ctx, "session:"+p.SessionID)
	if err != nil {
		rt.Log.Warn("webhook: failed to check session dedup key", zap.Error(err))
		return
	}
	if !isNew {
		rt.recordDeduped("processed_events")
		return
	}

	model := p.AgentID
	if model == "" {
		model = rt.DefaultAgentID
	}
	if err := rt.Engine.Dispatch(ctx, p.IssueIdentifier, model); err != nil {
		rt.Log.Warn("webhook: failed to start dispatch from session-created event", zap.String("issueIdentifier", p.IssueIdentifier), zap.Error(err))
	}
}

// handleSessionPrompted handles "continue a session (user reply)". For a
// dispatch that is missing or not stuck, the sanitized reply is stored with
// Sessions.CachePrompt under the issue identifier; the pipeline engine does
// not read it back. For a stuck dispatch it requests a stuck->working CAS,
// which the store's transition table rejects (stuck has no outbound
// transitions), so no worker is spawned and the reply is not used.
func (rt *Router) handleSessionPrompted(ctx context.Context, ev envelope) {
	var p sessionPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		rt.Log.Warn("webhook: malformed AgentSessionEvent.prompted payload", zap.Error(err))
		return
	}
	if p.IssueIdentifier == "" {
		return
	}

	if !rt.Sessions.TryAcquireActiveRun(p.IssueIdentifier) {
		rt.recordDeduped("active_runs")
		return
	}
	defer rt.Sessions.ReleaseActiveRun(p.IssueIdentifier)

	isNew, err := rt.Store.MarkEventProcessed(ctx, "session-prompt:"+p.SessionID)
	if err != nil {
		rt.Log.Warn("webhook: failed to check session-prompt dedup key", zap.Error(err))
		return
	}
	if !isNew {
		rt.recordDeduped("processed_events")
		return
	}

	message := pipeline.SanitizePromptInput(p.Message, 4000)

	d, err := rt.Store.GetDispatch(ctx, p.IssueIdentifier)
	if err != nil {
		rt.Log.Warn("webhook: failed to look up dispatch for session-prompted event", zap.Error(err))
		return
	}
	if d == nil {
		rt.Sessions.CachePrompt(p.IssueIdentifier, message)
		return
	}

	if d.Status != statestore.StatusStuck {
		rt.Sessions.CachePrompt(p.IssueIdentifier, message)
		return
	}

	res, err := rt.Store.Transition(ctx, p.IssueIdentifier, statestore.StatusStuck, statestore.StatusWorking, statestore.Update{})
	if err != nil {
		rt.Log.Warn("webhook: failed to resume stuck dispatch from session-prompted event", zap.Error(err))
		return
	}
	if res.Kind != statestore.TransitionOK {
		return
	}

	rt.Engine.SpawnWorker(ctx, res.Dispatch, pipeline.SpawnOpts{Gaps: []string{message}})
}

func (rt *Router) handleCommentCreate(ctx context.Context, ev envelope) {
	var p commentPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		rt.Log.Warn("webhook: malformed Comment.create payload", zap.Error(err))
		return
	}
	if p.IssueIdentifier == "" {
		return
	}

	if !rt.Sessions.TryAcquireActiveRun(p.IssueIdentifier) {
		rt.recordDeduped("active_runs")
		return
	}
	defer rt.Sessions.ReleaseActiveRun(p.IssueIdentifier)

	if viewer := rt.viewerIdentity(ctx); viewer != "" && p.UserID == viewer {
		rt.recordDeduped("viewer_id")
		return
	}

	isNew, err := rt.Store.MarkEventProcessed(ctx, "comment:"+p.CommentID)
	if err != nil {
		rt.Log.Warn("webhook: failed to check comment dedup key", zap.Error(err))
		return
	}
	if !isNew {
		rt.recordDeduped("processed_events")
		return
	}

	body := pipeline.SanitizePromptInput(p.Body, 4000)

	if m := mentionPattern.FindStringSubmatch(body); m != nil {
		if profile, ok := rt.Sessions.ResolveAgentAlias(m[1]); ok {
			if err := rt.Engine.Dispatch(ctx, p.IssueIdentifier, profile.AgentID); err != nil {
				rt.Log.Warn("webhook: failed to dispatch to @alias agent", zap.String("alias", m[1]), zap.Error(err))
			}
			return
		}
	}

	classification := rt.Classifier.Classify(ctx, body, intent.IssueContext{
		Identifier: p.IssueIdentifier, Title: p.IssueTitle, Description: p.IssueDesc,
	})
	rt.routeByIntent(ctx, p, classification)
}

func (rt *Router) routeByIntent(ctx context.Context, p commentPayload, c intent.Classification) {
	switch c.Intent {
	case intent.IntentGeneral:
		rt.Log.Info("webhook: comment classified general, logging only", zap.String("issueIdentifier", p.IssueIdentifier), zap.String("reasoning", c.Reasoning))

	case intent.IntentAskAgent:
		agentID := c.AgentID
		if agentID == "" {
			agentID = rt.DefaultAgentID
		}
		if err := rt.Engine.Dispatch(ctx, p.IssueIdentifier, agentID); err != nil {
			rt.Log.Warn("webhook: failed to dispatch for ask_agent intent", zap.Error(err))
		}

	case intent.IntentRequestWork, intent.IntentQuestion:
		if err := rt.Engine.Dispatch(ctx, p.IssueIdentifier, rt.DefaultAgentID); err != nil {
			rt.Log.Warn("webhook: failed to dispatch for request_work/question intent", zap.Error(err))
		}

	case intent.IntentCloseIssue:
		if _, err := rt.Tracker.CreateComment(ctx, p.IssueID, "Closing this issue as requested.", &tracker.IdentityOpts{AsAgent: true, AgentLabel: "dispatcher"}); err != nil {
			rt.Log.Warn("webhook: identity comment failed on close_issue, falling back", zap.Error(err))
			_, _ = rt.Tracker.CreateComment(ctx, p.IssueID, "**[dispatcher]** Closing this issue as requested.", nil)
		}
		if issue, err := rt.Tracker.GetIssueDetails(ctx, p.IssueID); err == nil {
			if states, err := rt.Tracker.GetTeamStates(ctx, issue.Team.ID); err == nil {
				for _, st := range states {
					if st.Type == "completed" {
						_ = rt.Tracker.UpdateIssue(ctx, p.IssueID, tracker.UpdateFields{StateID: st.ID})
						break
					}
				}
			}
		}

	case intent.IntentPlanStart, intent.IntentPlanContinue, intent.IntentPlanFinalize, intent.IntentPlanAbandon:
		rt.Log.Info("webhook: plan_* intent routed to external planning subsystem",
			zap.String("issueIdentifier", p.IssueIdentifier), zap.String("intent", string(c.Intent)))

	default:
		rt.Log.Warn("webhook: unrecognized intent, logging only", zap.String("intent", string(c.Intent)))
	}
}

// handleIssueUpdate implements "Issue.update where assignee or delegate
// changed to us -> dispatch".
func (rt *Router) handleIssueUpdate(ctx context.Context, ev envelope) {
	var p issueUpdatePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		rt.Log.Warn("webhook: malformed Issue.update payload", zap.Error(err))
		return
	}
	if p.IssueIdentifier == "" {
		return
	}

	viewer := rt.viewerIdentity(ctx)
	changedToUs := viewer != "" && (p.AssigneeID == viewer || p.DelegateID == viewer) && p.PreviousAssigneeID != viewer
	if !changedToUs {
		return
	}

	if !rt.Sessions.TryAcquireActiveRun(p.IssueIdentifier) {
		rt.recordDeduped("active_runs")
		return
	}
	defer rt.Sessions.ReleaseActiveRun(p.IssueIdentifier)

	key := fmt.Sprintf("issue-assign:%s:%s", p.IssueID, viewer)
	isNew, err := rt.Store.MarkEventProcessed(ctx, key)
	if err != nil {
		rt.Log.Warn("webhook: failed to check issue-assign dedup key", zap.Error(err))
		return
	}
	if !isNew {
		rt.recordDeduped("processed_events")
		return
	}

	if err := rt.Engine.Dispatch(ctx, p.IssueIdentifier, rt.DefaultAgentID); err != nil {
		rt.Log.Warn("webhook: failed to dispatch from Issue.update assignee change", zap.Error(err))
	}
}

// handleIssueCreate implements "Issue.create -> auto-triage": post a
// triage acknowledgment comment rather than immediately dispatching, since
// a freshly created issue has not yet been assigned to the orchestrator.
func (rt *Router) handleIssueCreate(ctx context.Context, ev envelope) {
	var p issueCreatePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		rt.Log.Warn("webhook: malformed Issue.create payload", zap.Error(err))
		return
	}
	if p.IssueIdentifier == "" {
		return
	}

	isNew, err := rt.Store.MarkEventProcessed(ctx, "issue-create:"+p.IssueID)
	if err != nil {
		rt.Log.Warn("webhook: failed to check issue-create dedup key", zap.Error(err))
		return
	}
	if !isNew {
		rt.recordDeduped("processed_events")
		return
	}

	commentID, err := rt.Tracker.CreateComment(ctx, p.IssueID,
		"Triaging this issue. Assign it (or @mention an agent) to start a dispatch.",
		&tracker.IdentityOpts{AsAgent: true, AgentLabel: "dispatcher"})
	if err != nil {
		rt.Log.Warn("webhook: identity comment failed on auto-triage, falling back", zap.Error(err))
		commentID, err = rt.Tracker.CreateComment(ctx, p.IssueID, "**[dispatcher]** Triaging this issue.", nil)
	}
	if err == nil && commentID != "" {
		if _, err := rt.Store.MarkEventProcessed(ctx, "comment:"+commentID); err != nil {
			rt.Log.Warn("webhook: failed to pre-register our own triage comment", zap.Error(err))
		}
	}
}
