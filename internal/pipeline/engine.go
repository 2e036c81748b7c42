// Package pipeline implements the worker/audit state machine: spawning
// the worker sub-agent, triggering an independent audit, parsing its
// verdict, and driving the dispatch to done, a rework loop, or stuck.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/agentrunner"
	"github.com/clawhq/dispatcher/internal/artifacts"
	"github.com/clawhq/dispatcher/internal/gitops"
	"github.com/clawhq/dispatcher/internal/metrics"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/statestore"
	"github.com/clawhq/dispatcher/internal/tracker"
)

// ProjectCascader is the DAG controller's contract as consumed by the
// pipeline engine, kept as a local interface so neither package imports
// the other's concrete types (Design Notes: restructure cross-module
// cycles as a DAG of components with dependency injection).
type ProjectCascader interface {
	OnProjectIssueCompleted(ctx context.Context, projectID, issueIdentifier string)
	OnProjectIssueStuck(ctx context.Context, projectID, issueIdentifier string)
}

// SpawnOpts are the optional inputs to spawnWorker's rework path.
type SpawnOpts struct {
	Gaps []string
}

// Engine is the pipeline's three synchronous entry points plus their
// shared dependencies, all injected per the Design Notes DI requirement.
type Engine struct {
	Store     *statestore.Store
	Tracker   tracker.Client
	Agents    *agentrunner.Registry
	Worktrees *gitops.Manager
	PRs       *gitops.PRClient
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Cascader  ProjectCascader
	Log       *zap.Logger

	MaxReworkAttempts int
	InactivityTimeout time.Duration
	MaxTotalTimeout   time.Duration
	TeamMappings      map[string]string
	MemoryDir         string

	ActiveSessionCleared func(issueIdentifier string)
}

func (e *Engine) artifactWriter(worktreePath string) *artifacts.Writer {
	return artifacts.New(worktreePath, e.Log)
}

func newSessionKey() string {
	return uuid.NewString()
}

// SpawnWorker implements 4.6.1: if the dispatch is freshly dispatched, CAS
// it to working; otherwise the caller already placed it there on the
// rework path. It builds the worker prompt, registers the session, runs
// the worker under the watchdog, persists artifacts, and on success hands
// off to TriggerAudit.
func (e *Engine) SpawnWorker(ctx context.Context, d *statestore.Dispatch, opts SpawnOpts) {
	if d.Status == statestore.StatusDispatched {
		res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusDispatched, statestore.StatusWorking, statestore.Update{})
		if err != nil {
			e.Log.Error("pipeline: transition error dispatched->working", zap.Error(err))
			return
		}
		if res.Kind != statestore.TransitionOK {
			e.Log.Info("pipeline: spawnWorker no-op, not in dispatched state", zap.String("issueIdentifier", d.IssueIdentifier), zap.String("result", res.Kind.String()))
			return
		}
		d = res.Dispatch
	}

	issue, err := e.Tracker.GetIssueDetails(ctx, d.IssueID)
	if err != nil {
		e.Log.Warn("pipeline: failed to fetch issue details for worker prompt", zap.Error(err))
		issue = &tracker.IssueDetails{ID: d.IssueID, Identifier: d.IssueIdentifier}
	}

	templates := MergeTemplates("", "", "", "")
	prompt := RenderPrompt(templates.Worker, PromptVars{
		Identifier:   d.IssueIdentifier,
		Title:        issue.Title,
		Description:  issue.Description,
		WorktreePath: d.WorktreePath,
		Attempt:      d.Attempt,
		Gaps:         opts.Gaps,
		TeamContext:  e.teamContext(issue.Team.Key),
	})

	sessionKey := newSessionKey()
	if err := e.Store.RegisterSessionMapping(ctx, sessionKey, &statestore.SessionMapping{
		DispatchID: d.IssueIdentifier, Phase: statestore.PhaseWorker, Attempt: d.Attempt,
	}); err != nil {
		e.Log.Warn("pipeline: failed to register worker session mapping", zap.Error(err))
	}
	if _, err := e.Store.UpdateFields(ctx, d.IssueIdentifier, statestore.Update{WorkerSessionKey: &sessionKey}); err != nil {
		e.Log.Warn("pipeline: failed to record worker session key", zap.Error(err))
	}

	attempt := d.Attempt
	e.Notifier.Notify(ctx, notify.KindWorking, notify.Payload{Identifier: d.IssueIdentifier, Title: issue.Title, Attempt: &attempt})

	runner, ok := e.Agents.Resolve(d.Model)
	if !ok {
		e.Log.Error("pipeline: no agent runner registered for model", zap.String("model", d.Model))
		return
	}

	result, err := RunWatched(ctx, runner, agentrunner.RunRequest{
		AgentID: d.Model, SessionID: sessionKey, Message: prompt, WorkDir: d.WorktreePath,
	}, WatchdogConfig{MaxTotal: e.MaxTotalTimeout})
	if err != nil {
		e.Log.Error("pipeline: worker run failed", zap.Error(err))
		return
	}

	w := e.artifactWriter(d.WorktreePath)
	w.WriteWorkerOutput(d.Attempt, result.Output)
	w.AppendLog("worker", map[string]interface{}{"attempt": d.Attempt, "sessionKey": sessionKey, "watchdogKilled": result.WatchdogKilled})

	if result.WatchdogKilled {
		e.handleWatchdogKill(ctx, d, issue, w)
		return
	}

	fresh, err := e.Store.GetDispatch(ctx, d.IssueIdentifier)
	if err != nil {
		e.Log.Warn("pipeline: failed to re-read dispatch after worker run", zap.Error(err))
		return
	}
	if fresh == nil {
		e.Log.Info("pipeline: dispatch vanished after worker run, aborting silently", zap.String("issueIdentifier", d.IssueIdentifier))
		return
	}

	e.TriggerAudit(ctx, fresh, sessionKey)
}

func (e *Engine) handleWatchdogKill(ctx context.Context, d *statestore.Dispatch, issue *tracker.IssueDetails, w *artifacts.Writer) {
	w.AppendLog("watchdog", map[string]interface{}{"reason": "watchdog_kill_2x"})
	w.UpdateManifest("stuck", d.Attempt)

	reason := "watchdog_kill_2x"
	res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusWorking, statestore.StatusStuck, statestore.Update{StuckReason: &reason})
	if err != nil {
		e.Log.Error("pipeline: transition error working->stuck (watchdog)", zap.Error(err))
		return
	}
	if res.Kind != statestore.TransitionOK {
		return
	}

	e.transitionIssueToTriage(ctx, d.IssueID, issue)
	e.postComment(ctx, d.IssueID, "**Agent Timed Out**\n\nThe worker produced no output within the allowed time, even after a retry. "+
		"Options: re-dispatch with a narrower scope, increase the timeout, or pick this up manually.")
	if e.Metrics != nil {
		e.Metrics.WatchdogKillsTotal.Inc()
	}
	e.Notifier.Notify(ctx, notify.KindWatchdogKill, notify.Payload{Identifier: d.IssueIdentifier, Title: issue.Title, Reason: reason})
}

// TriggerAudit implements 4.6.2.
func (e *Engine) TriggerAudit(ctx context.Context, d *statestore.Dispatch, workerSessionKey string) {
	isNew, err := e.Store.MarkEventProcessed(ctx, "worker-end:"+workerSessionKey)
	if err != nil {
		e.Log.Warn("pipeline: failed to mark worker-end processed", zap.Error(err))
		return
	}
	if !isNew {
		return
	}

	res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusWorking, statestore.StatusAuditing, statestore.Update{})
	if err != nil {
		e.Log.Error("pipeline: transition error working->auditing", zap.Error(err))
		return
	}
	if res.Kind != statestore.TransitionOK {
		return
	}
	d = res.Dispatch

	w := e.artifactWriter(d.WorktreePath)
	w.UpdateManifest("auditing", d.Attempt)

	issue, err := e.Tracker.GetIssueDetails(ctx, d.IssueID)
	if err != nil {
		e.Log.Warn("pipeline: failed to fetch issue details for audit prompt", zap.Error(err))
		issue = &tracker.IssueDetails{ID: d.IssueID, Identifier: d.IssueIdentifier}
	}

	templates := MergeTemplates("", "", "", "")
	prompt := RenderPrompt(templates.Audit, PromptVars{
		Identifier: d.IssueIdentifier, Title: issue.Title, Description: issue.Description,
		WorktreePath: d.WorktreePath, Attempt: d.Attempt, TeamContext: e.teamContext(issue.Team.Key),
	})

	auditSessionKey := newSessionKey()
	if err := e.Store.RegisterSessionMapping(ctx, auditSessionKey, &statestore.SessionMapping{
		DispatchID: d.IssueIdentifier, Phase: statestore.PhaseAudit, Attempt: d.Attempt,
	}); err != nil {
		e.Log.Warn("pipeline: failed to register audit session mapping", zap.Error(err))
	}
	if _, err := e.Store.UpdateFields(ctx, d.IssueIdentifier, statestore.Update{AuditSessionKey: &auditSessionKey}); err != nil {
		e.Log.Warn("pipeline: failed to record audit session key", zap.Error(err))
	}

	attempt := d.Attempt
	e.Notifier.Notify(ctx, notify.KindAuditing, notify.Payload{Identifier: d.IssueIdentifier, Title: issue.Title, Attempt: &attempt})

	runner, ok := e.Agents.Resolve(d.Model)
	if !ok {
		e.Log.Error("pipeline: no agent runner registered for audit model", zap.String("model", d.Model))
		return
	}

	result, err := RunWatched(ctx, runner, agentrunner.RunRequest{
		AgentID: d.Model, SessionID: auditSessionKey, Message: prompt, WorkDir: d.WorktreePath,
	}, WatchdogConfig{MaxTotal: e.MaxTotalTimeout})
	if err != nil {
		e.Log.Error("pipeline: audit run failed", zap.Error(err))
		return
	}

	e.ProcessVerdict(ctx, d, result, auditSessionKey)
}

// ProcessVerdict implements 4.6.3.
func (e *Engine) ProcessVerdict(ctx context.Context, d *statestore.Dispatch, result agentrunner.RunResult, auditSessionKey string) {
	isNew, err := e.Store.MarkEventProcessed(ctx, "audit-end:"+auditSessionKey)
	if err != nil {
		e.Log.Warn("pipeline: failed to mark audit-end processed", zap.Error(err))
		return
	}
	if !isNew {
		return
	}

	w := e.artifactWriter(d.WorktreePath)
	w.AppendLog("audit", map[string]interface{}{"attempt": d.Attempt, "sessionKey": auditSessionKey})

	verdict, ok := ParseVerdict(result.Output)
	if !ok {
		e.postComment(ctx, d.IssueID, "**Audit Inconclusive**\n\nThe audit did not return a parseable verdict. Treating this attempt as failed.")
		verdict = Verdict{Pass: false, Gaps: []string{"audit output was not a parseable verdict"}}
	}

	verdictJSON, _ := RenderVerdict(verdict)
	w.WriteAuditVerdict(d.Attempt, []byte(verdictJSON))

	if verdict.Pass {
		e.handleAuditPass(ctx, d, verdict, w)
		return
	}
	e.handleAuditFail(ctx, d, verdict, w)
}

// handleAuditPass implements 4.6.4.
func (e *Engine) handleAuditPass(ctx context.Context, d *statestore.Dispatch, verdict Verdict, w *artifacts.Writer) {
	w.UpdateManifest("done", d.Attempt+1)

	res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusAuditing, statestore.StatusDone, statestore.Update{})
	if err != nil {
		e.Log.Error("pipeline: transition error auditing->done", zap.Error(err))
		return
	}
	if res.Kind != statestore.TransitionOK {
		return
	}

	summary := w.BuildSummaryFromArtifacts(d.Attempt)
	w.WriteMemory(e.MemoryDir, d.IssueIdentifier, summary)

	var prURL string
	if e.Worktrees != nil && e.PRs != nil {
		if hasCommits, err := e.Worktrees.HasCommits(ctx, d.WorktreePath, "main"); err == nil && hasCommits {
			if pr, err := e.PRs.CreatePullRequest(ctx, d.Branch, fmt.Sprintf("%s: %s", d.IssueIdentifier, d.IssueIdentifier), summaryBody(verdict)); err != nil {
				e.Log.Warn("pipeline: best-effort PR creation failed", zap.Error(err))
			} else {
				prURL = pr.PRUrl
			}
		}
	}

	record := &statestore.CompletedDispatch{
		IssueIdentifier: d.IssueIdentifier,
		Tier:            d.Tier,
		Status:          statestore.StatusDone,
		CompletedAt:     time.Now(),
		PRUrl:           prURL,
		Project:         d.Project,
		TotalAttempts:   d.Attempt + 1,
	}
	if err := e.Store.CompleteDispatch(ctx, d.IssueIdentifier, record); err != nil {
		e.Log.Error("pipeline: failed to complete dispatch", zap.Error(err))
	}

	if prURL != "" {
		e.transitionIssueToReview(ctx, d.IssueID)
	} else {
		e.transitionIssueToCompleted(ctx, d.IssueID)
	}

	e.postComment(ctx, d.IssueID, successComment(verdict, prURL))
	e.Notifier.Notify(ctx, notify.KindAuditPass, notify.Payload{
		Identifier: d.IssueIdentifier, Status: string(statestore.StatusDone),
		Verdict: &notify.VerdictSummary{Pass: true, Criteria: verdict.Criteria, TestResults: verdict.TestResults},
	})

	if d.Project != "" && e.Cascader != nil {
		go e.Cascader.OnProjectIssueCompleted(context.WithoutCancel(ctx), d.Project, d.IssueIdentifier)
	}

	if e.ActiveSessionCleared != nil {
		e.ActiveSessionCleared(d.IssueIdentifier)
	}
}

// handleAuditFail implements 4.6.5.
func (e *Engine) handleAuditFail(ctx context.Context, d *statestore.Dispatch, verdict Verdict, w *artifacts.Writer) {
	nextAttempt := d.Attempt + 1
	maxAttempts := e.MaxReworkAttempts

	if nextAttempt > maxAttempts {
		reason := fmt.Sprintf("audit_failed_%dx", nextAttempt)
		w.UpdateManifest("stuck", nextAttempt)

		res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusAuditing, statestore.StatusStuck, statestore.Update{
			Attempt: &nextAttempt, StuckReason: &reason,
		})
		if err != nil {
			e.Log.Error("pipeline: transition error auditing->stuck", zap.Error(err))
			return
		}
		if res.Kind != statestore.TransitionOK {
			return
		}

		summary := w.BuildSummaryFromArtifacts(d.Attempt)
		w.WriteMemory(e.MemoryDir, d.IssueIdentifier, summary)
		e.transitionIssueToTriage(ctx, d.IssueID, nil)
		e.postComment(ctx, d.IssueID, escalationComment(verdict, nextAttempt))

		attempt := d.Attempt
		e.Notifier.Notify(ctx, notify.KindEscalation, notify.Payload{
			Identifier: d.IssueIdentifier, Attempt: &attempt,
			Verdict: &notify.VerdictSummary{Pass: false, Gaps: verdict.Gaps},
		})
		if e.Metrics != nil {
			e.Metrics.EscalationsTotal.Inc()
		}

		if d.Project != "" && e.Cascader != nil {
			go e.Cascader.OnProjectIssueStuck(context.WithoutCancel(ctx), d.Project, d.IssueIdentifier)
		}
		return
	}

	res, err := e.Store.Transition(ctx, d.IssueIdentifier, statestore.StatusAuditing, statestore.StatusWorking, statestore.Update{Attempt: &nextAttempt})
	if err != nil {
		e.Log.Error("pipeline: transition error auditing->working (rework)", zap.Error(err))
		return
	}
	if res.Kind != statestore.TransitionOK {
		return
	}

	remaining := maxAttempts - nextAttempt
	e.postComment(ctx, d.IssueID, reworkComment(verdict, nextAttempt, remaining))

	attempt := d.Attempt
	e.Notifier.Notify(ctx, notify.KindAuditFail, notify.Payload{
		Identifier: d.IssueIdentifier, Attempt: &attempt,
		Verdict: &notify.VerdictSummary{Pass: false, Gaps: verdict.Gaps},
	})
	if e.Metrics != nil {
		e.Metrics.ReworkAttemptsTotal.Inc()
	}

	// The engine only changes state and notifies here; it does not call
	// SpawnWorker for the next attempt. Nothing else in this repository
	// does either: the janitor's recovery pass and the webhook router do
	// not start a worker for a dispatch back in working after a rework.
}

// StartDispatch allocates a fresh ActiveDispatch for issueIdentifier and
// spawns its worker. It is the DAG controller's DispatchStarter contract:
// when a project-scoped issue's dependencies are all done, the controller
// calls this to actually begin work on it.
func (e *Engine) StartDispatch(ctx context.Context, projectID, issueIdentifier string) error {
	return e.dispatchIssue(ctx, issueIdentifier, projectID, "claude")
}

// Dispatch allocates a fresh, non-project-scoped ActiveDispatch for
// issueIdentifier on the given model, the webhook router's entry point for
// Issue.create auto-triage, assignee-change dispatch, and @alias routing.
func (e *Engine) Dispatch(ctx context.Context, issueIdentifier, model string) error {
	if model == "" {
		model = "claude"
	}
	return e.dispatchIssue(ctx, issueIdentifier, "", model)
}

func (e *Engine) dispatchIssue(ctx context.Context, issueIdentifier, projectID, model string) error {
	issue, err := e.Tracker.GetIssueDetails(ctx, issueIdentifier)
	if err != nil {
		return fmt.Errorf("pipeline: fetching issue details for dispatch: %w", err)
	}

	worktreePath := issueIdentifier
	branch := "dispatch/" + issueIdentifier
	if e.Worktrees != nil {
		info, err := e.Worktrees.CreateWorktree(ctx, "main", branch, worktreePath)
		if err != nil {
			return fmt.Errorf("pipeline: creating worktree for dispatch: %w", err)
		}
		worktreePath = info.Path
	}

	d := &statestore.Dispatch{
		IssueIdentifier: issueIdentifier,
		IssueID:         issue.ID,
		WorktreePath:    worktreePath,
		Branch:          branch,
		Tier:            statestore.TierMedium,
		Model:           model,
		Status:          statestore.StatusDispatched,
		DispatchedAt:    time.Now(),
		Project:         projectID,
	}
	if err := e.Store.RegisterDispatch(ctx, d); err != nil {
		return fmt.Errorf("pipeline: registering dispatch: %w", err)
	}

	go e.SpawnWorker(context.WithoutCancel(ctx), d, SpawnOpts{})
	return nil
}

func (e *Engine) teamContext(teamKey string) string {
	if name, ok := e.TeamMappings[teamKey]; ok {
		return "Team: " + name
	}
	return ""
}

func (e *Engine) postComment(ctx context.Context, issueID, body string) {
	if _, err := e.Tracker.CreateComment(ctx, issueID, body, &tracker.IdentityOpts{AsAgent: true, AgentLabel: "dispatcher"}); err != nil {
		e.Log.Warn("pipeline: identity-mode comment failed, falling back to plain comment", zap.Error(err))
		if _, err2 := e.Tracker.CreateComment(ctx, issueID, "**[dispatcher]** "+body, nil); err2 != nil {
			e.Log.Warn("pipeline: fallback comment also failed", zap.Error(err2))
		}
	}
}

func (e *Engine) transitionIssueToTriage(ctx context.Context, issueID string, issue *tracker.IssueDetails) {
	e.transitionIssueToStateType(ctx, issueID, issue, "triage")
}

// transitionIssueToReview implements spec.md's "transition issue to the
// team's 'In Review' state, or fall back to any started state named like
// 'Review'": among states of type "started", a name containing "review"
// is preferred over whichever started state the tracker API lists first.
func (e *Engine) transitionIssueToReview(ctx context.Context, issueID string) {
	e.transitionIssueToStateType(ctx, issueID, nil, "started", "review")
}

func (e *Engine) transitionIssueToCompleted(ctx context.Context, issueID string) {
	e.transitionIssueToStateType(ctx, issueID, nil, "completed")
}

func (e *Engine) transitionIssueToStateType(ctx context.Context, issueID string, issue *tracker.IssueDetails, stateType string, preferNameContains ...string) {
	var teamID string
	if issue != nil {
		teamID = issue.Team.ID
	} else if fetched, err := e.Tracker.GetIssueDetails(ctx, issueID); err == nil {
		teamID = fetched.Team.ID
	}
	if teamID == "" {
		return
	}
	states, err := e.Tracker.GetTeamStates(ctx, teamID)
	if err != nil {
		e.Log.Warn("pipeline: failed to fetch team states for tracker transition", zap.Error(err))
		return
	}

	var fallback *tracker.State
	for i, st := range states {
		if st.Type != stateType {
			continue
		}
		if fallback == nil {
			fallback = &states[i]
		}
		for _, want := range preferNameContains {
			if strings.Contains(strings.ToLower(st.Name), want) {
				e.setIssueState(ctx, issueID, st)
				return
			}
		}
	}
	if fallback != nil {
		e.setIssueState(ctx, issueID, *fallback)
	}
}

func (e *Engine) setIssueState(ctx context.Context, issueID string, st tracker.State) {
	if err := e.Tracker.UpdateIssue(ctx, issueID, tracker.UpdateFields{StateID: st.ID}); err != nil {
		e.Log.Warn("pipeline: failed to update tracker issue state", zap.Error(err))
	}
}

func successComment(v Verdict, prURL string) string {
	msg := "**Audit Passed**\n\nCriteria verified:\n"
	for _, c := range v.Criteria {
		msg += "- " + c + "\n"
	}
	if v.TestResults != "" {
		msg += "\nTest results: " + v.TestResults + "\n"
	}
	if prURL != "" {
		msg += "\nPull request: " + prURL
	} else {
		msg += "\nDone (no pull request — no commits were made)."
	}
	return msg
}

func escalationComment(v Verdict, attempt int) string {
	msg := fmt.Sprintf("**Needs Your Help**\n\nAfter %d attempt(s), the audit still did not pass. Remaining gaps:\n", attempt)
	for _, g := range v.Gaps {
		msg += "- " + g + "\n"
	}
	msg += "\nSuggested next steps:\n1. Narrow the scope and re-dispatch.\n2. Provide additional context as a comment.\n3. Pick this up manually."
	return msg
}

func reworkComment(v Verdict, attempt, remaining int) string {
	msg := fmt.Sprintf("**Needs More Work** (attempt %d, %d remaining)\n\nGaps:\n", attempt, remaining)
	for _, g := range v.Gaps {
		msg += "- " + g + "\n"
	}
	return msg
}

func summaryBody(v Verdict) string {
	msg := "Automated change. Audit criteria:\n"
	for _, c := range v.Criteria {
		msg += "- " + c + "\n"
	}
	return msg
}
