// Package statestore implements the versioned, file-backed dispatch state
// described in the orchestrator's data model: active and completed
// dispatches, the session-key map, and the processed-events idempotency
// set, all persisted as one JSON document per state file and mutated only
// through compare-and-swap transitions.
package statestore

import "time"

// Status is a Dispatch's place in the worker/audit state machine.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusWorking    Status = "working"
	StatusAuditing   Status = "auditing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"
)

// Tier is the complexity class assigned at dispatch time.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Phase identifies which half of the worker/audit pipeline a session
// belongs to.
type Phase string

const (
	PhaseWorker Phase = "worker"
	PhaseAudit  Phase = "audit"
)

// Dispatch is one tracked change attempt on one issue (the spec's
// ActiveDispatch). IssueIdentifier is the human-facing primary key
// ("ENG-472"); IssueID is the tracker's opaque id.
type Dispatch struct {
	IssueIdentifier  string     `json:"issueIdentifier"`
	IssueID          string     `json:"issueId"`
	WorktreePath     string     `json:"worktreePath"`
	Worktrees        []string   `json:"worktrees,omitempty"`
	Branch           string     `json:"branch"`
	Tier             Tier       `json:"tier"`
	Model            string     `json:"model"`
	Status           Status     `json:"status"`
	DispatchedAt     time.Time  `json:"dispatchedAt"`
	Attempt          int        `json:"attempt"`
	WorkerSessionKey string     `json:"workerSessionKey,omitempty"`
	AuditSessionKey  string     `json:"auditSessionKey,omitempty"`
	StuckReason      string     `json:"stuckReason,omitempty"`
	Project          string     `json:"project,omitempty"`
}

// CompletedDispatch is the post-terminal record retained after a Dispatch
// reaches done or failed.
type CompletedDispatch struct {
	IssueIdentifier string    `json:"issueIdentifier"`
	Tier            Tier      `json:"tier"`
	Status          Status    `json:"status"` // done or failed
	CompletedAt     time.Time `json:"completedAt"`
	PRUrl           string    `json:"prUrl,omitempty"`
	Project         string    `json:"project,omitempty"`
	TotalAttempts   int       `json:"totalAttempts"`
}

// SessionMapping correlates an opaque sub-agent session key with the
// dispatch and pipeline phase that spawned it.
type SessionMapping struct {
	DispatchID string `json:"dispatchId"`
	Phase      Phase  `json:"phase"`
	Attempt    int    `json:"attempt"`
}

// State is the single on-disk JSON document for one state file.
type State struct {
	Version         int                       `json:"version"`
	Active          map[string]*Dispatch      `json:"active"`
	Completed       map[string]*CompletedDispatch `json:"completed"`
	SessionMap      map[string]*SessionMapping     `json:"sessionMap"`
	ProcessedEvents []string                       `json:"processedEvents"`
}

// newEmptyState returns a State at the current schema version with all
// maps initialized, the shape read() must yield for a missing or
// unrecoverable file.
func newEmptyState() *State {
	return &State{
		Version:         currentSchemaVersion,
		Active:          make(map[string]*Dispatch),
		Completed:       make(map[string]*CompletedDispatch),
		SessionMap:      make(map[string]*SessionMapping),
		ProcessedEvents: make([]string, 0),
	}
}

// maxProcessedEvents bounds the FIFO idempotency set (spec: N≈200).
const maxProcessedEvents = 200

// allowedTransitions is the CAS transition table from the state machine
// summary: dispatched -> {working, failed, stuck}; working -> {auditing,
// failed, stuck}; auditing -> {done, working, stuck}.
var allowedTransitions = map[Status]map[Status]bool{
	StatusDispatched: {StatusWorking: true, StatusFailed: true, StatusStuck: true},
	StatusWorking:     {StatusAuditing: true, StatusFailed: true, StatusStuck: true},
	StatusAuditing:    {StatusDone: true, StatusWorking: true, StatusStuck: true},
}

// IsTerminal reports whether s has no outbound transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusStuck
}
