package statestore

// TransitionResultKind replaces exception-driven TransitionError control
// flow (Design Notes: "Exception-driven control flow via TransitionError")
// with a tagged sum type the caller switches on.
type TransitionResultKind int

const (
	TransitionOK TransitionResultKind = iota
	TransitionStale
	TransitionMissing
	TransitionInvalid
)

func (k TransitionResultKind) String() string {
	switch k {
	case TransitionOK:
		return "ok"
	case TransitionStale:
		return "stale"
	case TransitionMissing:
		return "missing"
	case TransitionInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// TransitionResult is the outcome of a CAS transition attempt.
type TransitionResult struct {
	Kind     TransitionResultKind
	Dispatch *Dispatch // populated only when Kind == TransitionOK
}

// Update carries the optional field updates applied in the same write as a
// CAS transition (attempt, stuckReason, session keys, ...).
type Update struct {
	Attempt          *int
	StuckReason      *string
	WorkerSessionKey *string
	AuditSessionKey  *string
}

func (u Update) apply(d *Dispatch) {
	if u.Attempt != nil {
		d.Attempt = *u.Attempt
	}
	if u.StuckReason != nil {
		d.StuckReason = *u.StuckReason
	}
	if u.WorkerSessionKey != nil {
		d.WorkerSessionKey = *u.WorkerSessionKey
	}
	if u.AuditSessionKey != nil {
		d.AuditSessionKey = *u.AuditSessionKey
	}
}

// transitionLocked performs the CAS check and update against an in-memory
// state. It does not persist; callers hold the file lock and write after.
func transitionLocked(st *State, identifier string, from, to Status, upd Update) TransitionResult {
	d, ok := st.Active[identifier]
	if !ok {
		return TransitionResult{Kind: TransitionMissing}
	}
	if d.Status != from {
		return TransitionResult{Kind: TransitionStale}
	}
	if !allowedTransitions[from][to] {
		return TransitionResult{Kind: TransitionInvalid}
	}

	d.Status = to
	upd.apply(d)

	cp := *d
	return TransitionResult{Kind: TransitionOK, Dispatch: &cp}
}
