package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/lockmgr"
)

// lockTimeout bounds how long a mutator waits for the file lock before
// surfacing a retryable error, per the lock manager's "bounded wait".
const lockTimeout = 10 * time.Second

// Store is a versioned, file-backed dispatch state store with atomic CAS
// transitions. One Store owns one JSON document on disk; callers needing
// several independent state files (dispatch state vs. planning state)
// construct one Store per path.
type Store struct {
	path string
	locks *lockmgr.Manager
	log   *zap.Logger
}

// New returns a Store backed by the document at path. locks is shared
// across Stores that must serialize against the same lock manager
// (typically one per process).
func New(path string, locks *lockmgr.Manager, log *zap.Logger) *Store {
	return &Store{path: path, locks: locks, log: log}
}

// read loads and migrates the document at s.path. A missing file yields an
// empty state. A corrupt document is quarantined (renamed with a
// ".corrupted.<ts>" suffix) and an empty state is returned instead of an
// error — this is logged, not propagated.
func (s *Store) read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newEmptyState(), nil
		}
		return nil, fmt.Errorf("statestore: reading %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.quarantine(err)
		return newEmptyState(), nil
	}
	if st.Version < 0 || st.Version > currentSchemaVersion {
		s.quarantine(fmt.Errorf("statestore: unknown schema version %d", st.Version))
		return newEmptyState(), nil
	}

	return migrate(&st), nil
}

func (s *Store) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, dest); err != nil && !os.IsNotExist(err) {
		s.log.Warn("statestore: failed to quarantine corrupt state file",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.log.Warn("statestore: quarantined corrupt state file",
		zap.String("path", s.path), zap.String("quarantined_to", dest), zap.Error(cause))
}

// write persists st to s.path via tmp+rename.
func (s *Store) write(st *State) error {
	if len(st.ProcessedEvents) > maxProcessedEvents {
		st.ProcessedEvents = st.ProcessedEvents[len(st.ProcessedEvents)-maxProcessedEvents:]
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("statestore: creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encoding state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: writing tmp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("statestore: renaming tmp state file: %w", err)
	}
	return nil
}

// withState acquires the file lock, loads state, lets fn mutate it, and
// persists the result — unless fn returns persist=false, used by read-only
// queries that still want migration-on-read applied consistently.
func (s *Store) withState(ctx context.Context, fn func(*State) (persist bool, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("statestore: acquiring lock: %w", err)
	}
	defer unlock()

	st, err := s.read()
	if err != nil {
		return err
	}

	persist, err := fn(st)
	if err != nil {
		return err
	}
	if !persist {
		return nil
	}
	return s.write(st)
}

// Transition performs an atomic CAS transition on the dispatch identified
// by identifier.
func (s *Store) Transition(ctx context.Context, identifier string, from, to Status, upd Update) (TransitionResult, error) {
	var result TransitionResult
	err := s.withState(ctx, func(st *State) (bool, error) {
		result = transitionLocked(st, identifier, from, to, upd)
		return result.Kind == TransitionOK, nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if result.Kind == TransitionStale {
		s.log.Info("statestore: stale transition, another handler already advanced state",
			zap.String("issueIdentifier", identifier), zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return result, nil
}

// UpdateFields applies a field-only update (e.g. recording a freshly
// spawned session key) to an active dispatch without asserting a status
// transition. It is still serialized under the same file lock as
// Transition. Returns false, nil if the dispatch does not exist.
func (s *Store) UpdateFields(ctx context.Context, identifier string, upd Update) (bool, error) {
	var applied bool
	err := s.withState(ctx, func(st *State) (bool, error) {
		d, ok := st.Active[identifier]
		if !ok {
			return false, nil
		}
		upd.apply(d)
		applied = true
		return true, nil
	})
	return applied, err
}

// RegisterDispatch inserts a brand new active dispatch. It overwrites any
// existing entry for the same identifier.
func (s *Store) RegisterDispatch(ctx context.Context, d *Dispatch) error {
	return s.withState(ctx, func(st *State) (bool, error) {
		cp := *d
		st.Active[d.IssueIdentifier] = &cp
		return true, nil
	})
}

// CompleteDispatch moves an active dispatch to completed and purges every
// sessionMap entry whose dispatchId matches.
func (s *Store) CompleteDispatch(ctx context.Context, identifier string, record *CompletedDispatch) error {
	return s.withState(ctx, func(st *State) (bool, error) {
		delete(st.Active, identifier)
		cp := *record
		st.Completed[identifier] = &cp
		for key, mapping := range st.SessionMap {
			if mapping.DispatchID == identifier {
				delete(st.SessionMap, key)
			}
		}
		return true, nil
	})
}

// RemoveActiveDispatch deletes an active dispatch without recording a
// completion, for explicit admin removal or stale reclaim.
func (s *Store) RemoveActiveDispatch(ctx context.Context, identifier string) error {
	return s.withState(ctx, func(st *State) (bool, error) {
		if _, ok := st.Active[identifier]; !ok {
			return false, nil
		}
		delete(st.Active, identifier)
		return true, nil
	})
}

// RegisterSessionMapping records which dispatch/phase/attempt owns a
// newly spawned sub-agent session key.
func (s *Store) RegisterSessionMapping(ctx context.Context, sessionKey string, mapping *SessionMapping) error {
	return s.withState(ctx, func(st *State) (bool, error) {
		cp := *mapping
		st.SessionMap[sessionKey] = &cp
		return true, nil
	})
}

// RemoveSessionMapping deletes a single session map entry.
func (s *Store) RemoveSessionMapping(ctx context.Context, sessionKey string) error {
	return s.withState(ctx, func(st *State) (bool, error) {
		if _, ok := st.SessionMap[sessionKey]; !ok {
			return false, nil
		}
		delete(st.SessionMap, sessionKey)
		return true, nil
	})
}

// MarkEventProcessed records key in the FIFO idempotency set. It returns
// true if key was new (and is now persisted), false if it was already
// present (duplicate — no write needed).
func (s *Store) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	var isNew bool
	err := s.withState(ctx, func(st *State) (bool, error) {
		for _, existing := range st.ProcessedEvents {
			if existing == key {
				isNew = false
				return false, nil
			}
		}
		st.ProcessedEvents = append(st.ProcessedEvents, key)
		isNew = true
		return true, nil
	})
	return isNew, err
}

// PruneCompleted drops completed entries older than maxAge and reports how
// many were removed.
func (s *Store) PruneCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	var removed int
	err := s.withState(ctx, func(st *State) (bool, error) {
		cutoff := time.Now().Add(-maxAge)
		for id, rec := range st.Completed {
			if rec.CompletedAt.Before(cutoff) {
				delete(st.Completed, id)
				removed++
			}
		}
		return removed > 0, nil
	})
	return removed, err
}

// ListActiveDispatches returns all active dispatches, sorted by identifier
// for deterministic iteration.
func (s *Store) ListActiveDispatches(ctx context.Context) ([]*Dispatch, error) {
	var out []*Dispatch
	err := s.withState(ctx, func(st *State) (bool, error) {
		out = make([]*Dispatch, 0, len(st.Active))
		for _, d := range st.Active {
			cp := *d
			out = append(out, &cp)
		}
		return false, nil
	})
	sortDispatches(out)
	return out, err
}

// ListStaleDispatches returns active, non-terminal dispatches whose
// DispatchedAt is older than maxAge — candidates for janitor reclaim.
func (s *Store) ListStaleDispatches(ctx context.Context, maxAge time.Duration) ([]*Dispatch, error) {
	var out []*Dispatch
	cutoff := time.Now().Add(-maxAge)
	err := s.withState(ctx, func(st *State) (bool, error) {
		for _, d := range st.Active {
			if d.Status.IsTerminal() {
				continue
			}
			if d.DispatchedAt.Before(cutoff) {
				cp := *d
				out = append(out, &cp)
			}
		}
		return false, nil
	})
	sortDispatches(out)
	return out, err
}

// ListRecoverableDispatches returns dispatches in `working` with a worker
// session key but no audit session key — these had their worker complete
// without the audit being triggered, typically due to a process restart
// between spawnWorker's return and triggerAudit's invocation.
func (s *Store) ListRecoverableDispatches(ctx context.Context) ([]*Dispatch, error) {
	var out []*Dispatch
	err := s.withState(ctx, func(st *State) (bool, error) {
		for _, d := range st.Active {
			if d.Status == StatusWorking && d.WorkerSessionKey != "" && d.AuditSessionKey == "" {
				cp := *d
				out = append(out, &cp)
			}
		}
		return false, nil
	})
	sortDispatches(out)
	return out, err
}

// GetDispatch returns a copy of the active dispatch for identifier, or nil
// if it does not exist.
func (s *Store) GetDispatch(ctx context.Context, identifier string) (*Dispatch, error) {
	var out *Dispatch
	err := s.withState(ctx, func(st *State) (bool, error) {
		if d, ok := st.Active[identifier]; ok {
			cp := *d
			out = &cp
		}
		return false, nil
	})
	return out, err
}

func sortDispatches(ds []*Dispatch) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].IssueIdentifier < ds[j].IssueIdentifier })
}
