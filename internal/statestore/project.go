package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/lockmgr"
)

// ProjectStatus is a ProjectDispatch's overall progress state.
type ProjectStatus string

const (
	ProjectPlanning    ProjectStatus = "planning"
	ProjectDispatching ProjectStatus = "dispatching"
	ProjectDone        ProjectStatus = "done"
	ProjectStuck       ProjectStatus = "stuck"
)

// IssueDispatchStatus is one issue's progress within a ProjectDispatch.
type IssueDispatchStatus string

const (
	IssuePending    IssueDispatchStatus = "pending"
	IssueDispatched IssueDispatchStatus = "dispatched"
	IssueDone       IssueDispatchStatus = "done"
	IssueStuck      IssueDispatchStatus = "stuck"
)

// ProjectIssue is one node in a ProjectDispatch's dependency DAG.
type ProjectIssue struct {
	DependsOn      []string            `json:"dependsOn"`
	Unblocks       []string            `json:"unblocks"`
	DispatchStatus IssueDispatchStatus `json:"dispatchStatus"`
}

// ProjectDispatch represents a project-scoped plan spanning many issues,
// where completing one issue may unblock others.
type ProjectDispatch struct {
	ProjectID      string                   `json:"projectId"`
	ProjectName    string                   `json:"projectName"`
	RootIdentifier string                   `json:"rootIdentifier"`
	Status         ProjectStatus            `json:"status"`
	MaxConcurrent  int                      `json:"maxConcurrent"`
	Issues         map[string]*ProjectIssue `json:"issues"`
}

// projectState is the on-disk document for the sibling project-state file.
type projectState struct {
	Version  int                         `json:"version"`
	Projects map[string]*ProjectDispatch `json:"projects"`
}

// ProjectStore persists ProjectDispatch documents in a sibling file to the
// main dispatch state, per the spec's "Project dispatches ... live in
// sibling files or sub-objects".
type ProjectStore struct {
	path  string
	locks *lockmgr.Manager
	log   *zap.Logger
}

// NewProjectStore returns a ProjectStore backed by the document at path.
func NewProjectStore(path string, locks *lockmgr.Manager, log *zap.Logger) *ProjectStore {
	return &ProjectStore{path: path, locks: locks, log: log}
}

func (s *ProjectStore) read() (*projectState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &projectState{Version: currentSchemaVersion, Projects: make(map[string]*ProjectDispatch)}, nil
		}
		return nil, fmt.Errorf("statestore: reading %s: %w", s.path, err)
	}
	var st projectState
	if err := json.Unmarshal(data, &st); err != nil {
		dest := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().UnixNano())
		if renameErr := os.Rename(s.path, dest); renameErr != nil && !os.IsNotExist(renameErr) {
			s.log.Warn("statestore: failed to quarantine corrupt project state file", zap.Error(renameErr))
		} else {
			s.log.Warn("statestore: quarantined corrupt project state file", zap.String("quarantined_to", dest), zap.Error(err))
		}
		return &projectState{Version: currentSchemaVersion, Projects: make(map[string]*ProjectDispatch)}, nil
	}
	if st.Projects == nil {
		st.Projects = make(map[string]*ProjectDispatch)
	}
	return &st, nil
}

func (s *ProjectStore) write(st *projectState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("statestore: creating project state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encoding project state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: writing tmp project state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *ProjectStore) withState(ctx context.Context, fn func(*projectState) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	unlock, err := s.locks.Lock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("statestore: acquiring project lock: %w", err)
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

// Get returns a copy of the named project, or nil if it does not exist.
func (s *ProjectStore) Get(ctx context.Context, projectID string) (*ProjectDispatch, error) {
	var out *ProjectDispatch
	err := s.withState(ctx, func(st *projectState) (bool, error) {
		if p, ok := st.Projects[projectID]; ok {
			cp := *p
			out = &cp
		}
		return false, nil
	})
	return out, err
}

// Put inserts or replaces a project document.
func (s *ProjectStore) Put(ctx context.Context, p *ProjectDispatch) error {
	return s.withState(ctx, func(st *projectState) (bool, error) {
		cp := *p
		st.Projects[p.ProjectID] = &cp
		return true, nil
	})
}

// Mutate loads the named project, lets fn mutate it in place, and
// persists the result atomically under the project store's lock. It is
// the primitive the DAG controller uses for its read-modify-write cascade
// steps.
func (s *ProjectStore) Mutate(ctx context.Context, projectID string, fn func(*ProjectDispatch) error) (*ProjectDispatch, error) {
	var out *ProjectDispatch
	err := s.withState(ctx, func(st *projectState) (bool, error) {
		p, ok := st.Projects[projectID]
		if !ok {
			return false, fmt.Errorf("statestore: project %q not found", projectID)
		}
		if err := fn(p); err != nil {
			return false, err
		}
		cp := *p
		out = &cp
		return true, nil
	})
	return out, err
}
