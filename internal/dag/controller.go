// Package dag implements project-scoped dispatch scheduling: a project is
// a dependency graph of issues, and completing or sticking one issue
// triggers a re-evaluation of which other issues can now proceed.
package dag

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/metrics"
	"github.com/clawhq/dispatcher/internal/notify"
	"github.com/clawhq/dispatcher/internal/statestore"
)

// DispatchStarter is the pipeline engine's contract as consumed by the
// controller, kept local to avoid an import cycle (pipeline depends on
// dag.ProjectCascader, dag depends on this).
type DispatchStarter interface {
	StartDispatch(ctx context.Context, projectID, issueIdentifier string) error
}

// Controller evaluates and drives a project's dependency DAG.
type Controller struct {
	Projects *statestore.ProjectStore
	Starter  DispatchStarter
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// OnProjectIssueCompleted implements 4.7: marks issueIdentifier done,
// dispatches every issue whose dependsOn set is now entirely done
// (respecting maxConcurrent), and marks the project done if every issue
// is done. Idempotent and tolerant of issues that no
// longer belong to an active project.
func (c *Controller) OnProjectIssueCompleted(ctx context.Context, projectID, issueIdentifier string) {
	if c.Metrics != nil {
		c.Metrics.DAGCascadesTotal.Inc()
	}

	var toDispatch []string
	proj, err := c.Projects.Mutate(ctx, projectID, func(p *statestore.ProjectDispatch) error {
		issue, ok := p.Issues[issueIdentifier]
		if !ok {
			return nil
		}
		issue.DispatchStatus = statestore.IssueDone

		dispatchedCount := countDispatched(p)
		for identifier, candidate := range p.Issues {
			if candidate.DispatchStatus != statestore.IssuePending {
				continue
			}
			if !dependenciesSatisfied(p, candidate) {
				continue
			}
			if p.MaxConcurrent > 0 && dispatchedCount >= p.MaxConcurrent {
				continue
			}
			candidate.DispatchStatus = statestore.IssueDispatched
			dispatchedCount++
			toDispatch = append(toDispatch, identifier)
		}

		if allTerminal(p) {
			p.Status = statestore.ProjectDone
		}
		return nil
	})
	if err != nil {
		c.Log.Info("dag: project not found or mutate failed, tolerating as no-op",
			zap.String("projectId", projectID), zap.Error(err))
		return
	}

	if len(toDispatch) > 0 {
		p := pool.New().WithMaxGoroutines(4)
		for _, identifier := range toDispatch {
			identifier := identifier
			p.Go(func() {
				dispatchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := c.Starter.StartDispatch(dispatchCtx, projectID, identifier); err != nil {
					c.Log.Warn("dag: failed to start cascaded dispatch", zap.String("issueIdentifier", identifier), zap.Error(err))
				}
			})
		}
		p.Wait()
	}

	c.Notifier.Notify(ctx, notify.KindProjectProgress, notify.Payload{
		Identifier: projectID,
		Status:     string(proj.Status),
	})
}

// OnProjectIssueStuck implements the stuck half of 4.7: marks the issue
// stuck, and marks the project stuck if any transitively-blocked issue
// can no longer progress.
func (c *Controller) OnProjectIssueStuck(ctx context.Context, projectID, issueIdentifier string) {
	proj, err := c.Projects.Mutate(ctx, projectID, func(p *statestore.ProjectDispatch) error {
		issue, ok := p.Issues[issueIdentifier]
		if !ok {
			return nil
		}
		issue.DispatchStatus = statestore.IssueStuck

		if anyBlockedIssueCannotProgress(p) {
			p.Status = statestore.ProjectStuck
		}
		return nil
	})
	if err != nil {
		c.Log.Info("dag: project not found or mutate failed on stuck cascade, tolerating as no-op",
			zap.String("projectId", projectID), zap.Error(err))
		return
	}

	if proj.Status == statestore.ProjectStuck {
		c.Notifier.Notify(ctx, notify.KindProjectProgress, notify.Payload{
			Identifier: projectID, Status: string(statestore.ProjectStuck),
		})
	}
}

func countDispatched(p *statestore.ProjectDispatch) int {
	n := 0
	for _, issue := range p.Issues {
		if issue.DispatchStatus == statestore.IssueDispatched {
			n++
		}
	}
	return n
}

func dependenciesSatisfied(p *statestore.ProjectDispatch, issue *statestore.ProjectIssue) bool {
	for _, dep := range issue.DependsOn {
		depIssue, ok := p.Issues[dep]
		if !ok || depIssue.DispatchStatus != statestore.IssueDone {
			return false
		}
	}
	return true
}

func allTerminal(p *statestore.ProjectDispatch) bool {
	for _, issue := range p.Issues {
		if issue.DispatchStatus != statestore.IssueDone {
			return false
		}
	}
	return true
}

// anyBlockedIssueCannotProgress reports whether some pending issue has a
// dependency that is stuck (and thus will never become done), meaning
// that branch of the DAG can never progress.
func anyBlockedIssueCannotProgress(p *statestore.ProjectDispatch) bool {
	stuck := make(map[string]bool)
	for id, issue := range p.Issues {
		if issue.DispatchStatus == statestore.IssueStuck {
			stuck[id] = true
		}
	}
	if len(stuck) == 0 {
		return false
	}

	changed := true
	for changed {
		changed = false
		for id, issue := range p.Issues {
			if stuck[id] || issue.DispatchStatus == statestore.IssueDone {
				continue
			}
			for _, dep := range issue.DependsOn {
				if stuck[dep] {
					stuck[id] = true
					changed = true
					break
				}
			}
		}
	}

	for id, issue := range p.Issues {
		if stuck[id] && issue.DispatchStatus != statestore.IssueStuck {
			return true
		}
	}
	return false
}
