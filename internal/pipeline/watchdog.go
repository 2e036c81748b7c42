package pipeline

import (
	"context"
	"time"

	"github.com/clawhq/dispatcher/internal/agentrunner"
)

// WatchdogConfig bounds one sub-agent run. Inactivity is enforced inside
// the agentrunner backend itself (it has visibility into the child
// process's output stream); the wall-clock bound is enforced here, since
// it spans the backend's own internal retry.
type WatchdogConfig struct {
	MaxTotal time.Duration
}

// RunWatched invokes runner.Run under a wall-clock deadline. If the
// deadline fires before the runner returns, the result is reported as
// watchdog-killed even if the runner's own inactivity retry was still in
// flight — the pipeline must not wait past MaxTotal regardless of the
// runner's internal retry budget.
func RunWatched(ctx context.Context, runner agentrunner.Runner, req agentrunner.RunRequest, cfg WatchdogConfig) (agentrunner.RunResult, error) {
	watchCtx := ctx
	var cancel context.CancelFunc
	if cfg.MaxTotal > 0 {
		watchCtx, cancel = context.WithTimeout(ctx, cfg.MaxTotal)
		defer cancel()
	}

	type outcome struct {
		result agentrunner.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := runner.Run(watchCtx, req)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-watchCtx.Done():
		// Drain asynchronously so the runner's goroutine (which is also
		// watching watchCtx and will kill its child process) doesn't leak.
		go func() { <-done }()
		return agentrunner.RunResult{WatchdogKilled: true}, nil
	}
}
