package agentrunner

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoBackend(msg string) Backend {
	return Backend{
		ID:              "echo",
		DisplayName:     "Echo",
		InactivityLimit: 2 * time.Second,
		Command: func(req RunRequest) *exec.Cmd {
			return exec.Command("echo", msg)
		},
	}
}

func TestProcessRunnerReturnsOutputOnSuccess(t *testing.T) {
	r := NewProcessRunner(echoBackend("implemented fix"))
	result, err := r.Run(context.Background(), RunRequest{AgentID: "echo", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "implemented fix")
	assert.False(t, result.WatchdogKilled)
}

func TestProcessRunnerWatchdogKillsSilentProcess(t *testing.T) {
	backend := Backend{
		ID:              "sleeper",
		InactivityLimit: 50 * time.Millisecond,
		Command: func(req RunRequest) *exec.Cmd {
			return exec.Command("sleep", "5")
		},
	}
	r := NewProcessRunner(backend)

	start := time.Now()
	result, err := r.Run(context.Background(), RunRequest{AgentID: "sleeper", SessionID: "sess-2"})
	require.NoError(t, err)
	assert.True(t, result.WatchdogKilled)
	// Retries once before surfacing the flag, so this should take roughly
	// 2x the inactivity limit, not 1x.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegistryResolvesKnownBackend(t *testing.T) {
	reg := NewRegistry(map[string]Backend{"echo": echoBackend("hi")})
	runner, ok := reg.Resolve("echo")
	assert.True(t, ok)
	assert.NotNil(t, runner)

	_, ok = reg.Resolve("nonexistent")
	assert.False(t, ok)
}
