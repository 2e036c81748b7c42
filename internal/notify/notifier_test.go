package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/config"
)

type recordingChannel struct {
	mu       sync.Mutex
	received []string
	err      error
}

func (c *recordingChannel) Send(ctx context.Context, target config.NotificationTarget, plain string, rich RichMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, target.Target)
	return c.err
}

func TestNotifyFanOutIsolatesPerTargetFailure(t *testing.T) {
	failing := &recordingChannel{err: errors.New("boom")}
	ok1 := &recordingChannel{}
	ok2 := &recordingChannel{}

	cfg := config.NotificationConfig{
		Targets: []config.NotificationTarget{
			{Channel: "failing", Target: "t1"},
			{Channel: "ok1", Target: "t2"},
			{Channel: "ok2", Target: "t3"},
		},
	}
	n := New(cfg, map[string]Channel{"failing": failing, "ok1": ok1, "ok2": ok2}, zap.NewNop())

	n.Notify(context.Background(), KindAuditPass, Payload{Identifier: "ENG-1", Title: "fix thing"})

	assert.Len(t, ok1.received, 1)
	assert.Len(t, ok2.received, 1)
	assert.Len(t, failing.received, 1) // attempted, even though it errored
}

func TestNotifySuppressedByConfig(t *testing.T) {
	ch := &recordingChannel{}
	cfg := config.NotificationConfig{
		Targets: []config.NotificationTarget{{Channel: "ch", Target: "t1"}},
		Events:  map[string]bool{string(KindAuditFail): false},
	}
	n := New(cfg, map[string]Channel{"ch": ch}, zap.NewNop())

	n.Notify(context.Background(), KindAuditFail, Payload{Identifier: "ENG-1"})

	assert.Empty(t, ch.received)
}

func TestNotifyUnknownChannelIsLoggedNotFatal(t *testing.T) {
	cfg := config.NotificationConfig{
		Targets: []config.NotificationTarget{{Channel: "does-not-exist", Target: "t1"}},
	}
	n := New(cfg, map[string]Channel{}, zap.NewNop())

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), KindTest, Payload{Identifier: "ENG-1"})
	})
}

func TestSanitizeStripsURLsAndTokens(t *testing.T) {
	in := "failed posting to https://hooks.slack.com/services/T000/B000/abcdefghijklmnopqrstuvwxyz with Bearer sk-ant-abcdefghijklmnop"
	out := sanitize(in)
	assert.NotContains(t, out, "https://")
	assert.NotContains(t, out, "sk-ant-abcdefghijklmnop")
}

func TestHumanAttemptIsOneBased(t *testing.T) {
	zero := 0
	assert.Equal(t, 1, humanAttempt(&zero))
	one := 1
	assert.Equal(t, 2, humanAttempt(&one))
	assert.Equal(t, 1, humanAttempt(nil))
}
