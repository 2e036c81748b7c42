package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/config"
)

// LogChannel writes a notification through the structured logger. It is
// used only for targets whose channel is "log"; with no targets configured
// the Notifier sends nothing, through this channel or any other.
type LogChannel struct {
	log *zap.Logger
}

// NewLogChannel returns a LogChannel writing through log.
func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log}
}

// Send never fails; it logs at info and returns nil.
func (c *LogChannel) Send(ctx context.Context, target config.NotificationTarget, plain string, rich RichMessage) error {
	c.log.Info("notify: event", zap.String("target", target.Target), zap.String("message", plain))
	return nil
}
