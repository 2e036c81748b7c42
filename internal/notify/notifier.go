// Package notify fans lifecycle events out to zero or more configured
// targets (Slack, generic webhook, or the structured log), isolating a
// failure in one target from the rest.
package notify

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/clawhq/dispatcher/internal/config"
)

// Kind is the lifecycle event a notification represents.
type Kind string

const (
	KindDispatch        Kind = "dispatch"
	KindWorking         Kind = "working"
	KindAuditing        Kind = "auditing"
	KindAuditPass       Kind = "audit_pass"
	KindAuditFail       Kind = "audit_fail"
	KindEscalation      Kind = "escalation"
	KindStuck           Kind = "stuck"
	KindWatchdogKill    Kind = "watchdog_kill"
	KindProjectProgress Kind = "project_progress"
	KindTest            Kind = "test"
)

// Payload carries the data a per-kind template renders from. Attempt is
// 0-based in code; templates render it 1-based for humans.
type Payload struct {
	Identifier string
	Title      string
	Status     string
	Attempt    *int
	Verdict    *VerdictSummary
	Reason     string
}

// VerdictSummary is the subset of an audit verdict worth rendering.
type VerdictSummary struct {
	Pass        bool
	Criteria    []string
	Gaps        []string
	TestResults string
}

// Channel is one concrete delivery mechanism. Implementations must not
// panic; Send errors are logged by the Notifier, never retried.
type Channel interface {
	Send(ctx context.Context, target config.NotificationTarget, plain string, rich RichMessage) error
}

// RichMessage is the optional per-channel enriched form produced when
// richFormat is enabled.
type RichMessage struct {
	SlackBlocks []byte // pre-rendered Slack block-kit JSON, or nil
	HTML        string // HTML body for webhook targets, or ""
	Color       string // severity color hint, e.g. "#2eb67d", "#e01e5a"
}

// Notifier fans a notification out to every configured target whose
// channel kind is enabled, in parallel, isolating per-target failures.
type Notifier struct {
	cfg      config.NotificationConfig
	channels map[string]Channel
	log      *zap.Logger
}

// New returns a Notifier. channels maps a channel name ("slack", "webhook",
// "log") to its Channel implementation; an unconfigured name surfaces a
// distinct error at Notify time rather than being silently dropped.
func New(cfg config.NotificationConfig, channels map[string]Channel, log *zap.Logger) *Notifier {
	return &Notifier{cfg: cfg, channels: channels, log: log}
}

// NoOp returns a Notifier with zero targets, the "no targets configured"
// case the spec calls out explicitly.
func NoOp(log *zap.Logger) *Notifier {
	return New(config.NotificationConfig{}, map[string]Channel{}, log)
}

// ErrUnknownChannel is returned (logged, not propagated to the caller's
// caller) when a configured target names a channel with no registered
// implementation — the tagged-variant replacement for dynamic dispatch by
// string key.
type ErrUnknownChannel struct{ Channel string }

func (e ErrUnknownChannel) Error() string { return "notify: unknown channel " + e.Channel }

// Notify formats kind/payload and fans it out to every target whose
// channel's event is enabled. It returns nothing to the pipeline —
// per-target failures are logged, never propagated, matching the "a
// failure in one target must not propagate to the others" requirement.
func (n *Notifier) Notify(ctx context.Context, kind Kind, payload Payload) {
	if !n.cfg.Enabled(string(kind)) {
		return
	}
	if len(n.cfg.Targets) == 0 {
		return
	}

	plain := renderPlain(kind, payload)
	rich := RichMessage{}
	if n.cfg.RichFormat {
		rich = renderRich(kind, payload)
	}

	p := pool.New().WithMaxGoroutines(8)
	for _, target := range n.cfg.Targets {
		target := target
		p.Go(func() {
			ch, ok := n.channels[target.Channel]
			if !ok {
				n.log.Warn("notify: dropping target with unknown channel",
					zap.String("channel", target.Channel),
					zap.Error(ErrUnknownChannel{Channel: target.Channel}))
				return
			}
			if err := ch.Send(ctx, target, plain, rich); err != nil {
				n.log.Warn("notify: delivery failed",
					zap.String("channel", target.Channel),
					zap.String("kind", string(kind)),
					zap.String("reason", sanitize(err.Error())))
			}
		})
	}
	p.Wait()
}
