// Package notify delivers operator alerts to Telegram and Discord. Alerts are
// filtered by event type and throttled per (event, title) so a condition that
// persists across poll cycles does not flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Alert event types.
const (
	EventInvariantViolation = "invariant_violation"
	EventPollerUnhealthy    = "poller_unhealthy"
	EventReconcileFailed    = "reconcile_failed"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event types; empty allows all
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. Only events listed in events are forwarded
// by Notify; an empty list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "notifier")),
		last:    make(map[string]time.Time),
	}
}

// WithCooldown suppresses repeats of the same (event, title) within d.
func (n *Notifier) WithCooldown(d time.Duration) *Notifier {
	n.cooldown = d
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert if its event type is allowed and it is not inside the
// cooldown window.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttled(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "alert throttled",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, "["+event+"] "+title, message)
}

func (n *Notifier) throttled(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}

// dispatch sends to every sender. One failing sender does not stop delivery
// to the rest; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), err)
	}
	return nil
}
