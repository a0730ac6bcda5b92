// Package notify alerts operators about rebalances that need a human: failed
// deliveries, failed executions and funds stranded on a destination chain.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Events raised by the rebalancer.
const (
	EventRebalanceFailed = "rebalance_failed"
	EventStrandedFunds   = "stranded_funds"
)

// Sender delivers one message over one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every Sender. Events can be filtered,
// and delivery is throttled so a burst of failures in one cycle does not
// flood the channels.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
// perMinute bounds deliveries; zero disables throttling.
func NewNotifier(senders []Sender, events []string, perMinute int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	var limiter *rate.Limiter
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers to every sender when event passes the filter. Dropped and
// filtered notifications return nil.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.logger.WarnContext(ctx, "notification throttled",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failing sender does not stop the rest.
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
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
