// Package analytics is a fire-and-forget side channel for operational
// events such as quote failures and rebalance outcomes. Tracking never blocks
// the caller and never fails it.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event names.
const (
	EventStrategyQuoteError = "liquidity_manager.strategy_quote_error"
	EventQuoteRouteError    = "liquidity_manager.quote_route_error"
	EventFallbackRouteError = "liquidity_manager.fallback_route_error"
	EventRebalanceStored    = "liquidity_manager.rebalance_stored"
	EventRebalanceFailed    = "liquidity_manager.rebalance_failed"
	EventRebalanceCompleted = "liquidity_manager.rebalance_completed"
)

// Event is one tracked occurrence.
type Event struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Error      string         `json:"error,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewEvent stamps an event with the current time. A nil err is allowed.
func NewEvent(name string, err error, props map[string]any) Event {
	e := Event{Name: name, Time: time.Now().UTC(), Properties: props}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink receives events.
type Sink interface {
	Track(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Track(Event) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Track(e Event) {
	for _, s := range f {
		if s != nil {
			s.Track(e)
		}
	}
}

// Backend is a blocking event writer wrapped by Async.
type Backend interface {
	Write(ctx context.Context, e Event) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, e Event) error

func (f BackendFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Async buffers events in a channel drained by a single goroutine. Events
// are dropped when the buffer is full.
type Async struct {
	backend Backend
	events  chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	dropped int
	done    chan struct{}
}

// NewAsync creates an Async sink. Call Run to start draining.
func NewAsync(backend Backend, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Async{
		backend: backend,
		events:  make(chan Event, buffer),
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "analytics")),
		done:    make(chan struct{}),
	}
}

func (a *Async) Track(e Event) {
	select {
	case a.events <- e:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run drains events until ctx is cancelled, then flushes what is buffered.
func (a *Async) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case e := <-a.events:
			a.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-a.events:
					a.write(e)
				default:
					return nil
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.backend.Write(ctx, e); err != nil {
		a.logger.Warn("analytics write failed",
			slog.String("event", e.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Log writes events to a logger at debug level. It is the default backend
// when no stream or archive is configured.
func Log(logger *slog.Logger) Backend {
	return BackendFunc(func(_ context.Context, e Event) error {
		raw, err := json.Marshal(e.Properties)
		if err != nil {
			return err
		}
		logger.Debug("analytics event",
			slog.String("event", e.Name),
			slog.String("error", e.Error),
			slog.String("properties", string(raw)),
		)
		return nil
	})
}
