// Package notify publishes run progress events over NATS.
//
// Events are published to:
//
//	{prefix}.runs.{run_id}.{event}
//
// where event is one of submitted, stage or finished. The payload is the
// JSON encoded Event.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "deploy"

// Event types.
const (
	EventSubmitted = "submitted"
	EventStage     = "stage"
	EventFinished  = "finished"
)

// Event is a run state change.
type Event struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the run's stream.
func (e Event) Terminal() bool {
	return e.Type == EventFinished
}

// Publisher sends run events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATS publishes run events to a NATS connection.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

var _ Publisher = (*NATS)(nil)

// NewNATS returns a publisher on nc.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATS{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger.Named("notify")}, nil
}

// Subject returns the subject of an event type for a run.
func Subject(prefix, runID, eventType string) string {
	return fmt.Sprintf("%s.runs.%s.%s", prefix, runID, eventType)
}

func (p *NATS) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, e.RunID, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	p.logger.Debug(ctx, "published run event", zap.String("subject", subject))
	return nil
}

// Watcher receives the events of one run.
type Watcher struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

// Subscribe starts receiving the events of runID. The subscription is
// registered with the server when Subscribe returns.
func Subscribe(nc *nats.Conn, prefix, runID string) (*Watcher, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	msgs := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(Subject(prefix, runID, "*"), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}
	return &Watcher{sub: sub, msgs: msgs}, nil
}

// Run calls fn for every event until a terminal event arrives, fn returns
// false, or ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func(Event) bool) error {
	for {
		select {
		case msg := <-w.msgs:
			var e Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				continue
			}
			if !fn(e) || e.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next waits up to timeout for the next event. ok is false when the timeout
// passed without one.
func (w *Watcher) Next(ctx context.Context, timeout time.Duration) (e Event, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-w.msgs:
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				continue
			}
			return e, true, nil
		case <-timer.C:
			return Event{}, false, nil
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

func (w *Watcher) Close() error {
	return w.sub.Unsubscribe()
}

// Watch subscribes to runID and runs fn over its events.
func Watch(ctx context.Context, nc *nats.Conn, prefix, runID string, fn func(Event) bool) error {
	w, err := Subscribe(nc, prefix, runID)
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()
	return w.Run(ctx, fn)
}
