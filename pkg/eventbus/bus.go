// Package eventbus validates, persists, and dispatches fleet events to
// registered handlers and delivery channels.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyfleet/pkg/events"
	"skyfleet/pkg/eventstore"
	"skyfleet/pkg/metrics"
)

// Handler is a per-type callback invoked synchronously on publish.
// Returned errors are logged and isolated; they never fail the publish.
type Handler func(ctx context.Context, ev events.Event) error

// Notification is the wire shape pushed to realtime subscribers.
type Notification struct {
	ID        string          `json:"id"`
	Type      events.Type     `json:"type"`
	Severity  events.Severity `json:"severity"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      map[string]any  `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RealtimeSink receives notifications destined for connected clients.
// Implemented by the fanout hub.
type RealtimeSink interface {
	PushAlert(n Notification)
	PushMissionUpdate(missionID string, n Notification)
	PushScheduleUpdate(n Notification)
}

// Notifier delivers events over external channels (email, sms, push).
// Failures are logged by the bus, never surfaced to publishers.
type Notifier interface {
	Send(ctx context.Context, ch events.Channel, ev events.Event, title, message string) error
}

type registration struct {
	id uint64
	fn Handler
}

// Bus is the process-wide event pipeline. Construct one at startup and
// inject it into producers; there is no package-level instance.
type Bus struct {
	store    eventstore.Store
	realtime RealtimeSink
	notifier Notifier
	log      *slog.Logger

	handlerTimeout time.Duration

	mu       sync.RWMutex
	handlers map[events.Type][]registration
	nextReg  uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithHandlerTimeout bounds each handler invocation. A handler that
// exceeds the budget is abandoned (logged) so it cannot stall later
// publishes. Default 5s.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// New constructs a Bus. realtime and notifier may be nil, in which case
// the corresponding channels are skipped with a log line.
func New(store eventstore.Store, realtime RealtimeSink, notifier Notifier, log *slog.Logger, opts ...Option) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		store:          store,
		realtime:       realtime,
		notifier:       notifier,
		log:            log.With("component", "eventbus"),
		handlerTimeout: 5 * time.Second,
		handlers:       make(map[events.Type][]registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler appends fn to the ordered handler list for t and
// returns a registration id usable with DeregisterHandler.
func (b *Bus) RegisterHandler(t events.Type, fn Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextReg++
	b.handlers[t] = append(b.handlers[t], registration{id: b.nextReg, fn: fn})
	return b.nextReg
}

// DeregisterHandler removes a previously registered handler. Removing an
// unknown id is a no-op.
func (b *Bus) DeregisterHandler(t events.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[t]
	for i, r := range regs {
		if r.id == id {
			b.handlers[t] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish runs the full pipeline for one event: validate, fill defaults,
// persist, dispatch handlers, deliver channels. It never returns an
// error to the caller; a malformed spec is dropped with a warning and
// internal failures degrade to log lines.
func (b *Bus) Publish(ctx context.Context, spec events.Spec) {
	if !spec.Type.Valid() {
		b.log.Warn("dropping event with unknown type", "type", string(spec.Type), "source", spec.Source)
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	ev := events.Event{
		ID:        "event_" + uuid.NewString(),
		Type:      spec.Type,
		Severity:  spec.Severity,
		Source:    spec.Source,
		Data:      spec.Data,
		Timestamp: spec.Timestamp,
		Channels:  spec.Channels,
	}
	if ev.Severity == "" {
		ev.Severity = events.SeverityInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if len(ev.Channels) == 0 {
		ev.Channels = []events.Channel{events.ChannelRealtime}
	}

	b.log.Info("publishing event", "event_id", ev.ID, "type", ev.Type, "severity", ev.Severity, "source", ev.Source)
	metrics.EventsPublished.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()

	// Persistence failure never fails the publish; the store handles
	// create-if-absent plus one retry internally.
	if b.store != nil {
		if err := b.store.Append(ctx, ev); err != nil {
			b.log.Error("event persistence failed", "event_id", ev.ID, "error", err)
			metrics.StoreFailures.Inc()
		}
	}

	b.dispatch(ctx, ev)
	b.deliver(ctx, ev)
}

// dispatch invokes registered handlers in registration order. Each call
// is time-bounded and isolated: a failing or panicking handler never
// stops the remaining handlers or channel delivery.
func (b *Bus) dispatch(ctx context.Context, ev events.Event) {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	for _, r := range regs {
		if err := b.invoke(ctx, r.fn, ev); err != nil {
			b.log.Error("event handler failed", "event_id", ev.ID, "type", ev.Type, "error", err)
			metrics.HandlerFailures.WithLabelValues(string(ev.Type)).Inc()
		}
	}
}

func (b *Bus) invoke(ctx context.Context, fn Handler, ev events.Event) error {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- fn(hctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		// The goroutine is abandoned; it holds no bus locks so the
		// pipeline keeps moving.
		return fmt.Errorf("handler timed out after %s", b.handlerTimeout)
	}
}

// deliver routes the event to each requested channel.
func (b *Bus) deliver(ctx context.Context, ev events.Event) {
	for _, ch := range ev.Channels {
		switch ch {
		case events.ChannelRealtime:
			b.deliverRealtime(ev)
		case events.ChannelEmail, events.ChannelSMS, events.ChannelPush:
			if b.notifier == nil {
				b.log.Debug("no notifier configured, skipping channel", "channel", ch)
				continue
			}
			if err := b.notifier.Send(ctx, ch, ev, ev.Title(), ev.Message()); err != nil {
				b.log.Error("channel delivery failed", "event_id", ev.ID, "channel", ch, "error", err)
			}
		default:
			b.log.Warn("unknown delivery channel", "event_id", ev.ID, "channel", ch)
		}
	}
}

func (b *Bus) deliverRealtime(ev events.Event) {
	if b.realtime == nil {
		return
	}
	n := Notification{
		ID:        ev.ID,
		Type:      ev.Type,
		Severity:  ev.Severity,
		Title:     ev.Title(),
		Message:   ev.Message(),
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
	switch ev.Type {
	case events.TypeMissionStatusChange:
		missionID, _ := ev.Data["missionId"].(string)
		b.realtime.PushMissionUpdate(missionID, n)
	case events.TypeScheduleUpdate:
		b.realtime.PushScheduleUpdate(n)
	default:
		b.realtime.PushAlert(n)
	}
}
