package telemetry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"skyfleet/pkg/events"
	"skyfleet/pkg/metrics"
)

// Publisher is the slice of the event bus the processor needs.
type Publisher interface {
	Publish(ctx context.Context, spec events.Spec)
}

// SampleStore persists telemetry readings.
type SampleStore interface {
	Insert(ctx context.Context, s Sample) error
	Latest(ctx context.Context, droneID string) (Sample, error)
}

// LatestCache holds the most recent sample per drone for cheap reads.
type LatestCache interface {
	SetLatest(ctx context.Context, s Sample) error
	GetLatest(ctx context.Context, droneID string) (Sample, bool, error)
}

// Broadcaster pushes raw telemetry to realtime subscribers.
type Broadcaster interface {
	PushTelemetry(droneID string, payload any)
}

// ErrNoSample is returned when no telemetry exists for a drone.
var ErrNoSample = errors.New("telemetry: no sample for drone")

// Processor runs the per-sample pipeline: validate, persist, cache,
// detect anomalies, publish alerts, broadcast. Samples are sharded by
// drone id onto single-consumer workers, so readings from one drone are
// always processed in arrival order while different drones proceed
// concurrently.
type Processor struct {
	detector *Detector
	bus      Publisher
	store    SampleStore
	cache    LatestCache
	realtime Broadcaster
	log      *slog.Logger

	shards []chan Sample
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed; held shared across enqueue so Close never races a send
	closed bool
}

// ProcessorConfig wires a Processor. Store, Cache, and Realtime are
// optional; a nil field skips that stage.
type ProcessorConfig struct {
	Detector *Detector
	Bus      Publisher
	Store    SampleStore
	Cache    LatestCache
	Realtime Broadcaster
	Logger   *slog.Logger
	Shards   int
	Buffer   int
}

// NewProcessor starts the shard workers.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Detector == nil {
		cfg.Detector = NewDetector(DefaultThresholds())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	p := &Processor{
		detector: cfg.Detector,
		bus:      cfg.Bus,
		store:    cfg.Store,
		cache:    cfg.Cache,
		realtime: cfg.Realtime,
		log:      cfg.Logger.With("component", "telemetry"),
		shards:   make([]chan Sample, cfg.Shards),
	}
	for i := range p.shards {
		ch := make(chan Sample, cfg.Buffer)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.worker(ch)
	}
	return p
}

// Ingest validates and enqueues one sample. Validation failures are
// returned to the caller; everything downstream degrades to log lines.
func (p *Processor) Ingest(ctx context.Context, s Sample) error {
	if err := s.Validate(); err != nil {
		metrics.TelemetrySamples.WithLabelValues("rejected").Inc()
		return err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("telemetry: processor closed")
	}
	ch := p.shards[shardFor(s.DroneID, len(p.shards))]

	select {
	case ch <- s:
		return nil
	case <-ctx.Done():
		metrics.TelemetrySamples.WithLabelValues("rejected").Inc()
		return fmt.Errorf("telemetry: enqueue: %w", ctx.Err())
	}
}

func shardFor(droneID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(droneID))
	return int(h.Sum32()) % n
}

func (p *Processor) worker(ch <-chan Sample) {
	defer p.wg.Done()
	for s := range ch {
		p.process(s)
	}
}

func (p *Processor) process(s Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.store != nil {
		if err := p.store.Insert(ctx, s); err != nil {
			p.log.Error("telemetry insert failed", "drone_id", s.DroneID, "error", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.SetLatest(ctx, s); err != nil {
			p.log.Error("telemetry cache update failed", "drone_id", s.DroneID, "error", err)
		}
	}

	for _, draft := range p.detector.Evaluate(s) {
		metrics.AlertsRaised.WithLabelValues(string(draft.Kind)).Inc()
		p.log.Warn("anomaly detected", "drone_id", s.DroneID, "kind", draft.Kind, "severity", draft.Severity)
		if p.bus == nil {
			continue
		}
		data := make(map[string]any, len(draft.Data)+3)
		for k, v := range draft.Data {
			data[k] = v
		}
		data["alert"] = string(draft.Kind)
		data["message"] = draft.Message
		data["location"] = map[string]any{"latitude": s.Latitude, "longitude": s.Longitude}
		p.bus.Publish(ctx, events.Spec{
			Type:     draft.Type,
			Severity: draft.Severity,
			Source:   "telemetry",
			Data:     data,
		})
	}

	if p.realtime != nil {
		p.realtime.PushTelemetry(s.DroneID, map[string]any{
			"droneId":   s.DroneID,
			"data":      s,
			"timestamp": s.Timestamp,
		})
	}
	metrics.TelemetrySamples.WithLabelValues("processed").Inc()
}

// Latest returns the most recent sample for a drone, consulting the
// cache before the store.
func (p *Processor) Latest(ctx context.Context, droneID string) (Sample, error) {
	if p.cache != nil {
		if s, ok, err := p.cache.GetLatest(ctx, droneID); err == nil && ok {
			return s, nil
		} else if err != nil {
			p.log.Warn("telemetry cache read failed", "drone_id", droneID, "error", err)
		}
	}
	if p.store != nil {
		return p.store.Latest(ctx, droneID)
	}
	return Sample{}, ErrNoSample
}

// Close drains the shard queues and stops the workers. Safe to call once.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}
