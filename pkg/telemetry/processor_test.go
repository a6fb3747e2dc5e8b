package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyfleet/pkg/events"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []Sample
}

func (r *sampleRecorder) Insert(ctx context.Context, s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) Latest(ctx context.Context, droneID string) (Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.samples) - 1; i >= 0; i-- {
		if r.samples[i].DroneID == droneID {
			return r.samples[i], nil
		}
	}
	return Sample{}, ErrNoSample
}

func (r *sampleRecorder) all() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

type cacheStub struct {
	mu     sync.Mutex
	latest map[string]Sample
}

func newCacheStub() *cacheStub { return &cacheStub{latest: make(map[string]Sample)} }

func (c *cacheStub) SetLatest(ctx context.Context, s Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[s.DroneID] = s
	return nil
}

func (c *cacheStub) GetLatest(ctx context.Context, droneID string) (Sample, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.latest[droneID]
	return s, ok, nil
}

type busRecorder struct {
	mu    sync.Mutex
	specs []events.Spec
}

func (b *busRecorder) Publish(ctx context.Context, spec events.Spec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs = append(b.specs, spec)
}

func (b *busRecorder) published() []events.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Spec(nil), b.specs...)
}

type broadcastRecorder struct {
	mu     sync.Mutex
	pushes []string
}

func (r *broadcastRecorder) PushTelemetry(droneID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, droneID)
}

func TestIngestRejectsInvalidSample(t *testing.T) {
	store := &sampleRecorder{}
	p := NewProcessor(ProcessorConfig{Store: store})
	defer p.Close()

	s := healthySample()
	s.BatteryLevel = 120
	err := p.Ingest(context.Background(), s)
	assert.ErrorIs(t, err, ErrInvalidSample)

	s = healthySample()
	s.DroneID = ""
	assert.ErrorIs(t, p.Ingest(context.Background(), s), ErrInvalidSample)

	p.Close()
	assert.Empty(t, store.all())
}

func TestPipelinePersistsCachesAndBroadcasts(t *testing.T) {
	store := &sampleRecorder{}
	cache := newCacheStub()
	bus := &busRecorder{}
	bcast := &broadcastRecorder{}
	p := NewProcessor(ProcessorConfig{Store: store, Cache: cache, Bus: bus, Realtime: bcast})

	s := healthySample()
	require.NoError(t, p.Ingest(context.Background(), s))
	p.Close()

	require.Len(t, store.all(), 1)
	assert.False(t, store.all()[0].Timestamp.IsZero())
	_, ok, err := cache.GetLatest(context.Background(), "drone-7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"drone-7"}, bcast.pushes)
	// A healthy sample raises no alerts.
	assert.Empty(t, bus.published())
}

func TestPipelinePublishesAnomalyAlerts(t *testing.T) {
	bus := &busRecorder{}
	p := NewProcessor(ProcessorConfig{Bus: bus})

	s := healthySample()
	s.BatteryLevel = 12
	s.SignalStrength = f64(-95)
	require.NoError(t, p.Ingest(context.Background(), s))
	p.Close()

	specs := bus.published()
	require.Len(t, specs, 2)

	battery := specs[0]
	assert.Equal(t, events.TypeBatteryLow, battery.Type)
	assert.Equal(t, events.SeverityCritical, battery.Severity)
	assert.Equal(t, "telemetry", battery.Source)
	assert.Equal(t, string(AlertBatteryCritical), battery.Data["alert"])
	assert.NotEmpty(t, battery.Data["message"])
	assert.Equal(t, map[string]any{"latitude": s.Latitude, "longitude": s.Longitude}, battery.Data["location"])

	assert.Equal(t, events.TypeSignalWeak, specs[1].Type)
}

func TestPerDroneOrdering(t *testing.T) {
	store := &sampleRecorder{}
	p := NewProcessor(ProcessorConfig{Store: store, Shards: 4, Buffer: 256})

	const n = 100
	for i := 0; i < n; i++ {
		s := healthySample()
		s.Heading = float64(i)
		require.NoError(t, p.Ingest(context.Background(), s))
	}
	p.Close()

	got := store.all()
	require.Len(t, got, n)
	for i, s := range got {
		assert.Equal(t, float64(i), s.Heading, "sample %d out of order", i)
	}
}

func TestLatestPrefersCache(t *testing.T) {
	store := &sampleRecorder{}
	cache := newCacheStub()
	p := NewProcessor(ProcessorConfig{Store: store, Cache: cache})
	defer p.Close()
	ctx := context.Background()

	fromStore := healthySample()
	fromStore.BatteryLevel = 50
	require.NoError(t, store.Insert(ctx, fromStore))

	// Cache miss falls back to the store.
	got, err := p.Latest(ctx, "drone-7")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.BatteryLevel)

	cached := healthySample()
	cached.BatteryLevel = 42
	require.NoError(t, cache.SetLatest(ctx, cached))
	got, err = p.Latest(ctx, "drone-7")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.BatteryLevel)

	_, err = p.Latest(ctx, "drone-unknown")
	assert.ErrorIs(t, err, ErrNoSample)
}

func TestIngestAfterClose(t *testing.T) {
	p := NewProcessor(ProcessorConfig{})
	p.Close()
	p.Close()

	err := p.Ingest(context.Background(), healthySample())
	assert.Error(t, err)
}
