package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/commands"
	"skyfleet/pkg/emergency"
	"skyfleet/pkg/eventbus"
	"skyfleet/pkg/events"
	"skyfleet/pkg/eventstore"
	"skyfleet/pkg/fanout"
	"skyfleet/pkg/ratelimit"
	"skyfleet/pkg/telemetry"
)

type sampleStoreStub struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (s *sampleStoreStub) Insert(ctx context.Context, sm telemetry.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sm)
	return nil
}

func (s *sampleStoreStub) Latest(ctx context.Context, droneID string) (telemetry.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].DroneID == droneID {
			return s.samples[i], nil
		}
	}
	return telemetry.Sample{}, telemetry.ErrNoSample
}

type testEnv struct {
	server    *httptest.Server
	verifier  *auth.Verifier
	store     *eventstore.MemoryStore
	emStore   *emergency.MemoryStore
	processor *telemetry.Processor
	cmds      *commands.MemoryPublisher
}

func newEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	store := eventstore.NewMemoryStore()
	cmds := commands.NewMemoryPublisher()
	hub := fanout.NewHub(cmds, nil)
	bus := eventbus.New(store, hub, nil, nil)
	emStore := emergency.NewMemoryStore()
	svc := emergency.NewService(emStore, nil, bus, nil)
	engine := emergency.NewEngine(emStore, bus, cmds, nil)
	processor := telemetry.NewProcessor(telemetry.ProcessorConfig{
		Bus:      bus,
		Store:    &sampleStoreStub{},
		Realtime: hub,
		Shards:   1,
	})
	t.Cleanup(processor.Close)

	cfg := Config{
		Bus:         bus,
		EventStore:  store,
		Processor:   processor,
		Emergencies: svc,
		Engine:      engine,
		Hub:         hub,
		Verifier:    verifier,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, verifier: verifier, store: store, emStore: emStore, processor: processor, cmds: cmds}
}

func (e *testEnv) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := e.verifier.Sign("user-1", "alice", role)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealthIsOpen(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodGet, "/api/events", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTelemetryIngestAndLatest(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.RoleOperator)

	sample := map[string]any{
		"droneId": "drone-7", "latitude": 21.0, "longitude": 105.8,
		"altitude": 100, "battery_level": 80, "speed": 10, "heading": 45,
		"status": "flying",
	}
	resp := env.do(t, http.MethodPost, "/api/telemetry", tok, sample)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Invalid sample is rejected synchronously.
	bad := map[string]any{"droneId": "drone-7", "battery_level": 500, "status": "flying"}
	resp = env.do(t, http.MethodPost, "/api/telemetry", tok, bad)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Wait for the async pipeline to persist the sample.
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/telemetry/drone-7/latest", tok, nil)
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/telemetry/drone-unknown/latest", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTelemetryIngestRateLimited(t *testing.T) {
	env := newEnv(t, func(c *Config) {
		c.Limiter = ratelimit.NewMemoryLimiter(2, 1, time.Hour)
	})
	tok := env.token(t, auth.RoleOperator)

	sample := map[string]any{
		"droneId": "drone-9", "latitude": 21.0, "longitude": 105.8,
		"altitude": 100, "battery_level": 80, "speed": 10, "heading": 45,
		"status": "flying",
	}
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/telemetry", tok, sample)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, "request %d", i)
	}
	resp := env.do(t, http.MethodPost, "/api/telemetry", tok, sample)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads are not throttled.
	resp = env.do(t, http.MethodGet, "/api/events", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventTriggerAdminOnly(t *testing.T) {
	env := newEnv(t)

	body := map[string]any{"type": "schedule_update", "data": map[string]any{"scheduleId": "s-1"}}

	resp := env.do(t, http.MethodPost, "/api/events/trigger", env.token(t, auth.RoleOperator), body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/events/trigger", env.token(t, auth.RoleAdmin), body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.store.Len())

	resp = env.do(t, http.MethodPost, "/api/events/trigger", env.token(t, auth.RoleAdmin),
		map[string]any{"type": "drone_dance"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventQueryAndProcessed(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.RoleAdmin)

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/api/events/trigger", tok, map[string]any{
			"type": "battery_low", "severity": "warning",
			"data": map[string]any{"droneId": fmt.Sprintf("drone-%d", i)},
		})
		resp.Body.Close()
	}

	var list struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}
	resp := env.do(t, http.MethodGet, "/api/events?type=battery_low", tok, nil)
	decode(t, resp, &list)
	assert.Equal(t, 3, list.Count)

	resp = env.do(t, http.MethodGet, "/api/events?type=unheard_of", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := list.Events[0].ID
	resp = env.do(t, http.MethodPut, "/api/events/"+id+"/processed", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ev events.Event
	resp = env.do(t, http.MethodGet, "/api/events/"+id, tok, nil)
	decode(t, resp, &ev)
	assert.True(t, ev.Processed)

	resp = env.do(t, http.MethodPut, "/api/events/event_missing/processed", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var stats eventstore.Stats
	resp = env.do(t, http.MethodGet, "/api/events/stats", tok, nil)
	decode(t, resp, &stats)
	assert.Equal(t, 3, stats.Total)

	var types struct {
		Types []map[string]string `json:"types"`
	}
	resp = env.do(t, http.MethodGet, "/api/events/types", tok, nil)
	decode(t, resp, &types)
	assert.Len(t, types.Types, 10)
}

func TestEmergencyLifecycle(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.RoleOperator)

	var em emergency.Emergency
	resp := env.do(t, http.MethodPost, "/api/emergencies", tok, map[string]any{
		"droneId": "drone-7", "type": "LOW_BATTERY", "severity": "critical",
		"location": map[string]any{"latitude": 21.0, "longitude": 105.8},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &em)
	assert.Equal(t, emergency.StatusPending, em.Status)
	assert.Equal(t, "user-1", em.ReportedBy)

	// Missing droneId.
	resp = env.do(t, http.MethodPost, "/api/emergencies", tok, map[string]any{"type": "LOW_BATTERY"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var listed struct {
		Emergencies []emergency.Emergency `json:"emergencies"`
		Total       int                   `json:"total"`
	}
	resp = env.do(t, http.MethodGet, "/api/emergencies?status=PENDING", tok, nil)
	decode(t, resp, &listed)
	assert.Equal(t, 1, listed.Total)

	resp = env.do(t, http.MethodPut, "/api/emergencies/"+em.ID+"/status", tok,
		map[string]any{"status": "ACTIVE", "assignedTeam": "rescue-alpha"})
	decode(t, resp, &em)
	assert.Equal(t, emergency.StatusActive, em.Status)

	// ACTIVE -> PENDING is illegal.
	resp = env.do(t, http.MethodPut, "/api/emergencies/"+em.ID+"/status", tok,
		map[string]any{"status": "PENDING"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/drones/drone-7/emergencies", tok, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtocolTrigger(t *testing.T) {
	env := newEnv(t)
	opTok := env.token(t, auth.RoleOperator)

	var em emergency.Emergency
	resp := env.do(t, http.MethodPost, "/api/emergencies", opTok, map[string]any{
		"droneId": "drone-7", "type": "LOW_BATTERY",
	})
	decode(t, resp, &em)

	viewer := env.token(t, auth.RoleViewer)
	resp = env.do(t, http.MethodPost, "/api/emergencies/"+em.ID+"/protocol", viewer,
		map[string]any{"protocol": "LOW_BATTERY", "autoLand": true})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var ex emergency.Execution
	resp = env.do(t, http.MethodPost, "/api/emergencies/"+em.ID+"/protocol", opTok,
		map[string]any{"protocol": "LOW_BATTERY", "autoLand": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &ex)
	assert.Equal(t, emergency.ExecutionSucceeded, ex.Status)
	assert.NotEmpty(t, env.cmds.DroneCommands())

	resp = env.do(t, http.MethodGet, "/api/executions/"+ex.ID, opTok, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/emergencies/"+em.ID+"/protocol", opTok,
		map[string]any{"protocol": "NO_SUCH"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/emergencies/emergency_missing/protocol", opTok,
		map[string]any{"protocol": "LOW_BATTERY"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var protocols struct {
		Protocols []emergency.Template `json:"protocols"`
	}
	resp = env.do(t, http.MethodGet, "/api/emergencies/protocols", opTok, nil)
	decode(t, resp, &protocols)
	assert.Len(t, protocols.Protocols, 5)
}

func TestBatchResolveEndpoint(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, auth.RoleOperator)

	var a, b emergency.Emergency
	resp := env.do(t, http.MethodPost, "/api/emergencies", tok, map[string]any{"droneId": "d1", "type": "X"})
	decode(t, resp, &a)
	resp = env.do(t, http.MethodPost, "/api/emergencies", tok, map[string]any{"droneId": "d2", "type": "X"})
	decode(t, resp, &b)

	var out struct {
		Resolved int `json:"resolved"`
	}
	resp = env.do(t, http.MethodPost, "/api/emergencies/batch-resolve", tok,
		map[string]any{"ids": []string{a.ID, b.ID}, "resolution": "sweep"})
	decode(t, resp, &out)
	assert.Equal(t, 2, out.Resolved)

	resp = env.do(t, http.MethodPost, "/api/emergencies/batch-resolve", tok, map[string]any{"ids": []string{}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
