package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyfleet/pkg/commands"
	"skyfleet/pkg/events"
)

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

const testProtocol ProtocolType = "TEST_PROTOCOL"

func testTemplate() Template {
	return Template{
		Key:  testProtocol,
		Name: "Test Protocol",
		Steps: []TemplateStep{
			{Action: ActionReduceSpeed, Description: "Reduce flight speed"},
			{Action: ActionFindLandingSpot, Description: "Locate nearest safe landing spot"},
			{Action: ActionAutoLand, Description: "Execute automatic landing"},
			{Action: ActionActivateReturnHome, Description: "Activate automatic return home"},
			{Action: ActionNotifyOperator, Description: "Notify the operator"},
		},
		AutoExecute:      true,
		MaxExecutionTime: time.Minute,
	}
}

func seedEmergency(t *testing.T, store Store) Emergency {
	t.Helper()
	em := Emergency{
		ID:         "emergency_test",
		DroneID:    "drone-7",
		Type:       "LOW_BATTERY",
		Severity:   events.SeverityCritical,
		Location:   Location{Latitude: 21.03, Longitude: 105.85},
		Status:     StatusActive,
		ReportedBy: "operator-1",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), em))
	return em
}

func TestTriggerRunsEveryStep(t *testing.T) {
	store := NewMemoryStore()
	bus := &busRecorder{}
	cmd := commands.NewMemoryPublisher()
	eng := NewEngine(store, bus, cmd, nil, WithTemplates([]Template{testTemplate()}))
	em := seedEmergency(t, store)

	ex, err := eng.Trigger(context.Background(), em.ID, testProtocol, TriggerOptions{
		AutoLand:    true,
		TriggeredBy: "operator-1",
	})
	require.NoError(t, err)

	assert.Equal(t, ExecutionSucceeded, ex.Status)
	require.Len(t, ex.Steps, 5)
	for i, step := range ex.Steps {
		assert.Equal(t, StepCompleted, step.Status, "step %d", i)
		assert.Equal(t, i, step.Index)
		require.NotNil(t, step.StartedAt)
		require.NotNil(t, step.CompletedAt)
		assert.False(t, step.CompletedAt.Before(*step.StartedAt))
	}
	require.NotNil(t, ex.CompletedAt)

	stored, err := store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, stored.Status)

	drone := cmd.DroneCommands()
	require.Len(t, drone, 2)
	assert.Equal(t, commands.CommandEmergencyLand, drone[0].Command)
	assert.Equal(t, commands.CommandReturnHome, drone[1].Command)
	assert.Equal(t, "drone-7", drone[0].DroneID)
}

func TestTriggerHaltsOnStepFailure(t *testing.T) {
	store := NewMemoryStore()
	bus := &busRecorder{}
	cmd := commands.NewMemoryPublisher()
	cmd.Fail = errors.New("command uplink down")
	eng := NewEngine(store, bus, cmd, nil, WithTemplates([]Template{testTemplate()}))
	em := seedEmergency(t, store)

	ex, err := eng.Trigger(context.Background(), em.ID, testProtocol, TriggerOptions{AutoLand: true})
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, ex.Status)
	require.Len(t, ex.Steps, 5)
	assert.Equal(t, StepCompleted, ex.Steps[0].Status)
	assert.Equal(t, StepCompleted, ex.Steps[1].Status)
	assert.Equal(t, StepFailed, ex.Steps[2].Status)
	assert.Contains(t, ex.Steps[2].Error, "command uplink down")
	assert.Equal(t, StepPending, ex.Steps[3].Status)
	assert.Equal(t, StepPending, ex.Steps[4].Status)
	require.NotNil(t, ex.CompletedAt)

	stored, err := store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, stored.Status)
	assert.Equal(t, StepFailed, stored.Steps[2].Status)
}

func TestTriggerUnknownEmergency(t *testing.T) {
	store := NewMemoryStore()
	eng := NewEngine(store, &busRecorder{}, commands.NewMemoryPublisher(), nil)

	_, err := eng.Trigger(context.Background(), "emergency_missing", ProtocolLowBattery, TriggerOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.Executions())
}

func TestTriggerUnknownProtocol(t *testing.T) {
	store := NewMemoryStore()
	eng := NewEngine(store, &busRecorder{}, commands.NewMemoryPublisher(), nil)
	em := seedEmergency(t, store)

	_, err := eng.Trigger(context.Background(), em.ID, "NO_SUCH_PROTOCOL", TriggerOptions{})
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	assert.Empty(t, store.Executions())
}

func TestTriggerRespectsAutoExecuteFlags(t *testing.T) {
	store := NewMemoryStore()
	cmd := commands.NewMemoryPublisher()
	eng := NewEngine(store, &busRecorder{}, cmd, nil)
	em := seedEmergency(t, store)

	// Manual-only template: steps stay pending even when the caller
	// asks for automatic execution.
	ex, err := eng.Trigger(context.Background(), em.ID, ProtocolObstacleDetected, TriggerOptions{AutoLand: true})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCreated, ex.Status)
	for _, step := range ex.Steps {
		assert.Equal(t, StepPending, step.Status)
	}

	// Auto-executable template without the caller flag behaves the same.
	ex, err = eng.Trigger(context.Background(), em.ID, ProtocolLowBattery, TriggerOptions{AutoLand: false})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCreated, ex.Status)
	assert.Empty(t, cmd.DroneCommands())
}

func TestTriggerExecutionTimeout(t *testing.T) {
	tpl := testTemplate()
	tpl.MaxExecutionTime = time.Nanosecond

	store := NewMemoryStore()
	eng := NewEngine(store, &busRecorder{}, commands.NewMemoryPublisher(), nil, WithTemplates([]Template{tpl}))
	em := seedEmergency(t, store)

	ex, err := eng.Trigger(context.Background(), em.ID, testProtocol, TriggerOptions{AutoLand: true})
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, ex.Status)
	var failed int
	for _, step := range ex.Steps {
		switch step.Status {
		case StepFailed:
			failed++
			assert.NotEmpty(t, step.Error)
		case StepPending, StepCompleted:
		default:
			t.Fatalf("unexpected step status %s", step.Status)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestTriggerNotifiesEmergencyServices(t *testing.T) {
	store := NewMemoryStore()
	cmd := commands.NewMemoryPublisher()
	eng := NewEngine(store, &busRecorder{}, cmd, nil)
	em := seedEmergency(t, store)

	_, err := eng.Trigger(context.Background(), em.ID, ProtocolLowBattery, TriggerOptions{
		NotifyEmergencyServices: true,
		TriggeredBy:             "operator-2",
	})
	require.NoError(t, err)

	notices := cmd.EmergencyNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, em.ID, notices[0].EmergencyID)
	assert.Equal(t, em.DroneID, notices[0].DroneID)
	assert.Equal(t, string(ProtocolLowBattery), notices[0].Protocol)
}

func TestTriggerPublishesAlert(t *testing.T) {
	store := NewMemoryStore()
	bus := &busRecorder{}
	eng := NewEngine(store, bus, commands.NewMemoryPublisher(), nil)
	em := seedEmergency(t, store)

	ex, err := eng.Trigger(context.Background(), em.ID, ProtocolSignalLoss, TriggerOptions{})
	require.NoError(t, err)

	specs := bus.published()
	require.NotEmpty(t, specs)
	last := specs[len(specs)-1]
	assert.Equal(t, events.TypeEmergencyAlert, last.Type)
	assert.Equal(t, em.Severity, last.Severity)
	assert.Equal(t, ex.ID, last.Data["executionId"])
	assert.Equal(t, string(ProtocolSignalLoss), last.Data["protocol"])
}

func TestConcurrentTriggersSerialize(t *testing.T) {
	store := NewMemoryStore()
	eng := NewEngine(store, &busRecorder{}, commands.NewMemoryPublisher(), nil, WithTemplates([]Template{testTemplate()}))
	em := seedEmergency(t, store)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Trigger(context.Background(), em.ID, testProtocol, TriggerOptions{AutoLand: true})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "trigger %d", i)
	}
	executions := store.Executions()
	require.Len(t, executions, n)
	for _, ex := range executions {
		assert.Equal(t, ExecutionSucceeded, ex.Status)
		for _, step := range ex.Steps {
			assert.Equal(t, StepCompleted, step.Status)
		}
	}
}
