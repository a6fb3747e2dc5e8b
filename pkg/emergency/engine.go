package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyfleet/pkg/commands"
	"skyfleet/pkg/events"
	"skyfleet/pkg/metrics"
)

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, spec events.Spec)
}

// TriggerOptions carries the caller's request flags.
type TriggerOptions struct {
	// AutoLand requests immediate execution of auto-executable
	// protocols.
	AutoLand bool
	// NotifyEmergencyServices requests a one-shot notice to external
	// services, independent of step execution outcome.
	NotifyEmergencyServices bool
	// TriggeredBy records the requesting actor.
	TriggeredBy string
}

// actionFunc is one step effect. The handler set is closed at compile
// time; unknown actions take the logged no-op default.
type actionFunc func(ctx context.Context, em Emergency) error

// Engine executes protocol templates against emergencies. Steps within
// one execution run strictly sequentially; concurrent triggers for the
// same emergency are serialized on a per-emergency lock.
type Engine struct {
	store     Store
	bus       Publisher
	commands  commands.Publisher
	templates map[ProtocolType]Template
	log       *slog.Logger

	actions map[Action]actionFunc

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTemplates replaces the built-in template set (test hook; the
// production set is the five shipped templates).
func WithTemplates(tpls []Template) EngineOption {
	return func(e *Engine) {
		m := make(map[ProtocolType]Template, len(tpls))
		for _, t := range tpls {
			m[t.Key] = t
		}
		e.templates = m
	}
}

// NewEngine wires an Engine. bus and cmd must be non-nil.
func NewEngine(store Store, bus Publisher, cmd commands.Publisher, log *slog.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:     store,
		bus:       bus,
		commands:  cmd,
		templates: templates,
		log:       log.With("component", "protocol-engine"),
		locks:     make(map[string]*sync.Mutex),
	}
	e.actions = map[Action]actionFunc{
		ActionAutoLand:           e.autoLand,
		ActionActivateReturnHome: e.activateReturnHome,
		ActionNotifyOperator:     e.notifyOperator,
		ActionFindLandingSpot:    e.findLandingSpot,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger starts a protocol run for an emergency. It returns ErrNotFound
// for an unknown emergency and ErrUnknownProtocol for an unknown
// template key, with no side effects in either case. Two concurrent
// triggers for the same emergency never interleave step writes: the
// second call waits and observes the first run's effects.
func (e *Engine) Trigger(ctx context.Context, emergencyID string, protocol ProtocolType, opts TriggerOptions) (Execution, error) {
	lock := e.lockFor(emergencyID)
	lock.Lock()
	defer lock.Unlock()

	em, err := e.store.Get(ctx, emergencyID)
	if err != nil {
		return Execution{}, err
	}
	tpl, ok := e.templates[protocol]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}

	ex := Execution{
		ID:               "exec_" + uuid.NewString(),
		EmergencyID:      emergencyID,
		Protocol:         protocol,
		Status:           ExecutionCreated,
		Steps:            stepsFromTemplate(tpl),
		AutoExecute:      tpl.AutoExecute,
		MaxExecutionTime: tpl.MaxExecutionTime,
		TriggeredBy:      opts.TriggeredBy,
		StartedAt:        time.Now().UTC(),
	}
	if err := e.store.SaveExecution(ctx, ex); err != nil {
		return Execution{}, fmt.Errorf("save execution: %w", err)
	}

	e.log.Info("protocol triggered",
		"emergency_id", emergencyID, "protocol", protocol,
		"auto_execute", tpl.AutoExecute, "triggered_by", opts.TriggeredBy)

	if tpl.AutoExecute && opts.AutoLand {
		e.execute(ctx, em, &ex)
	}

	if opts.NotifyEmergencyServices {
		notice := commands.EmergencyNotice{
			EmergencyID:   em.ID,
			DroneID:       em.DroneID,
			EmergencyType: em.Type,
			Severity:      string(em.Severity),
			Location:      map[string]any{"latitude": em.Location.Latitude, "longitude": em.Location.Longitude},
			Protocol:      string(protocol),
			Timestamp:     time.Now().UTC(),
		}
		if err := e.commands.NotifyEmergencyServices(ctx, notice); err != nil {
			e.log.Error("emergency services notification failed", "emergency_id", em.ID, "error", err)
		}
	}

	e.bus.Publish(ctx, events.Spec{
		Type:     events.TypeEmergencyAlert,
		Severity: em.Severity,
		Source:   "protocol-engine",
		Data: map[string]any{
			"message":     fmt.Sprintf("Emergency protocol triggered: %s", tpl.Name),
			"emergencyId": em.ID,
			"droneId":     em.DroneID,
			"protocol":    string(protocol),
			"executionId": ex.ID,
		},
	})

	return ex, nil
}

func (e *Engine) lockFor(emergencyID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[emergencyID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[emergencyID] = l
	}
	return l
}

func stepsFromTemplate(tpl Template) []Step {
	steps := make([]Step, len(tpl.Steps))
	for i, ts := range tpl.Steps {
		steps[i] = Step{Index: i, Action: ts.Action, Description: ts.Description, Status: StepPending}
	}
	return steps
}

// execute runs steps strictly in order, halting on the first failure.
// The whole run is bounded by the template's max execution time; budget
// exhaustion fails the in-flight step. The step list is persisted after
// every transition so a crash mid-run leaves a truthful partial record.
func (e *Engine) execute(ctx context.Context, em Emergency, ex *Execution) {
	runCtx := ctx
	if ex.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, ex.MaxExecutionTime)
		defer cancel()
	}

	ex.Status = ExecutionRunning
	e.persistSteps(ex)

	for i := range ex.Steps {
		step := &ex.Steps[i]
		now := time.Now().UTC()
		step.Status = StepInProgress
		step.StartedAt = &now
		e.persistSteps(ex)

		err := runCtx.Err()
		if err == nil {
			err = e.runAction(runCtx, step.Action, em)
		}
		if runCtx.Err() != nil && err == nil {
			err = runCtx.Err()
		}

		done := time.Now().UTC()
		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			ex.Status = ExecutionFailed
			ex.CompletedAt = &done
			e.persistSteps(ex)
			e.log.Error("protocol step failed",
				"execution_id", ex.ID, "emergency_id", ex.EmergencyID,
				"step", step.Index, "action", step.Action, "error", err)
			metrics.ProtocolExecutions.WithLabelValues(string(ex.Protocol), "failed").Inc()
			return
		}
		step.Status = StepCompleted
		step.CompletedAt = &done
		e.persistSteps(ex)
	}

	now := time.Now().UTC()
	ex.Status = ExecutionSucceeded
	ex.CompletedAt = &now
	e.persistSteps(ex)
	metrics.ProtocolExecutions.WithLabelValues(string(ex.Protocol), "succeeded").Inc()
}

func (e *Engine) persistSteps(ex *Execution) {
	// Persistence runs on a fresh context: a run aborted by the
	// execution deadline must still record its final step states.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateExecutionSteps(pctx, ex.ID, ex.Steps, ex.Status, ex.CompletedAt); err != nil {
		e.log.Error("persist execution steps failed", "execution_id", ex.ID, "error", err)
	}
}

func (e *Engine) runAction(ctx context.Context, a Action, em Emergency) error {
	fn, ok := e.actions[a]
	if !ok {
		// Default branch: keep forward compatibility with template
		// actions that have no dedicated effect yet.
		e.log.Info("executing protocol step", "action", a, "emergency_id", em.ID)
		return nil
	}
	return fn(ctx, em)
}

func (e *Engine) autoLand(ctx context.Context, em Emergency) error {
	return e.commands.SendDroneCommand(ctx, commands.DroneCommand{
		Command: commands.CommandEmergencyLand,
		DroneID: em.DroneID,
	})
}

func (e *Engine) activateReturnHome(ctx context.Context, em Emergency) error {
	return e.commands.SendDroneCommand(ctx, commands.DroneCommand{
		Command: commands.CommandReturnHome,
		DroneID: em.DroneID,
	})
}

// notifyOperator goes back through the bus, so operator notification is
// subject to the same handler and delivery pipeline as any other event.
func (e *Engine) notifyOperator(ctx context.Context, em Emergency) error {
	e.bus.Publish(ctx, events.Spec{
		Type:     events.TypeEmergencyAlert,
		Severity: em.Severity,
		Source:   "protocol-engine",
		Data: map[string]any{
			"message":     fmt.Sprintf("Emergency requires operator attention: %s", em.Type),
			"emergencyId": em.ID,
			"droneId":     em.DroneID,
		},
	})
	return nil
}

func (e *Engine) findLandingSpot(ctx context.Context, em Emergency) error {
	// Landing-spot selection is delegated to the field; the engine just
	// records the request against the drone's last known position.
	e.log.Info("searching safe landing spot",
		"drone_id", em.DroneID,
		"latitude", em.Location.Latitude, "longitude", em.Location.Longitude)
	return nil
}
