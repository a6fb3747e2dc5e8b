package commands

import (
	"context"
	"log/slog"

	"skyfleet/pkg/circuitbreaker"
)

// BreakerPublisher guards a Publisher with a circuit breaker so a dead
// broker fails fast instead of stacking up timeouts under load.
type BreakerPublisher struct {
	next    Publisher
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps next. Settings zero values take the breaker
// defaults.
func WithBreaker(next Publisher, settings circuitbreaker.Settings, log *slog.Logger) *BreakerPublisher {
	if log == nil {
		log = slog.Default()
	}
	if settings.OnStateChange == nil {
		settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
			log.Warn("command channel breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		}
	}
	return &BreakerPublisher{
		next:    next,
		breaker: circuitbreaker.New("command-channel", settings),
	}
}

func (p *BreakerPublisher) SendDroneCommand(ctx context.Context, cmd DroneCommand) error {
	return p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.next.SendDroneCommand(ctx, cmd)
	})
}

func (p *BreakerPublisher) SendMissionCommand(ctx context.Context, cmd MissionCommand) error {
	return p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.next.SendMissionCommand(ctx, cmd)
	})
}

func (p *BreakerPublisher) NotifyEmergencyServices(ctx context.Context, n EmergencyNotice) error {
	return p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.next.NotifyEmergencyServices(ctx, n)
	})
}
