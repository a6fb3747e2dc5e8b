package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyfleet/pkg/circuitbreaker"
)

func TestBreakerPublisherShedsAfterFailures(t *testing.T) {
	mem := NewMemoryPublisher()
	pub := WithBreaker(mem, circuitbreaker.Settings{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, nil)
	ctx := context.Background()
	cmd := DroneCommand{Command: CommandEmergencyLand, DroneID: "drone-3"}

	require.NoError(t, pub.SendDroneCommand(ctx, cmd))
	require.Len(t, mem.DroneCommands(), 1)

	mem.Fail = errors.New("stream unavailable")
	assert.Error(t, pub.SendDroneCommand(ctx, cmd))
	assert.Error(t, pub.SendMissionCommand(ctx, MissionCommand{Command: "PAUSE", MissionID: "m-1"}))

	// Breaker is open now; the underlying publisher is not reached even
	// though it would succeed again.
	mem.Fail = nil
	err := pub.NotifyEmergencyServices(ctx, EmergencyNotice{EmergencyID: "emergency-1"})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Empty(t, mem.EmergencyNotices())
}
