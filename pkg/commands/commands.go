// Package commands publishes control messages to the external fleet
// command channel and the emergency-services integration channel.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Command is a fleet control verb understood by the field.
type Command string

const (
	CommandEmergencyLand Command = "EMERGENCY_LAND"
	CommandReturnHome    Command = "RETURN_HOME"
)

// DroneCommand is the wire shape sent to the drone-commands channel,
// keyed by drone id so per-drone ordering survives the broker.
type DroneCommand struct {
	Command   Command   `json:"command"`
	DroneID   string    `json:"droneId"`
	Timestamp time.Time `json:"timestamp"`
}

// MissionCommand is a control message for a mission, forwarded from
// authorized realtime clients.
type MissionCommand struct {
	Command   string         `json:"command"`
	MissionID string         `json:"missionId"`
	Params    map[string]any `json:"params,omitempty"`
	IssuedBy  string         `json:"issuedBy,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EmergencyNotice is the one-shot notification sent to external
// emergency services when an operator requests it.
type EmergencyNotice struct {
	EmergencyID   string         `json:"emergencyId"`
	DroneID       string         `json:"droneId"`
	EmergencyType string         `json:"emergencyType"`
	Severity      string         `json:"severity"`
	Location      map[string]any `json:"location,omitempty"`
	Protocol      string         `json:"protocol"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Publisher is the outbound command boundary. Implementations must be
// safe for concurrent use.
type Publisher interface {
	SendDroneCommand(ctx context.Context, cmd DroneCommand) error
	SendMissionCommand(ctx context.Context, cmd MissionCommand) error
	NotifyEmergencyServices(ctx context.Context, n EmergencyNotice) error
}

const (
	droneCommandsStream     = "drone-commands"
	missionCommandsStream   = "mission-commands"
	emergencyServicesStream = "emergency-services"
)

// RedisPublisher writes commands to Redis streams, one entry per
// message with the routing key alongside the JSON payload.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher wraps a Redis client.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

func (p *RedisPublisher) SendDroneCommand(ctx context.Context, cmd DroneCommand) error {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal drone command: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: droneCommandsStream,
		Values: map[string]any{"key": cmd.DroneID, "value": b},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish drone command: %w", err)
	}
	return nil
}

func (p *RedisPublisher) SendMissionCommand(ctx context.Context, cmd MissionCommand) error {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal mission command: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: missionCommandsStream,
		Values: map[string]any{"key": cmd.MissionID, "value": b},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish mission command: %w", err)
	}
	return nil
}

func (p *RedisPublisher) NotifyEmergencyServices(ctx context.Context, n EmergencyNotice) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal emergency notice: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: emergencyServicesStream,
		Values: map[string]any{"key": n.EmergencyID, "value": b},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish emergency notice: %w", err)
	}
	return nil
}
