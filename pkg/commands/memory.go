package commands

import (
	"context"
	"sync"
)

// MemoryPublisher records published commands for tests and dev runs.
type MemoryPublisher struct {
	mu      sync.Mutex
	Drone   []DroneCommand
	Mission []MissionCommand
	Notices []EmergencyNotice
	Fail    error // when set, every publish returns this error
}

// NewMemoryPublisher returns an empty recorder.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) SendDroneCommand(ctx context.Context, cmd DroneCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	p.Drone = append(p.Drone, cmd)
	return nil
}

func (p *MemoryPublisher) SendMissionCommand(ctx context.Context, cmd MissionCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	p.Mission = append(p.Mission, cmd)
	return nil
}

func (p *MemoryPublisher) NotifyEmergencyServices(ctx context.Context, n EmergencyNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	p.Notices = append(p.Notices, n)
	return nil
}

// DroneCommands returns a copy of the recorded drone commands.
func (p *MemoryPublisher) DroneCommands() []DroneCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DroneCommand(nil), p.Drone...)
}

// MissionCommands returns a copy of the recorded mission commands.
func (p *MemoryPublisher) MissionCommands() []MissionCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MissionCommand(nil), p.Mission...)
}

// EmergencyNotices returns a copy of the recorded notices.
func (p *MemoryPublisher) EmergencyNotices() []EmergencyNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EmergencyNotice(nil), p.Notices...)
}
