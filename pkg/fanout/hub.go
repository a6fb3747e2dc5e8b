// Package fanout distributes realtime updates to connected websocket
// clients through topic subscriptions.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/commands"
	"skyfleet/pkg/eventbus"
	"skyfleet/pkg/metrics"
)

// Well-known topics. Drone and mission topics are parameterized by id,
// with a wildcard variant covering the whole class.
const (
	TopicSystemAlerts = "system-alerts"
	TopicScheduling   = "scheduling-updates"
	TopicAllDrones    = "drone:*"
	TopicAllMissions  = "mission:*"
)

// DroneTopic returns the per-drone topic name.
func DroneTopic(droneID string) string { return "drone:" + droneID }

// MissionTopic returns the per-mission topic name.
func MissionTopic(missionID string) string { return "mission:" + missionID }

// Envelope is the outbound wire frame. Type discriminates the payload.
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultSendBuffer = 64

// Client is one connected subscriber. Its send channel is drained by the
// write pump; a full buffer drops the frame rather than stalling the hub.
type Client struct {
	claims *auth.Claims
	send   chan Envelope

	mu     sync.Mutex
	topics map[string]struct{}
}

// Claims returns the identity attached at connect time.
func (c *Client) Claims() *auth.Claims { return c.claims }

// Send exposes the outbound frame stream for the write pump.
func (c *Client) Send() <-chan Envelope { return c.send }

// Hub is the topic registry. All methods are safe for concurrent use.
// It implements the realtime sinks of the event bus and the telemetry
// processor.
type Hub struct {
	cmds commands.Publisher
	log  *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
}

// NewHub wires a Hub. cmds may be nil when command forwarding is
// disabled.
func NewHub(cmds commands.Publisher, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cmds:    cmds,
		log:     log.With("component", "fanout"),
		clients: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
	}
}

// Connect registers a new client for the given identity.
func (h *Hub) Connect(claims *auth.Claims) *Client {
	c := &Client{
		claims: claims,
		send:   make(chan Envelope, defaultSendBuffer),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.FanoutConnections.Inc()
	h.log.Info("client connected", "user", claims.Username, "role", claims.Role)
	return c
}

// Disconnect removes the client from every topic and closes its send
// channel. Calling it more than once is a no-op.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.mu.Lock()
	for topic := range c.topics {
		h.dropFromTopic(c, topic)
	}
	c.topics = make(map[string]struct{})
	c.mu.Unlock()
	close(c.send)
	metrics.FanoutConnections.Dec()
	h.log.Info("client disconnected", "user", c.claims.Username)
}

// dropFromTopic removes c from one topic set. Caller holds h.mu.
func (h *Hub) dropFromTopic(c *Client, topic string) {
	set := h.topics[topic]
	delete(set, c)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

// topicFor maps a subscription request to a topic name.
func topicFor(kind, target string) (string, error) {
	switch kind {
	case "drone":
		if target == "" || target == "*" {
			return TopicAllDrones, nil
		}
		return DroneTopic(target), nil
	case "mission":
		if target == "" || target == "*" {
			return TopicAllMissions, nil
		}
		return MissionTopic(target), nil
	case "system":
		return TopicSystemAlerts, nil
	case "schedule":
		return TopicScheduling, nil
	}
	return "", fmt.Errorf("unknown subscription type %q", kind)
}

// Subscribe adds the client to a topic and returns the resolved topic
// name. Subscribing twice is harmless.
func (h *Hub) Subscribe(c *Client, kind, target string) (string, error) {
	topic, err := topicFor(kind, target)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return "", fmt.Errorf("client is not connected")
	}
	set := h.topics[topic]
	if set == nil {
		set = make(map[*Client]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return topic, nil
}

// Unsubscribe removes the client from a topic and returns the resolved
// topic name. Unsubscribing from a topic the client never joined is a
// no-op.
func (h *Hub) Unsubscribe(c *Client, kind, target string) (string, error) {
	topic, err := topicFor(kind, target)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFromTopic(c, topic)
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	return topic, nil
}

// publish enqueues one frame to every client subscribed to any of the
// given topics. A client matching several topics receives one copy.
func (h *Hub) publish(env Envelope, topics ...string) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for c := range h.topics[topic] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- env:
				metrics.FanoutDeliveries.WithLabelValues(topicClass(topic)).Inc()
			default:
				metrics.FanoutDropped.Inc()
				h.log.Warn("subscriber buffer full, dropping frame",
					"user", c.claims.Username, "frame", env.Type, "topic", topic)
			}
		}
	}
}

func topicClass(topic string) string {
	switch {
	case topic == TopicSystemAlerts:
		return "system"
	case topic == TopicScheduling:
		return "schedule"
	case len(topic) >= 6 && topic[:6] == "drone:":
		return "drone"
	case len(topic) >= 8 && topic[:8] == "mission:":
		return "mission"
	}
	return "other"
}

// PushAlert delivers an alert to the system topic and, when the event
// names a drone, to that drone's subscribers.
func (h *Hub) PushAlert(n eventbus.Notification) {
	topics := []string{TopicSystemAlerts}
	if droneID, ok := n.Data["droneId"].(string); ok && droneID != "" {
		topics = append(topics, DroneTopic(droneID), TopicAllDrones)
	}
	h.publish(Envelope{Type: "alert", Payload: n, Timestamp: n.Timestamp}, topics...)
}

// PushMissionUpdate delivers a mission change to that mission's
// subscribers and the wildcard audience.
func (h *Hub) PushMissionUpdate(missionID string, n eventbus.Notification) {
	topics := []string{TopicAllMissions}
	if missionID != "" {
		topics = append(topics, MissionTopic(missionID))
	}
	h.publish(Envelope{Type: "mission_update", Topic: missionID, Payload: n, Timestamp: n.Timestamp}, topics...)
}

// PushScheduleUpdate delivers a scheduling change.
func (h *Hub) PushScheduleUpdate(n eventbus.Notification) {
	h.publish(Envelope{Type: "schedule_update", Payload: n, Timestamp: n.Timestamp}, TopicScheduling)
}

// PushTelemetry delivers a raw telemetry frame to the drone's
// subscribers and the wildcard audience.
func (h *Hub) PushTelemetry(droneID string, payload any) {
	h.publish(Envelope{Type: "telemetry", Topic: droneID, Payload: payload},
		DroneTopic(droneID), TopicAllDrones)
}
