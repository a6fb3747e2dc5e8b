package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/commands"
	"skyfleet/pkg/eventbus"
)

func operatorClaims() *auth.Claims {
	return &auth.Claims{UserID: "user-1", Username: "alice", Role: auth.RoleOperator}
}

func viewerClaims() *auth.Claims {
	return &auth.Claims{UserID: "user-2", Username: "bob", Role: auth.RoleViewer}
}

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSubscribeResolvesTopics(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())

	cases := []struct {
		kind, target, want string
	}{
		{"drone", "7", "drone:7"},
		{"drone", "", TopicAllDrones},
		{"drone", "*", TopicAllDrones},
		{"mission", "m-1", "mission:m-1"},
		{"mission", "", TopicAllMissions},
		{"system", "", TopicSystemAlerts},
		{"schedule", "", TopicScheduling},
	}
	for _, tc := range cases {
		topic, err := h.Subscribe(c, tc.kind, tc.target)
		require.NoError(t, err, "%s/%s", tc.kind, tc.target)
		assert.Equal(t, tc.want, topic)
	}

	_, err := h.Subscribe(c, "satellite", "")
	assert.Error(t, err)
}

func TestPushAlertRouting(t *testing.T) {
	h := NewHub(nil, nil)
	system := h.Connect(viewerClaims())
	droneWatcher := h.Connect(viewerClaims())
	bystander := h.Connect(viewerClaims())

	_, err := h.Subscribe(system, "system", "")
	require.NoError(t, err)
	_, err = h.Subscribe(droneWatcher, "drone", "7")
	require.NoError(t, err)
	_, err = h.Subscribe(bystander, "drone", "99")
	require.NoError(t, err)

	h.PushAlert(eventbus.Notification{
		ID:   "event_1",
		Data: map[string]any{"droneId": "7"},
	})

	require.Len(t, drain(system), 1)
	got := drain(droneWatcher)
	require.Len(t, got, 1)
	assert.Equal(t, "alert", got[0].Type)
	assert.Empty(t, drain(bystander))
}

func TestPushDeduplicatesAcrossTopics(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())

	// Subscribed to both the specific drone and the wildcard: one copy.
	_, err := h.Subscribe(c, "drone", "7")
	require.NoError(t, err)
	_, err = h.Subscribe(c, "drone", "*")
	require.NoError(t, err)

	h.PushTelemetry("7", map[string]any{"battery": 80})
	assert.Len(t, drain(c), 1)

	h.PushTelemetry("42", map[string]any{"battery": 50})
	assert.Len(t, drain(c), 1)
}

func TestPushMissionUpdate(t *testing.T) {
	h := NewHub(nil, nil)
	specific := h.Connect(viewerClaims())
	wildcard := h.Connect(viewerClaims())

	_, err := h.Subscribe(specific, "mission", "m-1")
	require.NoError(t, err)
	_, err = h.Subscribe(wildcard, "mission", "*")
	require.NoError(t, err)

	h.PushMissionUpdate("m-1", eventbus.Notification{ID: "event_2"})

	got := drain(specific)
	require.Len(t, got, 1)
	assert.Equal(t, "mission_update", got[0].Type)
	assert.Equal(t, "m-1", got[0].Topic)
	assert.Len(t, drain(wildcard), 1)

	h.PushMissionUpdate("m-2", eventbus.Notification{ID: "event_3"})
	assert.Empty(t, drain(specific))
	assert.Len(t, drain(wildcard), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())

	_, err := h.Subscribe(c, "schedule", "")
	require.NoError(t, err)
	h.PushScheduleUpdate(eventbus.Notification{ID: "event_1"})
	require.Len(t, drain(c), 1)

	_, err = h.Unsubscribe(c, "schedule", "")
	require.NoError(t, err)
	h.PushScheduleUpdate(eventbus.Notification{ID: "event_2"})
	assert.Empty(t, drain(c))

	// Unsubscribing from a topic never joined is a no-op.
	_, err = h.Unsubscribe(c, "drone", "7")
	assert.NoError(t, err)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())
	_, err := h.Subscribe(c, "system", "")
	require.NoError(t, err)

	h.Disconnect(c)
	h.Disconnect(c)

	// Delivery after disconnect reaches nobody and does not panic.
	h.PushAlert(eventbus.Notification{ID: "event_1"})

	_, err = h.Subscribe(c, "system", "")
	assert.Error(t, err)
}

func TestFullBufferDropsFrames(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())
	_, err := h.Subscribe(c, "schedule", "")
	require.NoError(t, err)

	for i := 0; i < defaultSendBuffer+10; i++ {
		h.PushScheduleUpdate(eventbus.Notification{ID: "event_n"})
	}
	assert.Len(t, drain(c), defaultSendBuffer)
}

func TestCommandRequiresRole(t *testing.T) {
	cmds := commands.NewMemoryPublisher()
	h := NewHub(cmds, nil)
	viewer := h.Connect(viewerClaims())

	h.handleMessage(context.Background(), viewer, inboundMessage{
		Type: "drone_command", Command: "EMERGENCY_LAND", DroneID: "7",
	})

	got := drain(viewer)
	require.Len(t, got, 1)
	assert.Equal(t, "command_error", got[0].Type)
	assert.Empty(t, cmds.DroneCommands())
}

func TestDroneCommandForwarding(t *testing.T) {
	cmds := commands.NewMemoryPublisher()
	h := NewHub(cmds, nil)
	op := h.Connect(operatorClaims())

	h.handleMessage(context.Background(), op, inboundMessage{
		Type: "drone_command", Command: "RETURN_HOME", DroneID: "7",
	})

	got := drain(op)
	require.Len(t, got, 1)
	assert.Equal(t, "command_accepted", got[0].Type)

	sent := cmds.DroneCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, commands.CommandReturnHome, sent[0].Command)
	assert.Equal(t, "7", sent[0].DroneID)

	// Missing fields are rejected before reaching the publisher.
	h.handleMessage(context.Background(), op, inboundMessage{Type: "drone_command", DroneID: "7"})
	got = drain(op)
	require.Len(t, got, 1)
	assert.Equal(t, "command_error", got[0].Type)
}

func TestMissionCommandForwarding(t *testing.T) {
	cmds := commands.NewMemoryPublisher()
	h := NewHub(cmds, nil)
	op := h.Connect(operatorClaims())

	h.handleMessage(context.Background(), op, inboundMessage{
		Type: "mission_command", Command: "PAUSE", MissionID: "m-1",
		Params: map[string]any{"reason": "weather"},
	})

	got := drain(op)
	require.Len(t, got, 1)
	assert.Equal(t, "command_accepted", got[0].Type)

	sent := cmds.MissionCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "PAUSE", sent[0].Command)
	assert.Equal(t, "m-1", sent[0].MissionID)
	assert.Equal(t, "user-1", sent[0].IssuedBy)
}

func TestSubscribeViaMessage(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Connect(viewerClaims())

	h.handleMessage(context.Background(), c, inboundMessage{Type: "subscribe", Channel: "drone", Target: "7"})
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "subscription_confirmed", got[0].Type)
	assert.Equal(t, "drone:7", got[0].Topic)

	h.handleMessage(context.Background(), c, inboundMessage{Type: "unsubscribe", Channel: "drone", Target: "7"})
	got = drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "unsubscription_confirmed", got[0].Type)

	h.handleMessage(context.Background(), c, inboundMessage{Type: "teleport"})
	got = drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Type)
}
