package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/commands"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin; authentication happens
	// via the bearer token, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundMessage is the single frame shape clients send. Type selects
// the operation; the remaining fields are operation-specific.
type inboundMessage struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Target    string         `json:"target,omitempty"`
	Command   string         `json:"command,omitempty"`
	DroneID   string         `json:"droneId,omitempty"`
	MissionID string         `json:"missionId,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// WSHandler upgrades HTTP requests to websocket sessions bound to the
// hub. Requests without a valid token are rejected before the upgrade.
func WSHandler(h *Hub, verifier *auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := verifier.Parse(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		c := h.Connect(claims)
		go writePump(h, c, ws)
		go readPump(h, c, ws)
	})
}

func readPump(h *Hub, c *Client, ws *websocket.Conn) {
	defer func() {
		h.Disconnect(c)
		ws.Close()
	}()
	ws.SetReadLimit(maxFrame)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", "user", c.claims.Username, "error", err)
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, Envelope{Type: "error", Error: "malformed message"})
			continue
		}
		h.handleMessage(context.Background(), c, msg)
	}
}

func writePump(h *Hub, c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteJSON(env); err != nil {
				h.Disconnect(c)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Disconnect(c)
				return
			}
		}
	}
}

// handleMessage dispatches one client frame. Command frames require an
// admin or operator role; everyone may manage subscriptions.
func (h *Hub) handleMessage(ctx context.Context, c *Client, msg inboundMessage) {
	switch msg.Type {
	case "subscribe":
		topic, err := h.Subscribe(c, msg.Channel, msg.Target)
		if err != nil {
			h.reply(c, Envelope{Type: "error", Error: err.Error()})
			return
		}
		h.reply(c, Envelope{Type: "subscription_confirmed", Topic: topic})

	case "unsubscribe":
		topic, err := h.Unsubscribe(c, msg.Channel, msg.Target)
		if err != nil {
			h.reply(c, Envelope{Type: "error", Error: err.Error()})
			return
		}
		h.reply(c, Envelope{Type: "unsubscription_confirmed", Topic: topic})

	case "drone_command":
		if !c.claims.CanCommand() {
			h.reply(c, Envelope{Type: "command_error", Error: "insufficient permissions"})
			return
		}
		if h.cmds == nil || msg.Command == "" || msg.DroneID == "" {
			h.reply(c, Envelope{Type: "command_error", Error: "command and droneId are required"})
			return
		}
		err := h.cmds.SendDroneCommand(ctx, commands.DroneCommand{
			Command: commands.Command(msg.Command),
			DroneID: msg.DroneID,
		})
		if err != nil {
			h.log.Error("drone command forward failed", "user", c.claims.Username, "error", err)
			h.reply(c, Envelope{Type: "command_error", Error: "command delivery failed"})
			return
		}
		h.reply(c, Envelope{Type: "command_accepted", Topic: msg.DroneID})

	case "mission_command":
		if !c.claims.CanCommand() {
			h.reply(c, Envelope{Type: "command_error", Error: "insufficient permissions"})
			return
		}
		if h.cmds == nil || msg.Command == "" || msg.MissionID == "" {
			h.reply(c, Envelope{Type: "command_error", Error: "command and missionId are required"})
			return
		}
		err := h.cmds.SendMissionCommand(ctx, commands.MissionCommand{
			Command:   msg.Command,
			MissionID: msg.MissionID,
			Params:    msg.Params,
			IssuedBy:  c.claims.UserID,
		})
		if err != nil {
			h.log.Error("mission command forward failed", "user", c.claims.Username, "error", err)
			h.reply(c, Envelope{Type: "command_error", Error: "command delivery failed"})
			return
		}
		h.reply(c, Envelope{Type: "command_accepted", Topic: msg.MissionID})

	default:
		h.reply(c, Envelope{Type: "error", Error: "unknown message type"})
	}
}

// reply enqueues a direct response frame. It takes the hub lock so it
// can never race the channel close in Disconnect; frames for a full or
// departed client are dropped.
func (h *Hub) reply(c *Client, env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- env:
	default:
	}
}
