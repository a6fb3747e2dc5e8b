// Package httpapi exposes the coordinator's REST and websocket surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/emergency"
	"skyfleet/pkg/eventbus"
	"skyfleet/pkg/events"
	"skyfleet/pkg/eventstore"
	"skyfleet/pkg/fanout"
	"skyfleet/pkg/metrics"
	"skyfleet/pkg/ratelimit"
	"skyfleet/pkg/telemetry"
)

// Server bundles the coordinator's request handlers.
type Server struct {
	bus         *eventbus.Bus
	eventStore  eventstore.Store
	processor   *telemetry.Processor
	emergencies *emergency.Service
	engine      *emergency.Engine
	hub         *fanout.Hub
	verifier    *auth.Verifier
	limiter     ratelimit.Limiter
	log         *slog.Logger
}

// Config lists the Server's dependencies.
type Config struct {
	Bus         *eventbus.Bus
	EventStore  eventstore.Store
	Processor   *telemetry.Processor
	Emergencies *emergency.Service
	Engine      *emergency.Engine
	Hub         *fanout.Hub
	Verifier    *auth.Verifier
	// Limiter, when set, throttles telemetry ingest per caller.
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		bus:         cfg.Bus,
		eventStore:  cfg.EventStore,
		processor:   cfg.Processor,
		emergencies: cfg.Emergencies,
		engine:      cfg.Engine,
		hub:         cfg.Hub,
		verifier:    cfg.Verifier,
		limiter:     cfg.Limiter,
		log:         cfg.Logger.With("component", "httpapi"),
	}
}

// Routes assembles the full mux. Mutating endpoints sit behind the auth
// middleware; health and metrics stay open for probes and scrapers.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.hub != nil && s.verifier != nil {
		mux.Handle("GET /ws", fanout.WSHandler(s.hub, s.verifier))
	}

	authed := func(h http.HandlerFunc) http.Handler { return s.verifier.Middleware(h) }
	admin := func(h http.HandlerFunc) http.Handler {
		return s.verifier.Middleware(auth.RequireRole(h, auth.RoleAdmin))
	}

	ingest := http.HandlerFunc(s.handleIngestTelemetry)
	if s.limiter != nil {
		// Runs inside the auth middleware so buckets key on user id.
		ingest = ratelimit.Middleware(s.limiter, limiterKey, ingest).ServeHTTP
	}
	mux.Handle("POST /api/telemetry", authed(ingest))
	mux.Handle("GET /api/telemetry/{droneId}/latest", authed(s.handleLatestTelemetry))

	mux.Handle("GET /api/events", authed(s.handleQueryEvents))
	mux.Handle("GET /api/events/stats", authed(s.handleEventStats))
	mux.Handle("GET /api/events/types", authed(s.handleEventTypes))
	mux.Handle("GET /api/events/{id}", authed(s.handleGetEvent))
	mux.Handle("PUT /api/events/{id}/processed", authed(s.handleMarkProcessed))
	mux.Handle("POST /api/events/trigger", admin(s.handleTriggerEvent))

	mux.Handle("POST /api/emergencies", authed(s.handleCreateEmergency))
	mux.Handle("GET /api/emergencies", authed(s.handleListEmergencies))
	mux.Handle("GET /api/emergencies/stats", authed(s.handleEmergencyStats))
	mux.Handle("GET /api/emergencies/protocols", authed(s.handleListProtocols))
	mux.Handle("POST /api/emergencies/batch-resolve", authed(s.handleBatchResolve))
	mux.Handle("GET /api/emergencies/{id}", authed(s.handleGetEmergency))
	mux.Handle("PUT /api/emergencies/{id}/status", authed(s.handleUpdateEmergencyStatus))
	mux.Handle("POST /api/emergencies/{id}/protocol", authed(s.handleTriggerProtocol))
	mux.Handle("GET /api/executions/{id}", authed(s.handleGetExecution))
	mux.Handle("GET /api/drones/{droneId}/emergencies", authed(s.handleEmergencyHistory))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var sample telemetry.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.processor.Ingest(r.Context(), sample); err != nil {
		if errors.Is(err, telemetry.ErrInvalidSample) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("telemetry ingest failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	sample, err := s.processor.Latest(r.Context(), r.PathValue("droneId"))
	if err != nil {
		if errors.Is(err, telemetry.ErrNoSample) {
			writeError(w, http.StatusNotFound, "no telemetry for drone")
			return
		}
		s.log.Error("telemetry lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventstore.Filter{
		Type:     events.Type(q.Get("type")),
		Severity: events.Severity(q.Get("severity")),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		f.Start = ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		f.End = ts
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	list, err := s.eventStore.Query(r.Context(), f)
	if err != nil {
		s.log.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.eventStore.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.log.Error("event lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	stats, err := s.eventStore.Stats(r.Context(), window)
	if err != nil {
		s.log.Error("event stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Type        events.Type `json:"type"`
		Description string      `json:"description"`
	}
	out := make([]entry, 0, len(events.AllTypes()))
	for _, t := range events.AllTypes() {
		out = append(out, entry{Type: t, Description: t.Description()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": out})
}

func (s *Server) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.eventStore.MarkProcessed(r.Context(), id); err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.log.Error("mark processed failed", "event_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "processed": true})
}

type triggerEventRequest struct {
	Type     events.Type      `json:"type"`
	Severity events.Severity  `json:"severity,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
	Channels []events.Channel `json:"channels,omitempty"`
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	source := "manual"
	if claims != nil {
		source = "manual:" + claims.Username
	}
	s.bus.Publish(r.Context(), events.Spec{
		Type:     req.Type,
		Severity: req.Severity,
		Source:   source,
		Data:     req.Data,
		Channels: req.Channels,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"published": true})
}

type createEmergencyRequest struct {
	DroneID     string             `json:"droneId"`
	Type        string             `json:"type"`
	Severity    events.Severity    `json:"severity,omitempty"`
	Description string             `json:"description,omitempty"`
	Location    emergency.Location `json:"location"`
}

func (s *Server) handleCreateEmergency(w http.ResponseWriter, r *http.Request) {
	var req createEmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	in := emergency.CreateInput{
		DroneID:     req.DroneID,
		Type:        req.Type,
		Severity:    req.Severity,
		Description: req.Description,
		Location:    req.Location,
	}
	if claims != nil {
		in.ReportedBy = claims.UserID
	}
	em, err := s.emergencies.Create(r.Context(), in)
	if err != nil {
		if errors.Is(err, emergency.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("emergency create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, em)
}

func (s *Server) handleListEmergencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := emergency.Filter{
		Status:   emergency.Status(q.Get("status")),
		Severity: events.Severity(q.Get("severity")),
		Type:     q.Get("type"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}
	list, total, err := s.emergencies.List(r.Context(), f)
	if err != nil {
		s.log.Error("emergency list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if list == nil {
		list = []emergency.Emergency{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencies": list, "total": total})
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, r *http.Request) {
	em, err := s.emergencies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, emergency.ErrNotFound) {
			writeError(w, http.StatusNotFound, "emergency not found")
			return
		}
		s.log.Error("emergency lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, em)
}

type updateStatusRequest struct {
	Status          emergency.Status `json:"status"`
	ResponseActions []string         `json:"responseActions,omitempty"`
	AssignedTeam    string           `json:"assignedTeam,omitempty"`
	Resolution      string           `json:"resolution,omitempty"`
}

func (s *Server) handleUpdateEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	u := emergency.StatusUpdate{
		Status:          req.Status,
		ResponseActions: req.ResponseActions,
		AssignedTeam:    req.AssignedTeam,
		Resolution:      req.Resolution,
	}
	if claims != nil {
		u.UpdatedBy = claims.UserID
	}
	em, err := s.emergencies.UpdateStatus(r.Context(), r.PathValue("id"), u)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, em)
	case errors.Is(err, emergency.ErrNotFound):
		writeError(w, http.StatusNotFound, "emergency not found")
	case errors.Is(err, emergency.ErrInvalidInput), errors.Is(err, emergency.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("emergency status update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
	}
}

type batchResolveRequest struct {
	IDs        []string `json:"ids"`
	Resolution string   `json:"resolution,omitempty"`
}

func (s *Server) handleBatchResolve(w http.ResponseWriter, r *http.Request) {
	var req batchResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	resolvedBy := ""
	if claims != nil {
		resolvedBy = claims.UserID
	}
	n, err := s.emergencies.BatchResolve(r.Context(), req.IDs, req.Resolution, resolvedBy)
	if err != nil {
		if errors.Is(err, emergency.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("batch resolve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "batch resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": n})
}

func (s *Server) handleEmergencyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var start, end time.Time
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = ts
	}
	list, err := s.emergencies.History(r.Context(), r.PathValue("droneId"), start, end)
	if err != nil {
		s.log.Error("emergency history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	if list == nil {
		list = []emergency.Emergency{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencies": list})
}

func (s *Server) handleEmergencyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.emergencies.Stats(r.Context())
	if err != nil {
		s.log.Error("emergency stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"protocols": emergency.Templates()})
}

type triggerProtocolRequest struct {
	Protocol                emergency.ProtocolType `json:"protocol"`
	AutoLand                bool                   `json:"autoLand"`
	NotifyEmergencyServices bool                   `json:"notifyEmergencyServices"`
}

func (s *Server) handleTriggerProtocol(w http.ResponseWriter, r *http.Request) {
	var req triggerProtocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	claims, _ := auth.FromContext(r.Context())
	if claims == nil || !claims.CanCommand() {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}
	ex, err := s.engine.Trigger(r.Context(), r.PathValue("id"), req.Protocol, emergency.TriggerOptions{
		AutoLand:                req.AutoLand,
		NotifyEmergencyServices: req.NotifyEmergencyServices,
		TriggeredBy:             claims.UserID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, ex)
	case errors.Is(err, emergency.ErrNotFound):
		writeError(w, http.StatusNotFound, "emergency not found")
	case errors.Is(err, emergency.ErrUnknownProtocol):
		writeError(w, http.StatusBadRequest, "unknown protocol")
	default:
		s.log.Error("protocol trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trigger failed")
	}
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.emergencies.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, emergency.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.log.Error("execution lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// limiterKey buckets rate limits by authenticated user, falling back
// to the remote address.
func limiterKey(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok {
		return "user:" + claims.UserID
	}
	return "addr:" + r.RemoteAddr
}

func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
