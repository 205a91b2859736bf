// Package api exposes the HTTP surface: device reports, guardian actions,
// operator views and the dashboard.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pausenow/pingwatch/internal/notifier"
	"github.com/pausenow/pingwatch/internal/registry"
	"github.com/pausenow/pingwatch/internal/relay"
	"github.com/pausenow/pingwatch/internal/sweep"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/pausenow/pingwatch/internal/version"
	"github.com/pausenow/pingwatch/internal/webui"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

// Channel check outcomes
const (
	ChannelActive  = "active"
	ChannelDeleted = "deleted"
	ChannelOffline = "offline"
)

// SweepRunner triggers and reports liveness cycles
type SweepRunner interface {
	RunOnce(ctx context.Context) (sweep.Report, error)
	LastReport() (sweep.Report, bool)
}

// AlertBook lists and resolves guardian alerts
type AlertBook interface {
	ActiveAlerts() []types.Alert
	ResolveAlert(key types.DeviceKey) bool
}

// CommandRelay forwards a command to a set of push channels
type CommandRelay interface {
	Send(ctx context.Context, channels []string, msg types.Message) []relay.Result
}

// Server provides the HTTP API and dashboard
type Server struct {
	registry  registry.Registry
	alerts    AlertBook
	sweeper   SweepRunner
	transport notifier.Transport
	relay     CommandRelay
	logger    zerolog.Logger
	port      string
	apiKey    string
	logBuffer *webui.LogBuffer
	opTimeout time.Duration
	startTime time.Time
	now       func() time.Time

	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(reg registry.Registry, alerts AlertBook, sweeper SweepRunner, transport notifier.Transport, logger zerolog.Logger, port string) *Server {
	return &Server{
		registry:  reg,
		alerts:    alerts,
		sweeper:   sweeper,
		transport: transport,
		relay:     relay.New(transport, relay.Config{Pacing: 50 * time.Millisecond}, logger),
		logger:    logger.With().Str("component", "api").Logger(),
		port:      port,
		opTimeout: 10 * time.Second,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// SetLogBuffer sets the buffer served by /api/logs and the dashboard
func (s *Server) SetLogBuffer(lb *webui.LogBuffer) {
	s.logBuffer = lb
}

// SetRelay replaces the relay behind /api/v1/push
func (s *Server) SetRelay(r CommandRelay) {
	s.relay = r
}

// SetAPIKey requires X-Api-Key on every write endpoint. Empty disables the check.
func (s *Server) SetAPIKey(key string) {
	s.apiKey = key
}

// SetOperationTimeout bounds the registry and transport calls made per request
func (s *Server) SetOperationTimeout(d time.Duration) {
	if d > 0 {
		s.opTimeout = d
	}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/probe-response", s.requireKey(s.handleProbeResponse))
	mux.HandleFunc("POST /api/v1/heartbeat", s.requireKey(s.handleHeartbeat))
	mux.HandleFunc("POST /api/v1/channel-check", s.requireKey(s.handleChannelCheck))
	mux.HandleFunc("POST /api/v1/push", s.requireKey(s.handlePush))
	mux.HandleFunc("POST /api/v1/sweep", s.requireKey(s.handleSweep))
	mux.HandleFunc("POST /api/v1/families/{familyId}/devices/{deviceId}/unblock", s.requireKey(s.handleUnblock))

	mux.HandleFunc("GET /api/v1/devices", s.handleDevices)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /{$}", s.handleDashboard)

	return cors(mux)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Msg("Starting API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// deviceRequest is the body devices send. childId is accepted for older agents.
type deviceRequest struct {
	FamilyID    string     `json:"familyId"`
	DeviceID    string     `json:"deviceId"`
	ChildID     string     `json:"childId"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

func (d deviceRequest) key() types.DeviceKey {
	id := d.DeviceID
	if id == "" {
		id = d.ChildID
	}
	return types.DeviceKey{FamilyID: d.FamilyID, DeviceID: id}
}

func decodeDeviceRequest(w http.ResponseWriter, r *http.Request) (types.DeviceKey, bool) {
	var req deviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return types.DeviceKey{}, false
	}
	key := req.key()
	if key.FamilyID == "" || key.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "familyId and deviceId are required")
		return types.DeviceKey{}, false
	}
	return key, true
}

// handleProbeResponse records that a device answered its probe. The server
// clock is authoritative; liveness state is never touched here.
func (s *Server) handleProbeResponse(w http.ResponseWriter, r *http.Request) {
	key, ok := decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	at := s.now()
	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()

	if err := s.registry.RecordResponse(ctx, key, at); err != nil {
		s.writeRegistryError(w, key, err, "Failed to record probe response")
		return
	}

	s.logger.Debug().
		Str("family_id", key.FamilyID).
		Str("device_id", key.DeviceID).
		Msg("Probe response recorded")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Probe response recorded",
		"respondedAt": at.UTC(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	key, ok := decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	at := s.now()
	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()

	if err := s.registry.RecordHeartbeat(ctx, key, at); err != nil {
		s.writeRegistryError(w, key, err, "Failed to record heartbeat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"heartbeatAt": at.UTC(),
	})
}

// handleChannelCheck pushes a silent status_check to the device channel and
// reports whether the channel is still registered.
func (s *Server) handleChannelCheck(w http.ResponseWriter, r *http.Request) {
	key, ok := decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()

	device, err := s.findDevice(ctx, key)
	if err != nil {
		s.writeRegistryError(w, key, err, "Failed to look up device")
		return
	}
	if device.ChannelInvalid {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": ChannelDeleted, "deviceId": key.DeviceID})
		return
	}
	if device.NotificationChannel == "" {
		writeError(w, http.StatusBadRequest, "device has no notification channel")
		return
	}

	now := s.now()
	_, err = s.transport.Deliver(ctx, device.NotificationChannel, types.NewStatusCheck(key.DeviceID, now))

	status := ChannelActive
	switch {
	case err == nil:
	case notifier.IsPermanent(err):
		status = ChannelDeleted
		if ierr := s.registry.InvalidateChannel(ctx, key, now); ierr != nil {
			s.logger.Error().
				Err(ierr).
				Str("family_id", key.FamilyID).
				Str("device_id", key.DeviceID).
				Msg("Failed to invalidate channel")
		}
	default:
		status = ChannelOffline
	}

	resp := map[string]interface{}{"success": true, "status": status, "deviceId": key.DeviceID}
	if err != nil {
		resp["error"] = err.Error()
	}

	s.logger.Info().
		Str("family_id", key.FamilyID).
		Str("device_id", key.DeviceID).
		Str("status", status).
		Msg("Channel checked")

	writeJSON(w, http.StatusOK, resp)
}

// pushRequest is a command relayed to one token or a list of tokens.
// childId and childName are accepted for older clients.
type pushRequest struct {
	Action     string   `json:"action"`
	Token      string   `json:"token"`
	Tokens     []string `json:"tokens"`
	DeviceID   string   `json:"deviceId"`
	ChildID    string   `json:"childId"`
	DeviceName string   `json:"deviceName"`
	ChildName  string   `json:"childName"`
}

// handlePush relays a guardian or device command. A tokens list gets a
// result per unique token; a single token answers like a plain send.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" || (req.Token == "" && len(req.Tokens) == 0) {
		writeError(w, http.StatusBadRequest, "action and token or tokens are required")
		return
	}
	if req.Action == string(types.MessageStatusCheck) {
		writeError(w, http.StatusBadRequest, "use /api/v1/channel-check for status_check")
		return
	}

	deviceID, deviceName := req.DeviceID, req.DeviceName
	if deviceID == "" {
		deviceID = req.ChildID
	}
	if deviceName == "" {
		deviceName = req.ChildName
	}

	now := s.now()
	msg := types.NewCommand(req.Action, deviceID, deviceName, now)

	if len(req.Tokens) > 0 {
		results := s.relay.Send(r.Context(), req.Tokens, msg)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"action":    req.Action,
			"results":   results,
			"timestamp": now.UTC(),
		})
		return
	}

	results := s.relay.Send(r.Context(), []string{req.Token}, msg)
	if len(results) == 0 {
		writeError(w, http.StatusBadRequest, "token is blank")
		return
	}

	res := results[0]
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"messageId": res.MessageID,
			"action":    req.Action,
			"timestamp": now.UTC(),
		})
	case res.Deleted:
		// The request itself worked; the target app is gone.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   false,
			"error":     res.Error,
			"deleted":   true,
			"timestamp": now.UTC(),
		})
	default:
		writeError(w, http.StatusBadGateway, res.Error)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	// A disconnecting caller must not cut a cycle short.
	report, err := s.sweeper.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, sweep.ErrSweepInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil && len(report.Errors) == 0:
		s.logger.Error().Err(err).Msg("Triggered sweep failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": err == nil,
		"report":  report,
	})
}

// handleUnblock is the guardian reset of a blocked device
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	key := types.DeviceKey{FamilyID: r.PathValue("familyId"), DeviceID: r.PathValue("deviceId")}

	ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
	defer cancel()

	if err := s.registry.ClearBlock(ctx, key); err != nil {
		if errors.Is(err, registry.ErrStateConflict) {
			writeError(w, http.StatusConflict, "device is not blocked")
			return
		}
		s.writeRegistryError(w, key, err, "Failed to clear block")
		return
	}

	resolved := s.alerts.ResolveAlert(key)

	s.logger.Info().
		Str("family_id", key.FamilyID).
		Str("device_id", key.DeviceID).
		Bool("alert_resolved", resolved).
		Msg("Device unblocked")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"alertResolved": resolved,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	families, err := s.registry.Families(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read registry")
		writeError(w, http.StatusInternalServerError, "failed to read registry")
		return
	}

	familyFilter := r.URL.Query().Get("familyId")
	stateFilter := r.URL.Query().Get("state")

	devices := make([]types.Device, 0)
	for _, f := range families {
		if familyFilter != "" && f.ID != familyFilter {
			continue
		}
		for _, d := range f.Devices {
			d.FamilyID = f.ID
			if stateFilter != "" && d.LivenessState.String() != stateFilter {
				continue
			}
			devices = append(devices, d)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.alerts.ActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns a summary of the registry and the last cycle
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"active_alerts": len(s.alerts.ActiveAlerts()),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"version":       version.Get(),
	}

	if families, err := s.registry.Families(r.Context()); err == nil {
		states := make(map[types.LivenessState]int)
		devices := 0
		for _, f := range families {
			for _, d := range f.Devices {
				states[types.LivenessState(d.LivenessState.String())]++
				devices++
			}
		}
		status["families"] = len(families)
		status["devices"] = devices
		status["states"] = states
	} else {
		status["registry_error"] = err.Error()
	}

	if report, ok := s.sweeper.LastReport(); ok {
		status["last_sweep"] = report
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := []webui.LogEntry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(limit, webui.LogFilter{
			Level:     q.Get("level"),
			Component: q.Get("component"),
			FamilyID:  q.Get("familyId"),
			DeviceID:  q.Get("deviceId"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// findDevice looks a device up in a fresh snapshot
func (s *Server) findDevice(ctx context.Context, key types.DeviceKey) (types.Device, error) {
	families, err := s.registry.Families(ctx)
	if err != nil {
		return types.Device{}, err
	}
	for _, f := range families {
		if f.ID != key.FamilyID {
			continue
		}
		if d, ok := f.Device(key.DeviceID); ok {
			d.FamilyID = f.ID
			return d, nil
		}
	}
	return types.Device{}, registry.ErrNotFound
}

func (s *Server) writeRegistryError(w http.ResponseWriter, key types.DeviceKey, err error, msg string) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.logger.Error().
		Err(err).
		Str("family_id", key.FamilyID).
		Str("device_id", key.DeviceID).
		Msg(msg)
	writeError(w, http.StatusInternalServerError, "registry unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
