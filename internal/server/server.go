// Package server exposes the integration over a local HTTP API and a
// WebSocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/protect"
)

const (
	maxBodyBytes   = 64 << 10
	commandTimeout = 30 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Server serves the status API.
type Server struct {
	entities   *entity.Registry
	httpServer *http.Server
	port       int
	logger     *logging.Logger

	mu          sync.RWMutex
	integration *protect.Integration
	state       protect.EntryState
}

// NewServer creates a server. The integration is attached later with
// SetIntegration once setup succeeds.
func NewServer(entities *entity.Registry, port int, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New(logging.LevelInfo)
	}
	return &Server{
		entities: entities,
		port:     port,
		logger:   logger,
		state:    protect.StateNotLoaded,
	}
}

// SetIntegration attaches or detaches (nil) the running integration.
func (s *Server) SetIntegration(in *protect.Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integration = in
}

// SetState records the entry state reported by /health.
func (s *Server) SetState(state protect.EntryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Integration returns the attached integration or nil.
func (s *Server) Integration() *protect.Integration {
	in, _ := s.current()
	return in
}

func (s *Server) current() (*protect.Integration, protect.EntryState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.integration, s.state
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/areas", s.handleAreas)
	mux.HandleFunc("GET /api/entities", s.handleEntities)
	mux.HandleFunc("POST /api/entities/{id}/{action}", s.handleCommand)
	mux.HandleFunc("GET /api/diagnostics", s.handleEntryDiagnostics)
	mux.HandleFunc("GET /api/diagnostics/{object_key}", s.handleDeviceDiagnostics)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/{object_key}", s.handleEvents)
	return mux
}

// Start listens until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("HTTP server starting", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("HTTP server shutting down...")
	return srv.Shutdown(ctx)
}

type healthResponse struct {
	Status   string             `json:"status"`
	State    protect.EntryState `json:"state"`
	UserID   string             `json:"user_id,omitempty"`
	Devices  int                `json:"devices"`
	Entities int                `json:"entities"`
	Dropped  int                `json:"dropped_notifications"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check request", "remote_addr", r.RemoteAddr)

	in, state := s.current()
	resp := healthResponse{Status: "ok", State: state, Entities: s.entities.Count()}
	if in != nil {
		resp.UserID = in.UserID()
		resp.Devices = len(in.Registry().Devices())
		resp.Dropped = in.Dispatcher().Dropped()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type deviceResponse struct {
	ObjectKey string          `json:"object_key"`
	Type      nest.BucketType `json:"type"`
	Name      string          `json:"name"`
	Area      string          `json:"area,omitempty"`
	Revision  int64           `json:"object_revision"`
	Timestamp int64           `json:"object_timestamp"`
	Value     map[string]any  `json:"value"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}

	areas := in.Registry().Areas()
	devices := in.Registry().Devices()
	out := make([]deviceResponse, 0, len(devices))
	for _, b := range devices {
		info := entity.NewDeviceInfo(b, areas)
		out = append(out, deviceResponse{
			ObjectKey: b.ObjectKey,
			Type:      b.Type,
			Name:      info.Name,
			Area:      info.SuggestedArea,
			Revision:  b.ObjectRevision,
			Timestamp: b.ObjectTimestamp,
			Value:     b.Value,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAreas(w http.ResponseWriter, _ *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, in.Registry().Areas())
}

type entityResponse struct {
	UniqueID    string          `json:"unique_id"`
	Name        string          `json:"name"`
	Platform    entity.Platform `json:"platform"`
	ObjectKey   string          `json:"object_key"`
	DeviceClass string          `json:"device_class,omitempty"`
	Category    entity.Category `json:"entity_category,omitempty"`
	Unit        string          `json:"unit_of_measurement,omitempty"`
	Options     []string        `json:"options,omitempty"`
	State       any             `json:"state"`
	Available   bool            `json:"available"`
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	in, _ := s.current()

	entities := s.entities.List()
	out := make([]entityResponse, 0, len(entities))
	for _, e := range entities {
		resp := entityResponse{
			UniqueID:    e.UniqueID,
			Name:        e.Name,
			Platform:    e.Platform(),
			ObjectKey:   e.ObjectKey,
			DeviceClass: e.Description.DeviceClass,
			Category:    e.Description.Category,
			Unit:        e.Description.Unit,
			Options:     e.Description.Options,
		}
		if in != nil {
			if b, ok := in.Registry().Device(e.ObjectKey); ok {
				resp.State, resp.Available = e.State(b)
			}
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type commandRequest struct {
	Option string `json:"option"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}

	id, action := r.PathValue("id"), r.PathValue("action")
	e, ok := s.entities.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("entity not found: %s", id))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	var err error
	switch action {
	case "turn_on":
		err = entity.TurnOn(ctx, in, e)
	case "turn_off":
		err = entity.TurnOff(ctx, in, e)
	case "select":
		var req commandRequest
		body, readErr := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if readErr == nil {
			readErr = json.Unmarshal(body, &req)
		}
		if readErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		err = entity.SelectOption(ctx, in, e, req.Option)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action: %s", action))
		return
	}

	s.logger.Info("Entity command", "unique_id", id, "action", action, "error", err)
	switch {
	case errors.Is(err, entity.ErrNotSwitch), errors.Is(err, entity.ErrNotSelect), errors.Is(err, entity.ErrInvalidOption):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleEntryDiagnostics(w http.ResponseWriter, r *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}
	diag, err := in.ConfigEntryDiagnostics(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleDeviceDiagnostics(w http.ResponseWriter, r *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}
	diag, err := in.DeviceDiagnostics(r.PathValue("object_key"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

// handleEvents streams device updates as JSON text messages until the
// client goes away or the integration unloads. With an object_key in the
// path only that device's channel is streamed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	in := s.ready(w)
	if in == nil {
		return
	}

	key := r.PathValue("object_key")
	if key != "" {
		if _, ok := in.Registry().Device(key); !ok {
			s.writeError(w, http.StatusNotFound, "unknown device "+key)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // closed after the normal close below

	var sub *protect.Subscription
	if key != "" {
		sub = in.Dispatcher().Subscribe(key)
	} else {
		sub = in.Dispatcher().SubscribeAll()
	}
	defer sub.Unsubscribe()

	// Reads are only needed to process control frames.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("Event stream opened", "remote_addr", r.RemoteAddr, "object_key", key)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case b, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "integration unloaded")
				return
			}
			data, err := json.Marshal(b)
			if err != nil {
				s.logger.Error("Failed to marshal event", "object_key", b.ObjectKey, "error", err)
				continue
			}
			s.logger.Trace("Event sent", "object_key", b.ObjectKey, "body", string(data))

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("Event stream closed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// ready returns the integration or answers 503.
func (s *Server) ready(w http.ResponseWriter) *protect.Integration {
	in, state := s.current()
	if in == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("integration not ready: %s", state))
		return nil
	}
	return in
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}
