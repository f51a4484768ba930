package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/agent"
	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/models"
	"github.com/afroash/sensor-agent/internal/storage"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StatusProvider supplies the agent snapshot served on /status.
type StatusProvider interface {
	Status() agent.Status
}

// Server is the read-only local inspection endpoint. It serves the
// agent status, the recent reading log, and a live websocket stream of
// poll cycles. It never mutates agent state.
type Server struct {
	cfg      config.InspectConfig
	status   StatusProvider
	store    storage.Store
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// CycleFrame is one websocket message: the readings of one poll cycle.
type CycleFrame struct {
	Timestamp time.Time                        `json:"timestamp"`
	Readings  map[string]*models.SensorReading `json:"readings"`
}

// NewServer creates an inspection server. store may be nil when the
// local reading log is disabled; /readings/latest then returns 404.
func NewServer(cfg config.InspectConfig, status StatusProvider, store storage.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		status:  status,
		store:   store,
		logger:  logger.With().Str("component", "inspect").Logger(),
		clients: make(map[*websocket.Conn]bool),
	}
	// The server binds to loopback by default; the stream carries no
	// secrets, so cross-origin dashboards are allowed.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// Routes returns the HTTP handler, exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/readings/latest", s.handleLatestReadings)
	mux.HandleFunc("/stream", s.handleStream)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("Inspection server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Inspection server failed")
		}
	}()
}

// Stop shuts the server down and closes stream clients.
func (s *Server) Stop() {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Inspection server shutdown error")
		}
	}
}

// Broadcast pushes one poll cycle to every connected stream client.
// Wire it to the agent's cycle listener.
func (s *Server) Broadcast(readings map[string]*models.SensorReading) {
	frame := CycleFrame{
		Timestamp: time.Now(),
		Readings:  readings,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Debug().Err(err).Msg("Dropping slow stream client")
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.Status())
}

func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "Reading log disabled", http.StatusNotFound)
		return
	}

	sensorID := r.URL.Query().Get("sensor_id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	readings, err := s.store.GetRecentReadings(sensorID, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query reading log")
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []*models.SensorReading{}
	}
	writeJSON(w, readings)
}

// handleStream upgrades to a websocket and registers the client for
// cycle frames. Inbound messages are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", count).
		Msg("Stream client connected")

	// Read loop only to observe the close.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
			s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Stream client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
