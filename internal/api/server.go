// Package api serves the HTTP surface of the API process: the agent
// kill-switch channel, trust and audit queries, signal intake, and
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blockremote/internal/auth"
	"blockremote/internal/config"
	"blockremote/internal/hub"
	"blockremote/internal/metrics"
	"blockremote/internal/model"
	"blockremote/internal/relay"
	"blockremote/internal/storage"
	"blockremote/internal/trust"
)

// Lifecycle is notified of agent connects and disconnects.
type Lifecycle interface {
	AgentConnected()
	AgentDisconnected()
	State() relay.State
}

type Deps struct {
	Config     *config.Manager
	Store      storage.Store
	Hub        *hub.Hub
	Supervisor Lifecycle
	Trust      *trust.Reader
	Signals    http.Handler
	Auth       *auth.Authenticator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	cfg        *config.Manager
	store      storage.Store
	hub        *hub.Hub
	supervisor Lifecycle
	trust      *trust.Reader
	signals    http.Handler
	auth       *auth.Authenticator
	metrics    *metrics.Metrics
	logger     *slog.Logger
	version    string
	started    time.Time
	connSeq    atomic.Uint64
}

type statusResponse struct {
	Status      string    `json:"status"`
	Time        string    `json:"time"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	ConfigPath  string    `json:"config_path"`
	Connections int       `json:"connections"`
	Listener    string    `json:"listener"`
	Bus         busStatus `json:"bus"`
	Storage     string    `json:"storage"`
	Auth        bool      `json:"auth"`
}

type busStatus struct {
	Driver  string `json:"driver"`
	Channel string `json:"channel"`
}

func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Config == nil {
		d.Config = config.NewStaticManager(config.DefaultConfig())
	}
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		hub:        d.Hub,
		supervisor: d.Supervisor,
		trust:      d.Trust,
		signals:    d.Signals,
		auth:       d.Auth,
		metrics:    d.Metrics,
		logger:     d.Logger,
		version:    d.Version,
		started:    time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/api/v1/security/kill-switch", s.protect(http.HandlerFunc(s.handleKillSwitch)))
	mux.Handle("/api/v1/security/trust-score", s.protect(http.HandlerFunc(s.handleTrustScore)))
	mux.Handle("/api/v1/audit/logs", s.protect(http.HandlerFunc(s.handleAuditLogs)))
	if s.signals != nil {
		mux.Handle("/api/v1/signals", s.protect(s.signals))
	}
	return mux
}

func (s *Server) protect(h http.Handler) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.Middleware(h)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Get().API.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.logger != nil {
		s.logger.Info("api listening", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	// hijacked websocket connections are not tracked by Shutdown
	httpServer.RegisterOnShutdown(s.hub.Close)
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleKillSwitch upgrades to a websocket, registers the agent, and blocks
// reading until the agent goes away. Nothing the agent sends is processed.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		}
		return
	}
	cfg := s.cfg.Get()
	id := "agent-" + strconv.FormatUint(s.connSeq.Add(1), 10)
	if sub := auth.SubjectFrom(r.Context()); sub != "" {
		id += ":" + sub
	}
	conn := newWSConn(id, ws, cfg.API.WriteTimeout)
	s.hub.Register(conn)
	s.supervisor.AgentConnected()
	go conn.keepalive()

	err = conn.readLoop(cfg.API.ReadLimit)
	if s.logger != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.logger.Info("agent connection lost", "conn_id", id, "err", err)
		} else {
			s.logger.Debug("agent disconnected", "conn_id", id)
		}
	}
	s.hub.Unregister(conn)
	s.supervisor.AgentDisconnected()
}

func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "device_id required"})
		return
	}
	score, err := s.trust.Read(r.Context(), deviceID)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("trust cache read failed", "device_id", deviceID, "err", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "trust cache unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, model.TrustScore{DeviceID: deviceID, Score: score, Verdict: s.trust.Verdict(score)})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := s.cfg.Get().Audit.QueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "limit must be a positive integer"})
			return
		}
		if n < limit {
			limit = n
		}
	}
	records, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list audit failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "audit store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		Time:        now.Format(time.RFC3339Nano),
		Version:     s.version,
		Uptime:      now.Sub(s.started).Truncate(time.Second).String(),
		ConfigPath:  s.cfg.Path(),
		Connections: s.hub.Len(),
		Listener:    s.supervisor.State().String(),
		Bus:         busStatus{Driver: cfg.Bus.Driver, Channel: cfg.Bus.Channel},
		Storage:     cfg.Storage.Driver,
		Auth:        s.auth != nil && s.auth.Enabled(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
