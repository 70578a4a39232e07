// Package relay serves hub topics over websockets so remote clients can attach
// realtime channels to them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/realtime"
	"github.com/cory-johannsen/duel/internal/realtime/hub"
)

// ReadLimit bounds a single inbound frame. Full-state snapshots are the largest.
const ReadLimit = 1 << 20

// Server bridges websocket connections to hub members.
type Server struct {
	hub    *hub.Hub
	cfg    config.RelayConfig
	logger *zap.Logger
	router chi.Router
	http   *http.Server

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck reports whether a dependency of the relay is usable.
type HealthCheck func(ctx context.Context) error

// NewServer creates a relay Server.
//
// Precondition: h and logger must be non-nil; cfg must pass validation.
func NewServer(h *hub.Hub, cfg config.RelayConfig, logger *zap.Logger) *Server {
	s := &Server{
		hub:    h,
		cfg:    cfg,
		logger: logger.Named("relay"),
		checks: make(map[string]HealthCheck),
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/realtime/{topic}", s.realtime)
	s.router = r
	s.http = &http.Server{Addr: cfg.Addr(), Handler: r}
	return s
}

// Handler returns the HTTP handler serving the relay routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and blocks until Stop.
//
// Postcondition: Returns nil after a graceful Stop, or the listen error.
func (s *Server) Start() error {
	s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr()))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving relay: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, waiting up to the write timeout for
// in-flight handlers.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("relay shutdown", zap.Error(err))
	}
}

// AddCheck registers a named check run by /healthz. A failing check turns the
// response into 503.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

type healthReport struct {
	Status string            `json:"status"`
	Topics int               `json:"topics"`
	Failed map[string]string `json:"failed,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WriteTimeout)
	defer cancel()

	report := healthReport{Status: "ok", Topics: s.hub.TopicCount()}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[name] = err.Error()
		}
	}
	status := http.StatusOK
	if len(report.Failed) > 0 {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Debug("writing health report", zap.Error(err))
	}
}

func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	key := r.URL.Query().Get("key")
	if topic == "" || key == "" {
		http.Error(w, "missing topic or key", http.StatusBadRequest)
		return
	}
	self := r.URL.Query().Get("self") == "true"

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	conn.SetReadLimit(ReadLimit)

	member := s.hub.Join(topic, key, self)
	log := s.logger.With(
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("member", member.ID()),
	)
	log.Info("connection attached")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		member.Leave()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		log.Info("connection detached")
	}()

	go s.writeLoop(ctx, cancel, conn, member, log)
	go s.pingLoop(ctx, cancel, conn, log)
	s.readLoop(ctx, conn, member, log)
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, member *hub.Member, log *zap.Logger) {
	defer cancel()
	for f := range member.Frames() {
		payload, err := json.Marshal(f)
		if err != nil {
			log.Error("marshalling frame", zap.Error(err))
			continue
		}
		wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err = conn.Write(wctx, websocket.MessageText, payload)
		wcancel()
		if err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
	if member.Evicted() {
		_ = conn.Close(websocket.StatusPolicyViolation, "evicted")
	}
}

func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, log *zap.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Info("ping failed, dropping connection", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, member *hub.Member, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("read ended", zap.Error(err))
			}
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case realtime.FrameBroadcast:
			err = member.Broadcast(f.Event, f.Payload)
		case realtime.FrameTrack:
			if f.Presence == nil {
				log.Warn("track frame without presence")
				continue
			}
			err = member.Track(*f.Presence)
		case realtime.FrameUntrack:
			err = member.Untrack()
		default:
			log.Warn("unexpected frame type", zap.String("type", string(f.Type)))
			continue
		}
		if err != nil {
			return
		}
	}
}
