package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"classlink/internal/logging"
	"classlink/pkg/interfaces"
)

const (
	defaultFrameLimit = 50
	maxFrameLimit     = 500
)

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type TopicsResponse struct {
	Topics     []interfaces.TopicStat `json:"topics"`
	Subscribed []string               `json:"subscribed"`
}

// Server is the broker's HTTP surface: the websocket endpoint plus a small
// read-only admin API over the journal.
type Server struct {
	router   chi.Router
	ws       http.Handler
	registry *Registry
	journal  interfaces.Journal
	metrics  http.Handler
	logger   *slog.Logger
	started  time.Time
}

// NewServer mounts ws at /ws. journal and metricsHandler may be nil.
func NewServer(ws http.Handler, registry *Registry, journal interfaces.Journal, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		ws:       ws,
		registry: registry,
		journal:  journal,
		metrics:  metricsHandler,
		logger:   logging.OrDefault(logger).With("component", "api"),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ws.ServeHTTP)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(api chi.Router) {
		api.Use(s.requestLogger)
		api.Use(jsonMiddleware)

		api.Get("/health", s.healthCheck)
		api.Get("/api/topics", s.listTopics)
		// topics contain slashes, so the topic is the rest of the path
		api.Get("/api/frames/*", s.recentFrames)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "disabled",
		Connections: s.registry.GetStats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.journal.HealthCheck(ctx); err != nil {
			s.logger.Warn("journal health check failed", "err", err)
			resp.Status = "degraded"
			resp.Database = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "healthy"
		}
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	resp := TopicsResponse{Subscribed: s.registry.Topics()}
	if s.journal != nil {
		stats, err := s.journal.Topics(r.Context())
		if err != nil {
			s.logger.Error("failed to list journal topics", "err", err)
			s.sendError(w, "Failed to list topics", http.StatusInternalServerError)
			return
		}
		resp.Topics = stats
	}
	if resp.Topics == nil {
		resp.Topics = []interfaces.TopicStat{}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) recentFrames(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "*")
	if topic == "" {
		s.sendError(w, "Topic required", http.StatusBadRequest)
		return
	}
	if s.journal == nil {
		s.sendError(w, "Journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultFrameLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxFrameLimit)
	}

	entries, err := s.journal.Recent(r.Context(), topic, limit)
	if err != nil {
		s.logger.Error("failed to read journal", "topic", topic, "err", err)
		s.sendError(w, "Failed to read frames", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"topic":  topic,
		"frames": entries,
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
