package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meeting-tensor/platform/internal/config"
	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/orchestrator"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Sessions starts live sessions.
type Sessions interface {
	Start(ctx context.Context) (*orchestrator.Session, error)
	Active() int
}

// Meetings is the read side of the meeting store.
type Meetings interface {
	ListMeetings(ctx context.Context, limit int) ([]store.Meeting, error)
	GetMeeting(ctx context.Context, id string) (*store.Meeting, error)
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	limit      int
	window     time.Duration
	timestamps []time.Time
	mu         sync.Mutex
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{limit: RateLimitMessages, window: RateLimitWindow}
}

// allow checks if a message sent at now is allowed and records it if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= r.limit {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions Sessions
	meetings Meetings
	files    http.Handler
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	origins  []string
	now      func() time.Time
}

// New creates a new server. files serves signed object downloads and may be nil.
func New(sessions Sessions, meetings Meetings, files http.Handler, gatherer prometheus.Gatherer, m *metrics.Metrics, cfg *config.Config) *Server {
	return &Server{
		sessions: sessions,
		meetings: meetings,
		files:    files,
		gatherer: gatherer,
		metrics:  m,
		origins:  originPatterns(cfg.AllowedOrigins),
		now:      time.Now,
	}
}

// originPatterns reduces configured origins to the host patterns the websocket
// handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws/asr", s.handleASR)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// REST API
	mux.Handle("GET /api/meetings", s.instrument("meetings", s.handleListMeetings))
	mux.Handle("GET /api/meetings/{id}", s.instrument("meeting", s.handleGetMeeting))
	if s.files != nil {
		mux.Handle("/files/", s.instrument("files", s.files.ServeHTTP))
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(route, rec.status)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Active(),
	})
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, apperr.Newf(apperr.CodeInvalidArgument, "invalid limit %q", v))
			return
		}
		limit = min(n, MaxListLimit)
	}
	meetings, err := s.meetings.ListMeetings(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if meetings == nil {
		meetings = []store.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := s.meetings.GetMeeting(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code, msg := apperr.CodeOf(err), err.Error()
	if e := apperr.FromGRPCError(err); e != nil && e.Message != "" {
		msg = e.Message
	}
	if status >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("api request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"code": code.String(), "message": msg})
}
