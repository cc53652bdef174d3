// Package trace carries trace and session identifiers through context.Context and
// exposes a logger that stamps them on every record.
package trace

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header keys for HTTP and WebSocket propagation. TraceParentKey carries the W3C form.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
	TraceParentKey  = "traceparent"
)

type scopeKey struct{}

// scope is everything this package keeps in a context.Context.
type scope struct {
	trace   Context
	traced  bool
	session Session
}

func scopeOf(ctx context.Context) scope {
	sc, _ := ctx.Value(scopeKey{}).(scope)
	return sc
}

func (sc scope) into(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Session identifies the live session and its persisted meeting.
type Session struct {
	SessionID string
	MeetingID string
}

// New starts a fresh trace.
func New() Context {
	return Context{TraceID: generateTraceID(), SpanID: generateSpanID()}
}

// NewChild continues parent's trace under a new span.
func NewChild(parent Context) Context {
	return Context{TraceID: parent.TraceID, SpanID: generateSpanID(), ParentSpanID: parent.SpanID}
}

// FromContext returns the trace stored in ctx.
func FromContext(ctx context.Context) (Context, bool) {
	sc := scopeOf(ctx)
	return sc.trace, sc.traced
}

// WithContext stores tc in ctx, keeping any session identifiers.
func WithContext(ctx context.Context, tc Context) context.Context {
	sc := scopeOf(ctx)
	sc.trace, sc.traced = tc, true
	return sc.into(ctx)
}

// EnsureContext returns the trace already in ctx or starts one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// WithSession attaches session identifiers. Empty fields keep any value already present.
func WithSession(ctx context.Context, s Session) context.Context {
	sc := scopeOf(ctx)
	if s.SessionID != "" {
		sc.session.SessionID = s.SessionID
	}
	if s.MeetingID != "" {
		sc.session.MeetingID = s.MeetingID
	}
	return sc.into(ctx)
}

// SessionFrom returns the session identifiers stored in ctx.
func SessionFrom(ctx context.Context) (Session, bool) {
	s := scopeOf(ctx).session
	return s, s != Session{}
}

// Detach returns a background context that keeps ctx's trace and session values
// but none of its cancellation.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// generateTraceID returns 32 hex characters.
func generateTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// generateSpanID returns 16 hex characters.
func generateSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[8:])
}

// LogAttrs returns the identifiers as log attributes.
func (c Context) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("trace_id", c.TraceID),
		slog.String("span_id", c.SpanID),
	}
	if c.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parent_span_id", c.ParentSpanID))
	}
	return attrs
}

// LogAttrs returns the non-empty identifiers as log attributes.
func (s Session) LogAttrs() []slog.Attr {
	var attrs []slog.Attr
	if s.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", s.SessionID))
	}
	if s.MeetingID != "" {
		attrs = append(attrs, slog.String("meeting_id", s.MeetingID))
	}
	return attrs
}

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
	log   *slog.Logger
}

// StartSpan begins a new span.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	tc := NewChild(parent)
	if parent.TraceID == "" {
		tc = New()
	}
	ctx = WithContext(ctx, tc)

	s := &Span{
		Name:      name,
		Ctx:       tc,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
		log:       Logger(ctx),
	}
	return ctx, s
}

// End marks the span as complete and logs it at debug level.
func (s *Span) End() {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.mu.Unlock()
	s.log.Debug("span finished", "span", s)
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	s.attrs[key] = val
	s.mu.Unlock()
}

// Attr returns a span attribute.
func (s *Span) Attr(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[key]
}

// Duration returns span duration.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	d := s.Duration()
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := []slog.Attr{
		slog.String("span_name", s.Name),
		slog.Duration("duration", d),
	}
	for k, v := range s.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger stamped with ctx's trace and session.
func Logger(ctx context.Context) *slog.Logger {
	sc := scopeOf(ctx)
	var attrs []slog.Attr
	if sc.traced {
		attrs = sc.trace.LogAttrs()
	}
	attrs = append(attrs, sc.session.LogAttrs()...)
	if len(attrs) == 0 {
		return slog.Default()
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return slog.Default().With(args...)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}
