package trace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Middleware continues the caller's trace, or starts one, and echoes the trace id
// back in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := Extract(r.Header)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// Extract builds a server-side span from incoming headers. A valid traceparent wins
// over the x-trace-id pair.
func Extract(h http.Header) Context {
	traceID, parent, ok := parseTraceParent(h.Get(TraceParentKey))
	if !ok {
		traceID, parent = h.Get(TraceIDKey), h.Get(SpanIDKey)
	}
	if traceID == "" {
		return New()
	}
	return Context{TraceID: traceID, SpanID: generateSpanID(), ParentSpanID: parent}
}

// Inject writes ctx's trace identifiers onto an outgoing request.
func Inject(ctx context.Context, h http.Header) {
	tc, ok := FromContext(ctx)
	if !ok {
		return
	}
	h.Set(TraceIDKey, tc.TraceID)
	h.Set(SpanIDKey, tc.SpanID)
	if len(tc.TraceID) == 32 && len(tc.SpanID) == 16 {
		h.Set(TraceParentKey, fmt.Sprintf("00-%s-%s-01", tc.TraceID, tc.SpanID))
	}
}

// parseTraceParent reads "version-traceid-spanid-flags".
func parseTraceParent(v string) (traceID, spanID string, ok bool) {
	parts := strings.Split(v, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return "", "", false
	}
	if strings.Trim(parts[1], "0") == "" || strings.Trim(parts[2], "0") == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
