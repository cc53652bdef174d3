package storage

import (
	"net/http"
	"strings"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Handler serves GET /files/{key}?expires=&sig= for signed URLs.
func (l *Local) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/files/")
		q := r.URL.Query()
		if err := l.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
			trace.Logger(r.Context()).Warn("rejected object download", "key", key, "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		f, err := l.Open(key)
		if err != nil {
			code := apperr.HTTPStatus(err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}
		if strings.HasSuffix(key, ".wav") {
			w.Header().Set("Content-Type", "audio/wav")
		}
		http.ServeContent(w, r, key, st.ModTime(), f)
	})
}
