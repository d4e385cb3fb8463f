package httpx

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// Recorder receives one observation per finished request.
type Recorder interface {
	Request(route string, code int)
}

type statusWriter struct {
	http.ResponseWriter
	code    int
	written int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// Logging tags each request with an ID, puts a request-scoped logger into
// its context and logs the outcome.
func Logging(ctx context.Context, next http.Handler) http.Handler {
	base := log.FromContextOrDiscard(ctx).WithGroup("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := base.With("request_id", id, "method", r.Method, "path", r.URL.Path)
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(log.NewContext(r.Context(), logger)))

		logger.Info("request complete",
			"status", sw.status(),
			"bytes", sw.written,
			"duration", time.Since(start),
		)
	})
}

// Recover turns a handler panic into a 500 instead of a dropped connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.FromContextOrDiscard(r.Context()).Error("recovered from panic",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			if sw.code == 0 {
				WriteError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(sw, r)
	})
}

// Instrument records the matched route pattern and final status code.
func Instrument(rec Recorder, next http.Handler) http.Handler {
	if rec == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		rec.Request(route, sw.status())
	})
}

// Chain applies the standard middleware stack around the routes in mux.
func Chain(ctx context.Context, cors CORS, rec Recorder, mux http.Handler) http.Handler {
	return cors.Wrap(Logging(ctx, Instrument(rec, Recover(mux))))
}
