package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drplane/drplane/pkg/engine"
)

// RequestRecorder records per-route request metrics.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, code int, duration time.Duration)
}

// RequestTracer starts one server span per request.
type RequestTracer interface {
	StartRequestSpan(ctx context.Context, method, route string) (context.Context, trace.Span)
}

// statusWriter captures the response code. It forwards Hijack so the
// WebSocket route can be instrumented too.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// instrument wraps one route with tracing, metrics, panic recovery and an
// access log line.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if s.tracer != nil {
			ctx, span = s.tracer.StartRequestSpan(ctx, r.Method, route)
			defer span.End()
		}

		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("route", route).
					Msg("Handler panicked")
				if sw.status == 0 {
					writeJSON(sw, http.StatusInternalServerError,
						ErrorResponse{Error: engine.ErrCodeInternal, Message: "internal server error"})
				}
			}

			code := sw.code()
			elapsed := time.Since(start)
			if s.recorder != nil {
				s.recorder.RecordHTTPRequest(r.Method, route, code, elapsed)
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			s.logger.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", code).
				Dur("duration", elapsed).
				Msg("Request handled")
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// authenticated rejects requests without a valid bearer token and stores
// the caller identity in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeUnauthorized(w, "authentication not configured")
			return
		}
		identity, err := s.auth.IdentityFromRequest(r)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		if identity == nil {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *identity)))
	})
}
