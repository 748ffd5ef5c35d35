package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/metrics"
)

type contextKey int

const (
	ownerKey contextKey = iota
	requestIDKey
)

// Owner returns the request's authenticated owner.
func Owner(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey).(string)
	return v
}

// RequestID returns the request's correlation ID.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestID accepts a client-supplied X-Request-Id or generates one,
// and echoes it back on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth authenticates the shared API key (constant-time compare) and
// resolves the request owner. In anonymous mode (dev only) the owner comes
// from the X-Bay-Owner header.
func withAuth(sec config.SecurityConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := sec.DefaultOwner

		if sec.AllowAnonymous {
			if h := r.Header.Get("X-Bay-Owner"); h != "" {
				owner = h
			}
		} else {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				writeError(w, r, bayerr.Unauthorized("missing bearer token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(sec.APIKey)) != 1 {
				writeError(w, r, bayerr.Unauthorized("invalid api key"))
				return
			}
		}

		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withObservability logs each request and feeds the request metrics.
func withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(started)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		logger := log.WithRequestID(RequestID(r.Context()))
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", elapsed).
			Msg("request")
	})
}
