package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandwichcloud/deli-counter/pkg/async"
	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

const recordTimeout = 5 * time.Second

// Middleware records mutating requests after the handler responds. The write
// happens off the request goroutine so a slow audit insert never delays the
// response.
type Middleware struct {
	store  *Store
	logger *observability.Logger
}

// NewMiddleware creates the audit middleware
func NewMiddleware(store *Store, logger *observability.Logger) *Middleware {
	return &Middleware{store: store, logger: logger}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler wraps next with audit recording
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		ctx, principal := contextkeys.WithPrincipalHolder(r.Context())
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		event := &Event{
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			RequestID: contextkeys.GetRequestID(r.Context()),
			SourceIP:  sourceIP(r),
			Driver:    principal.Driver,
		}
		event.UserID = parseOptionalUUID(principal.UserID)
		event.ServiceAccountID = parseOptionalUUID(principal.ServiceAccountID)
		event.ProjectID = parseOptionalUUID(principal.ProjectID)

		async.SafeGo(r.Context(), recordTimeout, "audit record", m.logger,
			func(ctx context.Context) error {
				return m.store.Record(ctx, event)
			})
	})
}

func parseOptionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// sourceIP prefers the first X-Forwarded-For hop, matching the rate limiter
func sourceIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
