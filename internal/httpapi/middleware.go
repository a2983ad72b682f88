package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/auth"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// Correlation propagates X-Correlation-ID across client and server logs.
// A request without one gets a generated id; the response echoes it back, and
// every log line in the request carries it.
func Correlation(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
			logger := base.With().Str("correlation_id", correlationID).Logger()
			ctx = logger.WithContext(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// requireAuth verifies the request's token and stores the verified claims in
// the context. Failures answer with the coded error so clients can tell an
// expired token from a key mismatch.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := auth.TokenFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		token, err := s.keys.Verify(r.Context(), raw)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := auth.WithToken(r.Context(), token)
		logger := zerolog.Ctx(ctx).With().Str("user_id", token.UserID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
