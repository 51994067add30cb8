package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/telemetry"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// UserIDFromContext returns the authenticated caller, or "" when none.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUserID attaches an authenticated user id to ctx.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseUserToken verifies an HS256 token and returns its subject.
func parseUserToken(secret []byte, raw string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// SignUserToken issues an HS256 token for userID. A zero ttl means no expiry.
func SignUserToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, s.log, fmt.Errorf("%w: missing bearer token", jobs.ErrUnauthenticated))
			return
		}
		userID, err := parseUserToken(s.jwtSecret, raw)
		if err != nil {
			s.log.Debug().Err(err).Msg("rejecting token")
			writeError(w, s.log, fmt.Errorf("%w: invalid token", jobs.ErrUnauthenticated))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
	})
}

// internalOnly guards scheduler and worker triggers. With no token
// configured every request is refused.
func (s *Server) internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Token")
		if got == "" {
			got = bearerToken(r)
		}
		if s.internalToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.internalToken)) != 1 {
			writeError(w, s.log, fmt.Errorf("%w: internal token required", jobs.ErrUnauthenticated))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow consumes a rate-limit token for userID.
func (s *Server) allow(r *http.Request, userID string) error {
	d, err := s.limiter.Allow(r.Context(), userID)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		return fmt.Errorf("%w: retry after %s", errRateLimited, d.RetryAfter.Round(time.Millisecond))
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Int("status", statusOf(ww)).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		telemetry.APIRequestDuration.
			WithLabelValues(routePattern(r), r.Method, strconv.Itoa(statusOf(ww))).
			Observe(time.Since(start).Seconds())
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// routePattern keeps metric labels bounded by using the matched chi route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
