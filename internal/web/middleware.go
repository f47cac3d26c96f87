package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/mtzanidakis/swarmd/internal/auth"
)

type tenantKey struct{}

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/v1/") {
			tenant, ok := s.authenticate(w, r)
			if !ok {
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant))
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller's tenant from X-API-Key. Websocket
// clients that cannot set headers may pass api_key as a query parameter.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("X-API-Key")
	if key == "" && r.URL.Path == "/v1/events" {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" {
		jsonError(w, "missing X-API-Key header", http.StatusUnauthorized)
		return "", false
	}

	tenant, err := s.auth.Resolve(r.Context(), key)
	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		jsonError(w, "invalid api key", http.StatusForbidden)
		return "", false
	case err != nil:
		slog.Error("api key lookup failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return "", false
	}
	return tenant, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter keeps one token bucket per client address. The set of tracked
// addresses is bounded; the least recently seen is forgotten first.
type ipLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newIPLimiter(perWindow int, window time.Duration) *ipLimiter {
	if perWindow <= 0 {
		return &ipLimiter{limit: rate.Inf}
	}
	if window <= 0 {
		window = time.Minute
	}
	buckets, _ := lru.New[string, *rate.Limiter](10000)
	return &ipLimiter{
		buckets: buckets,
		limit:   rate.Every(window / time.Duration(perWindow)),
		burst:   perWindow,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets.Get(ip)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(ip, b)
	}
	l.mu.Unlock()
	return b.Allow()
}
