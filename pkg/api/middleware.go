package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ainp-labs/broker/pkg/identity"
)

type ctxKey int

const didKey ctxKey = iota

// DIDFromContext returns the authenticated caller DID, empty when the
// request went through an unauthenticated route.
func DIDFromContext(ctx context.Context) string {
	did, _ := ctx.Value(didKey).(string)
	return did
}

func withDID(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, didKey, did)
}

// Authenticator resolves the caller DID from a request.
type Authenticator struct {
	// Tokens verifies Bearer JWTs; nil disables token auth.
	Tokens *identity.TokenSigner
	// AllowDIDHeader accepts a bare X-AINP-DID header, for SDK-less
	// callers in dev and test profiles.
	AllowDIDHeader bool
}

// Resolve returns the caller DID or empty when no credential is present
// or it does not verify.
func (a *Authenticator) Resolve(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && a.Tokens != nil {
		did, err := a.Tokens.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err == nil {
			return did
		}
		return ""
	}
	if a.AllowDIDHeader {
		return r.Header.Get("X-AINP-DID")
	}
	return ""
}

// Middleware stores the caller DID in the context. It does not reject;
// RequireAuth does that for the routes that need it.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if did := a.Resolve(r); did != "" {
			r = r.WithContext(withDID(r.Context(), did))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without an authenticated DID.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if DIDFromContext(r.Context()) == "" {
			WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestID assigns X-Request-ID when the caller did not send one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// Recover converts panics into logged 500s.
func Recover(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
					WriteError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// IPRateLimiter is the edge per-IP limiter in front of the per-DID guard
// window. Entries idle past three minutes are dropped by a background
// sweep.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(rps, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *IPRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *IPRateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.allow(ip) {
			retryAfterHeader(w, time.Second)
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
