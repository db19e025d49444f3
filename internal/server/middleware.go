package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter implements a simple token bucket rate limiter per client address
type RateLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
	rateLimit rate.Limit // Requests per second
	burstSize int        // Maximum burst size
}

// NewRateLimiter creates a new rate limiter
// rateLimit: requests per second
// burstSize: maximum number of requests allowed in a burst
func NewRateLimiter(rateLimit rate.Limit, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		burstSize: burstSize,
	}
}

// GetLimiter returns the rate limiter for a given client address
// Creates a new limiter for the address if one doesn't exist
func (rl *RateLimiter) GetLimiter(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[addr]
	if !exists {
		limiter = rate.NewLimiter(rl.rateLimit, rl.burstSize)
		rl.limiters[addr] = limiter
	}

	return limiter
}

// rateLimit limits each client to perMinute requests per minute.
// Only allowed origins get this far, which bounds the limiter map.
func (s *Server) rateLimit(perMinute int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := s.Filter.ClientAddress(r)

			if !limiter.GetLimiter(addr).Allow() {
				s.Logger.Warn("Rate limit exceeded", "addr", addr, "path", r.URL.Path)
				s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireAllowedOrigin refuses requests from outside the allowed ranges
// before anything else about them is looked at.
func (s *Server) requireAllowedOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := s.Filter.Check(r)
		if !ok {
			s.Logger.Warn("Request from disallowed origin",
				"addr", addr,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()))
			s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.Logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		}()

		next.ServeHTTP(ww, r)
	})
}
