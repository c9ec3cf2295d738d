// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/agentlens/internal/config"
)

// clientLimiter tracks the token bucket for one client IP.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter applies a per-client-IP request rate limit.
type rateLimiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
	}
}

// allow reports whether a request from the given client IP may proceed.
func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[ip]
	if !ok {
		// rate.Limit is events per second.
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		client = &clientLimiter{limiter: rate.NewLimiter(perSecond, l.cfg.Burst)}
		l.clients[ip] = client
	}
	client.lastSeen = time.Now()

	if len(l.clients) > maxTrackedClients {
		l.pruneLocked()
	}

	return client.limiter.Allow()
}

// maxTrackedClients bounds the per-IP limiter map. Idle entries are
// pruned once the map grows past this size.
const maxTrackedClients = 10000

// pruneLocked drops limiters idle for more than ten minutes. Caller
// must hold l.mu.
func (l *rateLimiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Wrap wraps an http.Handler with rate limiting.
func (l *rateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.Enabled || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address from the request, dropping the
// port when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
