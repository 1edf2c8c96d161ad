package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds requests per client IP. A zero RequestsPerSecond disables it.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AccessControl filters clients by IP or CIDR. Deny rules win; a non-empty
// allow list admits only matching clients.
type AccessControl struct {
	AllowedIPs []string `yaml:"allowed_ips"`
	DeniedIPs  []string `yaml:"denied_ips"`
}

// maxLimiters caps the per-client limiter table before it is reset
const maxLimiters = 10000

// guard enforces access control and per-client rate limits
type guard struct {
	limit  RateLimit
	access AccessControl

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newGuard(limit RateLimit, access AccessControl) *guard {
	return &guard{
		limit:    limit,
		access:   access,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *Server) guardRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if ok, reason := s.guard.admit(clientIP); !ok {
			s.logger.Warn().Str("client_ip", clientIP).Str("path", r.URL.Path).Msg(reason)
			respondError(w, http.StatusForbidden, reason)
			return
		}
		if !s.guard.allow(clientIP) {
			s.logger.Warn().Str("client_ip", clientIP).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *guard) allow(clientIP string) bool {
	if g.limit.RequestsPerSecond <= 0 {
		return true
	}

	g.mu.Lock()
	limiter, exists := g.limiters[clientIP]
	if !exists {
		if len(g.limiters) >= maxLimiters {
			g.limiters = make(map[string]*rate.Limiter)
		}
		burst := g.limit.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.limit.RequestsPerSecond), burst)
		g.limiters[clientIP] = limiter
	}
	g.mu.Unlock()

	return limiter.AllowN(time.Now(), 1)
}

func (g *guard) admit(clientIP string) (bool, string) {
	if len(g.access.AllowedIPs) == 0 && len(g.access.DeniedIPs) == 0 {
		return true, ""
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, "invalid client IP"
	}
	for _, cidr := range g.access.DeniedIPs {
		if matchCIDR(ip, cidr) {
			return false, "access denied by IP filter"
		}
	}
	if len(g.access.AllowedIPs) == 0 {
		return true, ""
	}
	for _, cidr := range g.access.AllowedIPs {
		if matchCIDR(ip, cidr) {
			return true, ""
		}
	}
	return false, "access denied by IP filter"
}

// getClientIP prefers X-Forwarded-For, then X-Real-IP, then the peer address
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchCIDR matches ip against a CIDR range or a single address
func matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		parsed := net.ParseIP(cidr)
		return parsed != nil && ip.Equal(parsed)
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
