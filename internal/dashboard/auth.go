package dashboard

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter tracks failed authentication attempts.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Limited reports whether ip has used up its failed attempts in the window.
func (r *RateLimiter) Limited(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recent(ip, time.Now())) >= r.limit
}

// Fail records one failed attempt for ip.
func (r *RateLimiter) Fail(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.attempts[ip] = append(r.recent(ip, now), now)
}

// Reset clears attempts for an IP (on successful auth).
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// recent drops attempts outside the window; caller holds r.mu.
func (r *RateLimiter) recent(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(r.attempts, ip)
	} else {
		r.attempts[ip] = recent
	}
	return recent
}

// AuthService validates the API token presented by browsers.
type AuthService struct {
	token       string
	rateLimiter *RateLimiter
}

// NewAuthService creates an auth service for token. Five failures per minute
// lock an IP out until the window passes.
func NewAuthService(token string) *AuthService {
	return &AuthService{
		token:       token,
		rateLimiter: NewRateLimiter(5, time.Minute),
	}
}

// ValidateToken checks a presented token in constant time.
func (a *AuthService) ValidateToken(token string) bool {
	if a.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

// TokenFromRequest returns the bearer token, or the token query parameter for
// WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate checks r and updates the rate limiter. It returns the HTTP
// status to reply with when authentication fails, or 0.
func (a *AuthService) Authenticate(r *http.Request) int {
	ip := clientIP(r)
	if a.rateLimiter.Limited(ip) {
		return http.StatusTooManyRequests
	}
	if !a.ValidateToken(TokenFromRequest(r)) {
		a.rateLimiter.Fail(ip)
		return http.StatusUnauthorized
	}
	a.rateLimiter.Reset(ip)
	return 0
}

// clientIP strips the port from RemoteAddr. RealIP middleware has already
// applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
