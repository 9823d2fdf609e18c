// Package ratelimit provides per-caller request limiting for the
// highest-volume pipeline entry points.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerWindow is the number of requests allowed per caller per window.
	RequestsPerWindow int

	// Window is the fixed window length.
	Window time.Duration

	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 10,
		Window:            time.Hour,
		Enabled:           true,
	}
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter implements fixed-window rate limiting keyed by caller id. Windows
// reset lazily on the first check after expiry; no background timers run.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	callers map[string]*window
	now     func() time.Time
}

// NewLimiter creates a limiter from config.
func NewLimiter(config Config) *Limiter {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = 10
	}
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &Limiter{
		config:  config,
		callers: make(map[string]*window),
		now:     time.Now,
	}
}

// SetNow overrides the clock for tests.
func (l *Limiter) SetNow(now func() time.Time) {
	if now == nil {
		return
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow checks whether callerID may make a request and counts it if so.
func (l *Limiter) Allow(callerID string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.callers[callerID]
	if !ok || now.After(w.resetAt) {
		l.callers[callerID] = &window{count: 1, resetAt: now.Add(l.config.Window)}
		return true
	}
	if w.count >= l.config.RequestsPerWindow {
		return false
	}
	w.count++
	return true
}

// Remaining reports how many requests callerID has left in the current window.
func (l *Limiter) Remaining(callerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.callers[callerID]
	if !ok || l.now().After(w.resetAt) {
		return l.config.RequestsPerWindow
	}
	left := l.config.RequestsPerWindow - w.count
	if left < 0 {
		return 0
	}
	return left
}

// Prune drops expired windows. Callers may invoke it opportunistically; the
// limiter stays correct without it.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.callers {
		if now.After(w.resetAt) {
			delete(l.callers, id)
		}
	}
}
