package gate

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per client key. Entries idle for ten
// minutes are dropped.
type Throttle struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	cleanup  *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewThrottle allows perMinute requests per client, with bursts of the same
// size. Non-positive values disable throttling.
func NewThrottle(perMinute int) *Throttle {
	t := &Throttle{
		perMinute: perMinute,
		limiters:  make(map[string]*limiterEntry),
		done:      make(chan struct{}),
	}
	if perMinute > 0 {
		t.cleanup = time.NewTicker(cleanupInterval)
		go t.cleanupOldEntries()
	}
	return t
}

// Stop ends the cleanup goroutine.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup.Stop()
		}
		close(t.done)
	})
}

// Allow consumes a token for key.
func (t *Throttle) Allow(key string) bool {
	if t.perMinute <= 0 {
		return true
	}
	return t.limiter(key).Allow()
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[key]
	if !ok {
		interval := time.Minute / time.Duration(t.perMinute)
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(interval), t.perMinute)}
		t.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (t *Throttle) cleanupOldEntries() {
	for {
		select {
		case <-t.done:
			return
		case now := <-t.cleanup.C:
			t.mu.Lock()
			for key, entry := range t.limiters {
				if now.Sub(entry.lastSeen) > limiterIdleTTL {
					delete(t.limiters, key)
				}
			}
			t.mu.Unlock()
		}
	}
}

// ClientIP returns the caller address, preferring the first
// X-Forwarded-For hop, then X-Real-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
