package server

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// PeerLimiter implements per-peer rate limiting of write requests.
type PeerLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewPeerLimiter returns nil when requestsPerSecond is not positive, which
// disables limiting.
func NewPeerLimiter(requestsPerSecond float64, burst int) *PeerLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return &PeerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether peer may issue one more request now.
func (l *PeerLimiter) Allow(peer string) bool {
	if l == nil {
		return true
	}
	return l.get(peerHost(peer)).Allow()
}

func (l *PeerLimiter) get(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[host] = limiter
	return limiter
}

// peerHost strips the port so reconnecting clients share a bucket.
func peerHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
