package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter hands out one token bucket per host.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rate, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}
