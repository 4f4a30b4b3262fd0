package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// perDeviceLimiter hands out a token-bucket rate.Limiter per device id,
// grounded on the teacher's RateLimitedReader/Writer token-bucket idiom but
// counting requests rather than bytes: one bucket per device, refilling at
// a configured per-minute rate with a burst equal to that same rate (a full
// minute's allowance can be spent in one burst, matching spec §5's
// "per-device per-minute cap" framing).
type perDeviceLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	perMinute   int
}

func newPerDeviceLimiter(perMinute int) *perDeviceLimiter {
	return &perDeviceLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
	}
}

// Allow reports whether deviceID may perform one more action under its
// per-minute cap, consuming a token if so.
func (l *perDeviceLimiter) Allow(deviceID string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[deviceID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.limiters[deviceID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
