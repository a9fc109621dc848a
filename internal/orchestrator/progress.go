package orchestrator

import (
	"sync/atomic"
	"time"
)

// Progress is the lock-free liveness signal read by the health endpoint.
// Writers are the work loop; readers never block it.
type Progress struct {
	lastSuccess  atomic.Int64
	lastActivity atomic.Int64
	inFlight     atomic.Int64
}

func (p *Progress) markSuccess(now time.Time) {
	p.lastSuccess.Store(now.UnixNano())
	p.lastActivity.Store(now.UnixNano())
}

func (p *Progress) markActivity(now time.Time) {
	p.lastActivity.Store(now.UnixNano())
}

// LastSuccess returns the time of the last successful fetch, zero if none.
func (p *Progress) LastSuccess() time.Time {
	return nanosToTime(p.lastSuccess.Load())
}

// LastActivity returns the time of the last processed attempt, zero if none.
func (p *Progress) LastActivity() time.Time {
	return nanosToTime(p.lastActivity.Load())
}

// InFlight returns the number of targets currently being processed.
func (p *Progress) InFlight() int {
	return int(p.inFlight.Load())
}

func nanosToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
