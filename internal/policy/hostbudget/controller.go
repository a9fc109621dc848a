// Package hostbudget implements per-host admission control: a token bucket
// per host plus a capped exponential backoff state machine. It is the sole
// authority on whether a host may be contacted right now.
package hostbudget

import (
	"container/list"
	"crypto/rand"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harvester/internal/harvest"
	"harvester/internal/telemetry"
)

// Config tunes bucket refill and backoff growth.
type Config struct {
	// RefillPerSecond is the steady-state token refill rate per host.
	RefillPerSecond float64
	// Burst is the bucket size per host.
	Burst int
	// BackoffBase is the first backoff step after a hard failure.
	BackoffBase time.Duration
	// BackoffCap bounds the exponent: base * 2^min(failures, cap).
	BackoffCap int
	// MaxHosts caps the budget table; least-recently-used hosts are
	// evicted beyond it.
	MaxHosts int
}

// Decision is the result of an admission request.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

type entry struct {
	host         string
	limiter      *rate.Limiter
	backoffUntil time.Time
	failures     int
	lruElem      *list.Element
}

// Controller tracks one budget entry per host. Entries are created lazily
// on first admission and evicted LRU beyond MaxHosts.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	cfg     Config
	clock   harvest.Clock
}

// New builds a Controller.
func New(cfg Config, clock harvest.Clock) *Controller {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = 4096
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Controller{
		entries: make(map[string]*entry),
		lru:     list.New(),
		cfg:     cfg,
		clock:   clock,
	}
}

// Admit consumes one token for host if available. While the host is in
// backoff it denies unconditionally, independent of token availability.
// A denial carries the duration after which a retry may succeed.
func (c *Controller) Admit(host string) Decision {
	host = normalizeHost(host)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touch(host, now)

	if now.Before(e.backoffUntil) {
		telemetry.ObserveAdmissionDenied(host, "backoff")
		return Decision{RetryAfter: e.backoffUntil.Sub(now)}
	}

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		telemetry.ObserveAdmissionDenied(host, "tokens")
		return Decision{RetryAfter: time.Second}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		// Cancel so the reservation does not debit the bucket; the
		// caller re-queues instead of holding a future slot.
		res.CancelAt(now)
		telemetry.ObserveAdmissionDenied(host, "tokens")
		return Decision{RetryAfter: delay}
	}
	return Decision{Granted: true}
}

// RecordOutcome feeds a classification back into the backoff state machine.
// Hard failures grow the backoff window exponentially with jitter; success
// resets it. Soft failures leave backoff untouched, the token bucket alone
// paces them.
func (c *Controller) RecordOutcome(host string, status harvest.FetchStatus) {
	host = normalizeHost(host)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touch(host, now)

	switch status {
	case harvest.FetchSuccess:
		e.failures = 0
		e.backoffUntil = time.Time{}
	case harvest.FetchHardFail:
		e.failures++
		exponent := e.failures
		if exponent > c.cfg.BackoffCap {
			exponent = c.cfg.BackoffCap
		}
		backoff := time.Duration(float64(c.cfg.BackoffBase) * math.Pow(2, float64(exponent)))
		backoff += randomJitter(backoff / 2)
		e.backoffUntil = now.Add(backoff)
	case harvest.FetchSoftFail:
	}
}

// RetryDelay reports how long the host remains in backoff, zero when it is
// admissible again. Used to schedule re-queues without spinning.
func (c *Controller) RetryDelay(host string) time.Duration {
	host = normalizeHost(host)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[host]
	if !ok || !now.Before(e.backoffUntil) {
		return 0
	}
	return e.backoffUntil.Sub(now)
}

// Failures returns the consecutive hard-failure count for host.
func (c *Controller) Failures(host string) int {
	host = normalizeHost(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[host]; ok {
		return e.failures
	}
	return 0
}

// touch returns the entry for host, creating it lazily and bumping it to
// the front of the LRU. Caller holds the lock.
func (c *Controller) touch(host string, now time.Time) *entry {
	if e, ok := c.entries[host]; ok {
		c.lru.MoveToFront(e.lruElem)
		return e
	}
	e := &entry{
		host:    host,
		limiter: rate.NewLimiter(rate.Limit(c.cfg.RefillPerSecond), c.cfg.Burst),
	}
	e.lruElem = c.lru.PushFront(e)
	c.entries[host] = e
	c.evictLocked(now)
	return e
}

// evictLocked drops least-recently-used entries past the cap. Hosts still
// inside a backoff window are never evicted; forgetting one would admit it
// again with a fresh bucket. Caller holds the lock.
func (c *Controller) evictLocked(now time.Time) {
	for len(c.entries) > c.cfg.MaxHosts {
		victim := (*list.Element)(nil)
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			if e := elem.Value.(*entry); !now.Before(e.backoffUntil) {
				victim = elem
				break
			}
		}
		if victim == nil {
			return
		}
		evicted := victim.Value.(*entry)
		c.lru.Remove(victim)
		delete(c.entries, evicted.host)
	}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
