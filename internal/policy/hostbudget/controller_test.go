package hostbudget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvester/internal/harvest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return New(cfg, clock), clock
}

func TestController_AdmitWithinBurst(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{RefillPerSecond: 1, Burst: 2})

	require.True(t, c.Admit("example.com").Granted)
	require.True(t, c.Admit("example.com").Granted)

	d := c.Admit("example.com")
	require.False(t, d.Granted)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestController_DenialDoesNotDebitBucket(t *testing.T) {
	t.Parallel()

	c, clock := newTestController(Config{RefillPerSecond: 1, Burst: 1})

	require.True(t, c.Admit("example.com").Granted)

	// Repeated denials must not push the bucket further negative; after a
	// single refill interval exactly one token is available again.
	for i := 0; i < 10; i++ {
		require.False(t, c.Admit("example.com").Granted)
	}
	clock.Advance(time.Second)
	require.True(t, c.Admit("example.com").Granted)
	require.False(t, c.Admit("example.com").Granted)
}

func TestController_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{RefillPerSecond: 1, Burst: 1})

	require.True(t, c.Admit("a.example.com").Granted)
	require.False(t, c.Admit("a.example.com").Granted)
	require.True(t, c.Admit("b.example.com").Granted)
}

func TestController_BackoffDeniesRegardlessOfTokens(t *testing.T) {
	t.Parallel()

	c, clock := newTestController(Config{
		RefillPerSecond: 100,
		Burst:           100,
		BackoffBase:     time.Second,
		BackoffCap:      6,
	})

	c.RecordOutcome("example.com", harvest.FetchHardFail)

	d := c.Admit("example.com")
	require.False(t, d.Granted)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	// Base 1s with exponent 1 plus jitter stays under 5s.
	clock.Advance(5 * time.Second)
	require.True(t, c.Admit("example.com").Granted)
}

func TestController_BackoffGrowsUntilCap(t *testing.T) {
	t.Parallel()

	c, clock := newTestController(Config{
		RefillPerSecond: 100,
		Burst:           100,
		BackoffBase:     time.Second,
		BackoffCap:      3,
	})

	var prev time.Duration
	for i := 0; i < 3; i++ {
		c.RecordOutcome("example.com", harvest.FetchHardFail)
		delay := c.RetryDelay("example.com")
		// Jitter is bounded by half the window, so the un-jittered floor
		// of each step still exceeds the previous ceiling at base*2^n.
		require.GreaterOrEqual(t, delay, time.Duration(float64(time.Second)*float64(int(1)<<(i+1))))
		require.Greater(t, delay, prev)
		prev = delay
	}

	// Beyond the cap the exponent stops growing: the window stays within
	// base*2^cap plus max jitter.
	for i := 0; i < 5; i++ {
		c.RecordOutcome("example.com", harvest.FetchHardFail)
	}
	delay := c.RetryDelay("example.com")
	maxWindow := 8*time.Second + 4*time.Second
	require.LessOrEqual(t, delay, maxWindow)

	clock.Advance(maxWindow)
	require.True(t, c.Admit("example.com").Granted)
}

func TestController_SuccessResetsBackoff(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{
		RefillPerSecond: 100,
		Burst:           100,
		BackoffBase:     time.Second,
		BackoffCap:      6,
	})

	c.RecordOutcome("example.com", harvest.FetchHardFail)
	c.RecordOutcome("example.com", harvest.FetchHardFail)
	require.Equal(t, 2, c.Failures("example.com"))

	c.RecordOutcome("example.com", harvest.FetchSuccess)
	require.Equal(t, 0, c.Failures("example.com"))
	require.Equal(t, time.Duration(0), c.RetryDelay("example.com"))
	require.True(t, c.Admit("example.com").Granted)
}

func TestController_SoftFailLeavesBackoffUntouched(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{
		RefillPerSecond: 100,
		Burst:           100,
		BackoffBase:     time.Second,
		BackoffCap:      6,
	})

	c.RecordOutcome("example.com", harvest.FetchSoftFail)
	require.Equal(t, 0, c.Failures("example.com"))
	require.True(t, c.Admit("example.com").Granted)
}

func TestController_EvictsLeastRecentlyUsedHost(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{
		RefillPerSecond: 1,
		Burst:           1,
		MaxHosts:        2,
	})

	require.True(t, c.Admit("a.example.com").Granted)
	require.True(t, c.Admit("b.example.com").Granted)
	require.True(t, c.Admit("c.example.com").Granted)

	// a was evicted: its fresh entry has a full bucket again.
	require.True(t, c.Admit("a.example.com").Granted)
}

func TestController_EvictionSparesHostsInBackoff(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{
		RefillPerSecond: 1,
		Burst:           1,
		BackoffBase:     time.Minute,
		BackoffCap:      4,
		MaxHosts:        2,
	})

	require.True(t, c.Admit("a.example.com").Granted)
	c.RecordOutcome("a.example.com", harvest.FetchHardFail)
	require.True(t, c.Admit("b.example.com").Granted)

	// Churn past the cap. a is the LRU-oldest but sits in backoff, so b
	// must go instead and a's penalty survives.
	require.True(t, c.Admit("c.example.com").Granted)

	require.False(t, c.Admit("a.example.com").Granted)
	require.Greater(t, c.RetryDelay("a.example.com"), time.Duration(0))
	require.Equal(t, 1, c.Failures("a.example.com"))
}

func TestController_HostNormalization(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(Config{RefillPerSecond: 1, Burst: 1})

	require.True(t, c.Admit("Example.COM").Granted)
	require.False(t, c.Admit("example.com").Granted)
}
