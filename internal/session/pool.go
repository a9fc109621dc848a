package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvester/internal/harvest"
	"harvester/internal/telemetry"
)

// probeRetryBound is how many stale sessions the pool will probe-and-retire
// within one acquire before giving up with ErrPoolDegraded.
const probeRetryBound = 3

// Config bounds the pool.
type Config struct {
	// MaxSessions is the hard bound on concurrently alive sessions.
	MaxSessions int
	// MaxUses retires a session after this many healthy releases.
	MaxUses int
	// StaleAfter triggers a liveness probe on sessions idle longer than
	// this before they are handed out.
	StaleAfter time.Duration
	// BrowserVersion is passed to the driver resolver.
	BrowserVersion string
	// CloseTimeout bounds browser teardown on retirement.
	CloseTimeout time.Duration
}

// Pool owns sessions. Free sessions travel through the idle channel and
// creation capacity through the permits channel, so leasing is
// single-owner by construction.
type Pool struct {
	cfg        Config
	resolver   harvest.DriverResolver
	launcher   harvest.BrowserLauncher
	identities harvest.IdentityProvider
	ids        harvest.IDGenerator
	clock      harvest.Clock
	logger     *zap.Logger

	idle    chan *Session
	permits chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// New builds a Pool. No sessions are created until the first acquire.
func New(
	cfg Config,
	resolver harvest.DriverResolver,
	launcher harvest.BrowserLauncher,
	identities harvest.IdentityProvider,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) (*Pool, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0")
	}
	if cfg.MaxUses <= 0 {
		return nil, fmt.Errorf("max uses must be > 0")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	permits := make(chan struct{}, cfg.MaxSessions)
	for i := 0; i < cfg.MaxSessions; i++ {
		permits <- struct{}{}
	}
	return &Pool{
		cfg:        cfg,
		resolver:   resolver,
		launcher:   launcher,
		identities: identities,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		idle:       make(chan *Session, cfg.MaxSessions),
		permits:    permits,
	}, nil
}

// Acquire leases a session, blocking cooperatively until one is idle, the
// pool has capacity to create one, or the timeout elapses. Timeout yields
// ErrPoolExhausted; repeated probe/creation failures yield ErrPoolDegraded
// or a SessionCreateError.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	if p.isClosed() {
		return nil, harvest.ErrPoolClosed
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	probeFailures := 0
	for {
		select {
		case s := <-p.idle:
			ok, err := p.vetIdle(ctx, s)
			if err != nil {
				return nil, err
			}
			if !ok {
				probeFailures++
				if probeFailures >= probeRetryBound {
					return nil, harvest.ErrPoolDegraded
				}
				continue
			}
			return s, nil
		case <-p.permits:
			s, err := p.create(ctx)
			if err != nil {
				p.permits <- struct{}{}
				return nil, err
			}
			return s, nil
		case <-deadline.C:
			return nil, harvest.ErrPoolExhausted
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session: %w", ctx.Err())
		}
	}
}

// vetIdle leases s, probing it first when it has sat idle past the
// staleness threshold. A failed probe retires the session.
func (p *Pool) vetIdle(ctx context.Context, s *Session) (bool, error) {
	if p.cfg.StaleAfter > 0 && s.idleFor(p.clock.Now()) > p.cfg.StaleAfter {
		if err := s.browser.Probe(ctx); err != nil {
			p.logger.Warn("stale session failed probe, retiring",
				zap.String("session_id", s.id),
				zap.Error(err),
			)
			p.retire(s, "probe_failed")
			if ctx.Err() != nil {
				return false, fmt.Errorf("probe session: %w", ctx.Err())
			}
			return false, nil
		}
	}
	if !s.transition(harvest.SessionLeased) {
		// Should be unreachable: only live idle sessions enter the
		// free list. Retire defensively rather than double-lease.
		p.retire(s, "bad_state")
		return false, nil
	}
	return true, nil
}

// create consumes a driver resolution and an identity to start a browser.
// Failures are surfaced, not retried here; retry policy lives upstream.
func (p *Pool) create(ctx context.Context) (*Session, error) {
	binary, err := p.resolver.Resolve(ctx, p.cfg.BrowserVersion)
	if err != nil {
		return nil, &harvest.SessionCreateError{Err: fmt.Errorf("resolve driver: %w", err)}
	}
	identity := p.identities.Next()
	browser, err := p.launcher.Launch(ctx, binary, identity)
	if err != nil {
		return nil, &harvest.SessionCreateError{Err: fmt.Errorf("launch browser: %w", err)}
	}
	id, err := p.ids.NewID()
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
		defer cancel()
		_ = browser.Close(closeCtx)
		return nil, &harvest.SessionCreateError{Err: fmt.Errorf("session id: %w", err)}
	}

	s := &Session{
		id:        id,
		identity:  identity,
		browser:   browser,
		state:     harvest.SessionLeased,
		createdAt: p.clock.Now(),
	}
	telemetry.IncSessions()
	p.logger.Debug("session created",
		zap.String("session_id", s.id),
		zap.String("user_agent", identity.UserAgent),
	)
	return s, nil
}

// MarkInUse moves a leased session into the in-use state for the duration
// of a navigation.
func (p *Pool) MarkInUse(s *Session) {
	s.transition(harvest.SessionInUse)
}

// Release returns a session after a fetch. Healthy releases count a use
// and retire the session once it reaches MaxUses, bounding memory growth
// and refreshing fingerprints; quarantine retires immediately.
func (p *Pool) Release(s *Session, outcome harvest.ReleaseOutcome) {
	if s == nil {
		return
	}
	if outcome == harvest.ReleaseQuarantine {
		s.transition(harvest.SessionQuarantined)
		p.retire(s, "quarantined")
		return
	}
	if s.incrementUse() >= p.cfg.MaxUses {
		p.retire(s, "max_uses")
		return
	}
	if p.isClosed() {
		p.retire(s, "pool_closed")
		return
	}
	s.markIdle(p.clock.Now())
	select {
	case p.idle <- s:
	default:
		// Free list full means the pool shrank underneath us; retire.
		p.retire(s, "surplus")
	}
}

// Quarantine retires a session suspected of being fingerprinted or blocked.
func (p *Pool) Quarantine(s *Session) {
	p.Release(s, harvest.ReleaseQuarantine)
}

// retire closes the browser process and returns the permit. A retired
// session never re-enters the free list.
func (p *Pool) retire(s *Session, cause string) {
	if !s.transition(harvest.SessionRetired) {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
	defer cancel()
	if err := s.browser.Close(closeCtx); err != nil {
		p.logger.Warn("browser close failed",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
	}
	telemetry.DecSessions()
	telemetry.ObserveSessionRetired(cause)
	p.logger.Debug("session retired",
		zap.String("session_id", s.id),
		zap.String("cause", cause),
		zap.Int("use_count", s.UseCount()),
	)
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

// Close retires every idle session and marks the pool closed. Sessions
// currently leased are retired when their holders release them.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	for {
		select {
		case s := <-p.idle:
			p.retire(s, "pool_closed")
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}
