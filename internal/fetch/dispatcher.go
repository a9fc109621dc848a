package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"harvester/internal/harvest"
	"harvester/internal/policy/hostbudget"
	"harvester/internal/session"
	"harvester/internal/telemetry"
)

// AdmissionDenied tells the caller to re-queue the target after the
// indicated delay rather than spinning.
type AdmissionDenied struct {
	RetryAfter time.Duration
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied, retry after %s", e.RetryAfter)
}

// Config controls per-attempt behavior.
type Config struct {
	FetchTimeout   time.Duration
	AcquireTimeout time.Duration
}

// Dispatcher selects the strategy for each attempt, executes it under the
// budget controller's admission decision, and classifies the outcome.
type Dispatcher struct {
	budgets     *hostbudget.Controller
	httpFetcher harvest.Fetcher
	pool        *session.Pool
	identities  harvest.IdentityProvider
	detector    *BlockDetector
	cfg         Config
	logger      *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(
	budgets *hostbudget.Controller,
	httpFetcher harvest.Fetcher,
	pool *session.Pool,
	identities harvest.IdentityProvider,
	detector *BlockDetector,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		budgets:     budgets,
		httpFetcher: httpFetcher,
		pool:        pool,
		identities:  identities,
		detector:    detector,
		cfg:         cfg,
		logger:      logger,
	}
}

// Fetch executes one attempt for the target. Admission is checked first,
// every time, retries included; a denial is returned without consuming an
// attempt. The budget controller hears the classification before Fetch
// returns.
func (d *Dispatcher) Fetch(ctx context.Context, target *harvest.Target) (harvest.FetchResult, error) {
	decision := d.budgets.Admit(target.Host)
	if !decision.Granted {
		return harvest.FetchResult{}, &AdmissionDenied{RetryAfter: decision.RetryAfter}
	}

	target.AttemptCount++

	strategy := effectiveStrategy(target)
	var result harvest.FetchResult
	switch strategy {
	case harvest.StrategyBrowser:
		result = d.fetchBrowser(ctx, target)
	default:
		result = d.fetchHTTP(ctx, target)
	}
	result.Target = target
	result.Strategy = strategy

	d.budgets.RecordOutcome(target.Host, budgetOutcome(result))
	telemetry.ObserveFetch(target.Host, string(strategy), string(result.Status), result.Latency)
	return result, nil
}

// RetryDelay reports the current backoff window for the target's host so
// the orchestrator can schedule a re-queue instead of polling.
func (d *Dispatcher) RetryDelay(target *harvest.Target) time.Duration {
	return d.budgets.RetryDelay(target.Host)
}

// effectiveStrategy resolves the target's hint: explicit hints win, and
// auto starts on the cheap HTTP path until a block escalates it.
func effectiveStrategy(target *harvest.Target) harvest.Strategy {
	if target.Strategy == harvest.StrategyBrowser {
		return harvest.StrategyBrowser
	}
	return harvest.StrategyHTTP
}

// budgetOutcome maps a classified result onto the backoff state machine.
// Block signatures always count as hard against the host, regardless of
// which path saw them.
func budgetOutcome(result harvest.FetchResult) harvest.FetchStatus {
	if harvest.IsBlock(result.Err) {
		return harvest.FetchHardFail
	}
	return result.Status
}

func (d *Dispatcher) fetchHTTP(ctx context.Context, target *harvest.Target) harvest.FetchResult {
	start := time.Now()
	resp, err := d.httpFetcher.Fetch(ctx, harvest.FetchRequest{
		URL:      target.URL,
		Identity: d.identities.Next(),
		Timeout:  d.cfg.FetchTimeout,
	})
	latency := time.Since(start)
	if err != nil {
		return harvest.FetchResult{
			Status:  harvest.FetchSoftFail,
			Latency: latency,
			Err:     &harvest.TransportError{Err: err},
		}
	}

	if block := d.detector.Detect(resp.StatusCode, resp.Body); block != nil {
		// Sticky escalation: the rest of this target's lifetime pays
		// for the browser up front instead of re-failing the cheap path.
		target.Strategy = harvest.StrategyBrowser
		d.logger.Info("block signature on http path, escalating target",
			zap.String("url", target.URL),
			zap.String("signature", block.Signature),
		)
		return harvest.FetchResult{
			Status:     harvest.FetchHardFail,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        block,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return harvest.FetchResult{
			Status:     harvest.FetchSoftFail,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        &harvest.TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)},
		}
	}

	return harvest.FetchResult{
		Status:     harvest.FetchSuccess,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		FinalURL:   resp.URL,
		Latency:    latency,
	}
}

func (d *Dispatcher) fetchBrowser(ctx context.Context, target *harvest.Target) harvest.FetchResult {
	start := time.Now()
	sess, err := d.pool.Acquire(ctx, d.cfg.AcquireTimeout)
	if err != nil {
		return harvest.FetchResult{
			Status:  harvest.FetchSoftFail,
			Latency: time.Since(start),
			Err:     fmt.Errorf("acquire session: %w", err),
		}
	}
	d.pool.MarkInUse(sess)

	navCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	resp, err := sess.Browser().Navigate(navCtx, target.URL)
	latency := time.Since(start)
	if err != nil {
		// Timeout or cancellation leaves the page in an unknown state;
		// quarantine rather than risk a poisoned session.
		d.pool.Quarantine(sess)
		return harvest.FetchResult{
			Status:  harvest.FetchSoftFail,
			Latency: latency,
			Err:     &harvest.TransportError{Err: err},
		}
	}

	if block := d.detector.Detect(resp.StatusCode, resp.Body); block != nil {
		// The session is assumed compromised, not the target.
		d.logger.Warn("block signature on browser path, quarantining session",
			zap.String("url", target.URL),
			zap.String("session_id", sess.ID()),
			zap.String("signature", block.Signature),
		)
		d.pool.Quarantine(sess)
		return harvest.FetchResult{
			Status:     harvest.FetchSoftFail,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        block,
		}
	}

	d.pool.Release(sess, harvest.ReleaseHealthy)
	return harvest.FetchResult{
		Status:     harvest.FetchSuccess,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		FinalURL:   resp.URL,
		Latency:    latency,
	}
}
