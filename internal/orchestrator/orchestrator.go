// Package orchestrator drives the work queue of fetch targets to
// completion: fetch, extract, persist, or surface a terminal failure.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvester/internal/extract"
	"harvester/internal/fetch"
	"harvester/internal/harvest"
	"harvester/internal/telemetry"
)

// Config sizes the work loop.
type Config struct {
	// HTTPConcurrency bounds concurrent cheap fetches; browser fetches
	// are bounded separately by the session pool size.
	HTTPConcurrency    int
	BrowserConcurrency int
	// DefaultMaxAttempts applies to targets submitted without a limit.
	DefaultMaxAttempts int
	// RequeueMinDelay floors the delay applied when re-queueing.
	RequeueMinDelay time.Duration
	// BlobPrefix prefixes archive object paths.
	BlobPrefix string
}

// Orchestrator composes the dispatcher, extraction pipeline and sinks
// into a work loop. It owns none of their internals.
type Orchestrator struct {
	cfg        Config
	queue      harvest.Queue
	dispatcher *fetch.Dispatcher
	schema     extract.Schema
	sink       harvest.RecordSink
	events     harvest.EventPublisher
	blobs      harvest.BlobStore
	ids        harvest.IDGenerator
	clock      harvest.Clock
	logger     *zap.Logger
	progress   Progress

	wg sync.WaitGroup

	httpSlots    chan struct{}
	browserSlots chan struct{}
}

// New wires an Orchestrator.
func New(
	cfg Config,
	queue harvest.Queue,
	dispatcher *fetch.Dispatcher,
	schema extract.Schema,
	sink harvest.RecordSink,
	events harvest.EventPublisher,
	blobs harvest.BlobStore,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if cfg.HTTPConcurrency <= 0 {
		return nil, fmt.Errorf("http concurrency must be > 0")
	}
	if cfg.BrowserConcurrency <= 0 {
		return nil, fmt.Errorf("browser concurrency must be > 0")
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &Orchestrator{
		cfg:          cfg,
		queue:        queue,
		dispatcher:   dispatcher,
		schema:       schema,
		sink:         sink,
		events:       events,
		blobs:        blobs,
		ids:          ids,
		clock:        clock,
		logger:       logger,
		httpSlots:    make(chan struct{}, cfg.HTTPConcurrency),
		browserSlots: make(chan struct{}, cfg.BrowserConcurrency),
	}, nil
}

// Progress exposes the liveness signal for the health endpoint.
func (o *Orchestrator) Progress() *Progress {
	return &o.progress
}

// Submit enqueues a new target for rawURL.
func (o *Orchestrator) Submit(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("target url %q has no host", rawURL)
	}
	id, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("target id: %w", err)
	}
	target := &harvest.Target{
		ID:          id,
		URL:         rawURL,
		Host:        host,
		Strategy:    harvest.StrategyAuto,
		MaxAttempts: o.cfg.DefaultMaxAttempts,
		Submitted:   o.clock.Now(),
	}
	if err := o.queue.Enqueue(ctx, target); err != nil {
		return fmt.Errorf("enqueue target: %w", err)
	}
	return nil
}

// Run consumes the queue until the context finishes. Each target runs in
// its own goroutine bounded by the per-strategy concurrency budgets.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		target, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.wg.Wait()
				return
			}
			o.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		o.wg.Add(1)
		go func(t *harvest.Target) {
			defer o.wg.Done()
			o.processTarget(ctx, t)
		}(target)
	}
}

func (o *Orchestrator) processTarget(ctx context.Context, target *harvest.Target) {
	release, err := o.acquireSlot(ctx, target)
	if err != nil {
		return
	}
	defer release()

	o.progress.inFlight.Add(1)
	defer o.progress.inFlight.Add(-1)

	result, err := o.dispatcher.Fetch(ctx, target)
	o.progress.markActivity(o.clock.Now())

	var denied *fetch.AdmissionDenied
	if errors.As(err, &denied) {
		o.scheduleRequeue(ctx, target, denied.RetryAfter)
		return
	}
	if err != nil {
		o.logger.Error("dispatch failed",
			zap.String("target_id", target.ID),
			zap.String("url", target.URL),
			zap.Error(err),
		)
		o.finishFailed(ctx, target, "dispatch_error", err)
		return
	}

	switch result.Status {
	case harvest.FetchSuccess:
		o.handleSuccess(ctx, target, result)
	default:
		o.handleFailure(ctx, target, result)
	}
}

// acquireSlot takes a token from the budget matching the target's current
// strategy. Suspends cooperatively; never spins.
func (o *Orchestrator) acquireSlot(ctx context.Context, target *harvest.Target) (func(), error) {
	slots := o.httpSlots
	if target.Strategy == harvest.StrategyBrowser {
		slots = o.browserSlots
	}
	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) handleSuccess(ctx context.Context, target *harvest.Target, result harvest.FetchResult) {
	blobURI := o.archive(ctx, target, result)

	record, err := extract.Extract(result.FinalURL, result.Body, o.schema, o.clock.Now())
	if err != nil {
		// Content retrieved but unusable: terminal, surfaced for triage.
		o.finishFailed(ctx, target, "extraction_failed", err)
		return
	}
	record.BlobURI = blobURI

	if err := o.sink.Push(ctx, record); err != nil {
		o.logger.Error("sink push failed",
			zap.String("target_id", target.ID),
			zap.String("url", target.URL),
			zap.Error(err),
		)
		o.finishFailed(ctx, target, "sink_error", err)
		return
	}

	telemetry.ObserveRecord()
	o.progress.markSuccess(o.clock.Now())
	o.logger.Debug("target completed",
		zap.String("target_id", target.ID),
		zap.String("url", target.URL),
		zap.String("strategy", string(result.Strategy)),
		zap.Int("attempts", target.AttemptCount),
	)
}

func (o *Orchestrator) handleFailure(ctx context.Context, target *harvest.Target, result harvest.FetchResult) {
	if target.AttemptCount >= target.MaxAttempts {
		o.finishFailed(ctx, target, "retries_exhausted", result.Err)
		return
	}
	delay := o.dispatcher.RetryDelay(target)
	if delay < o.cfg.RequeueMinDelay {
		delay = o.cfg.RequeueMinDelay
	}
	o.logger.Debug("target re-queued",
		zap.String("target_id", target.ID),
		zap.String("url", target.URL),
		zap.Int("attempt", target.AttemptCount),
		zap.Duration("delay", delay),
		zap.Error(result.Err),
	)
	o.scheduleRequeue(ctx, target, delay)
}

// scheduleRequeue re-enqueues the target after delay without holding a
// worker slot. Shutdown drops the timer.
func (o *Orchestrator) scheduleRequeue(ctx context.Context, target *harvest.Target, delay time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := o.queue.Enqueue(ctx, target); err != nil {
			o.logger.Warn("requeue failed",
				zap.String("target_id", target.ID),
				zap.Error(err),
			)
		}
	}()
}

// finishFailed drops the target and surfaces a terminal failure event.
func (o *Orchestrator) finishFailed(ctx context.Context, target *harvest.Target, reason string, cause error) {
	telemetry.ObserveTerminalFailure(reason)
	event := harvest.FailureEvent{
		Target:     *target,
		Reason:     reason,
		OccurredAt: o.clock.Now(),
	}
	if cause != nil {
		event.Err = cause.Error()
	}
	if err := o.events.PublishFailure(ctx, event); err != nil {
		o.logger.Error("failure event publish failed",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
	}
	o.logger.Warn("target dropped",
		zap.String("target_id", target.ID),
		zap.String("url", target.URL),
		zap.String("reason", reason),
		zap.Int("attempts", target.AttemptCount),
		zap.Error(cause),
	)
}

// archive writes the raw body to the blob store. Archive failures do not
// fail the target; the record simply carries no blob URI.
func (o *Orchestrator) archive(ctx context.Context, target *harvest.Target, result harvest.FetchResult) string {
	if o.blobs == nil || len(result.Body) == 0 {
		return ""
	}
	sum := sha256.Sum256(result.Body)
	hash := hex.EncodeToString(sum[:])
	path := fmt.Sprintf("%s/%s.html", target.Host, hash)
	if prefix := strings.Trim(o.cfg.BlobPrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	uri, err := o.blobs.PutObject(ctx, path, "text/html; charset=utf-8", result.Body)
	if err != nil {
		o.logger.Warn("blob archive failed",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
		return ""
	}
	return uri
}
