// Package memory contains in-memory sink implementations for tests and
// local development.
package memory

import (
	"context"
	"sync"

	"harvester/internal/harvest"
)

// RecordSink stores pushed records for inspection.
type RecordSink struct {
	mu      sync.RWMutex
	records []harvest.Record
}

// NewRecordSink returns an empty in-memory record sink.
func NewRecordSink() *RecordSink {
	return &RecordSink{}
}

// Push records the record.
func (s *RecordSink) Push(_ context.Context, record harvest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of the pushed records.
func (s *RecordSink) Records() []harvest.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Record, len(s.records))
	copy(out, s.records)
	return out
}

// EventRecorder stores published failure events for inspection.
type EventRecorder struct {
	mu     sync.RWMutex
	events []harvest.FailureEvent
}

// NewEventRecorder returns an empty in-memory failure publisher.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// PublishFailure records the event.
func (r *EventRecorder) PublishFailure(_ context.Context, event harvest.FailureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the published events.
func (r *EventRecorder) Events() []harvest.FailureEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]harvest.FailureEvent, len(r.events))
	copy(out, r.events)
	return out
}
