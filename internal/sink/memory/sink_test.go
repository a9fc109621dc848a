package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvester/internal/harvest"
)

func TestRecordSink_StoresCopies(t *testing.T) {
	t.Parallel()

	sink := NewRecordSink()
	require.Empty(t, sink.Records())

	record := harvest.Record{
		SourceURL:   "https://example.com",
		Fields:      map[string]any{"title": "hi"},
		ExtractedAt: time.Unix(100, 0),
	}
	require.NoError(t, sink.Push(context.Background(), record))

	got := sink.Records()
	require.Len(t, got, 1)
	require.Equal(t, record, got[0])

	// Mutating the returned slice leaves the sink untouched.
	got[0].SourceURL = "mutated"
	require.Equal(t, "https://example.com", sink.Records()[0].SourceURL)
}

func TestEventRecorder_StoresEvents(t *testing.T) {
	t.Parallel()

	rec := NewEventRecorder()
	require.Empty(t, rec.Events())

	event := harvest.FailureEvent{
		Target: harvest.Target{ID: "t-1", URL: "https://example.com"},
		Reason: "retries_exhausted",
	}
	require.NoError(t, rec.PublishFailure(context.Background(), event))

	got := rec.Events()
	require.Len(t, got, 1)
	require.Equal(t, "retries_exhausted", got[0].Reason)
	require.Equal(t, "t-1", got[0].Target.ID)
}
