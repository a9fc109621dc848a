package harvest

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest captures everything needed for a single stateless HTTP fetch.
type FetchRequest struct {
	URL      string
	Identity Identity
	Headers  http.Header
	Timeout  time.Duration
}

// FetchResponse is the raw result returned by a Fetcher or Browser.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher executes the cheap HTTP-client strategy.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Browser is one live automation context owned by a pool session.
type Browser interface {
	// Navigate loads the URL, waits for the document to be ready, and
	// returns the rendered DOM.
	Navigate(ctx context.Context, url string) (FetchResponse, error)
	// Probe performs a lightweight liveness check.
	Probe(ctx context.Context) error
	Close(ctx context.Context) error
}

// BrowserLauncher starts a browser process from a resolved driver binary.
type BrowserLauncher interface {
	Launch(ctx context.Context, binaryPath string, identity Identity) (Browser, error)
}

// DriverResolver supplies a path to a browser binary matching the
// installed browser version. How it is cached or downloaded is not this
// package's concern.
type DriverResolver interface {
	Resolve(ctx context.Context, browserVersion string) (string, error)
}

// IdentityProvider supplies rotating client identities.
type IdentityProvider interface {
	Next() Identity
}

// RecordSink accepts validated records. The external persistence layer
// sits behind it.
type RecordSink interface {
	Push(ctx context.Context, record Record) error
}

// EventPublisher receives terminal failure events for triage.
type EventPublisher interface {
	PublishFailure(ctx context.Context, event FailureEvent) error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Queue provides enqueue/dequeue semantics for fetch targets.
type Queue interface {
	Enqueue(ctx context.Context, target *Target) error
	Dequeue(ctx context.Context) (*Target, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces target and session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
