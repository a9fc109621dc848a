// Package harvest defines core types shared across subsystems.
package harvest

import (
	"net/http"
	"time"
)

// Strategy selects how a target is retrieved.
type Strategy string

// Fetch strategies. StrategyAuto means the dispatcher decides, starting
// with the cheap HTTP path.
const (
	StrategyAuto    Strategy = "auto"
	StrategyHTTP    Strategy = "http"
	StrategyBrowser Strategy = "browser"
)

// FetchStatus classifies the outcome of a single fetch attempt.
type FetchStatus string

// Fetch outcome values.
const (
	FetchSuccess  FetchStatus = "success"
	FetchSoftFail FetchStatus = "soft_fail"
	FetchHardFail FetchStatus = "hard_fail"
)

// Target is a unit of work: one URL to fetch and extract.
type Target struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Host         string    `json:"host"`
	Strategy     Strategy  `json:"strategy"`
	Priority     int       `json:"priority"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	Submitted    time.Time `json:"submitted"`
}

// SessionState is the lifecycle state of a browser session.
type SessionState string

// Session lifecycle values. Retired is terminal.
const (
	SessionIdle        SessionState = "idle"
	SessionLeased      SessionState = "leased"
	SessionInUse       SessionState = "in_use"
	SessionQuarantined SessionState = "quarantined"
	SessionRetired     SessionState = "retired"
)

// ReleaseOutcome tells the pool how a lease ended.
type ReleaseOutcome string

// Release outcomes.
const (
	ReleaseHealthy    ReleaseOutcome = "healthy"
	ReleaseQuarantine ReleaseOutcome = "quarantine"
)

// Identity is the client fingerprint used for a request or session.
type Identity struct {
	UserAgent string
	ProxyURL  string
}

// FetchResult is the outcome of one fetch attempt. It is transient and
// consumed immediately by the extraction pipeline or the retry logic.
type FetchResult struct {
	Target     *Target
	Status     FetchStatus
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Strategy   Strategy
	Latency    time.Duration
	Err        error
}

// Record is a structured, schema-validated extraction result. Ownership
// ends at sink hand-off.
type Record struct {
	SourceURL   string
	Fields      map[string]any
	BlobURI     string
	ExtractedAt time.Time
}

// FailureEvent describes a terminal failure for a target: exhausted
// retries or unusable content. Surfaced, never swallowed.
type FailureEvent struct {
	Target     Target    `json:"target"`
	Reason     string    `json:"reason"`
	Err        string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
