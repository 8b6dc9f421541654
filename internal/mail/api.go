// Package mail contains the rate-limited batch-execution engine: a Lister
// that materializes the ids matching a query and a Deleter that removes them
// in bounded batches, with throttle recovery and per-item fallback. Both run
// against any provider implementing the API interface.
package mail

import (
	"context"
	"errors"
	"fmt"
)

// ErrThrottled marks a transient rate-limit response from the remote API.
// Providers wrap their 429-style errors with it; the engine retries these
// with backoff and never surfaces them below the retry limit.
var ErrThrottled = errors.New("throttled by remote API")

// Page is one page of a listing request.
type Page struct {
	IDs       []string
	NextToken string // empty when this is the last page
}

// Outcome is the per-id result of one item inside a combined delete request.
// A nil Err means the item was deleted.
type Outcome struct {
	ID  string
	Err error
}

// API is the narrow provider surface the engine requires.
type API interface {
	// List returns one page of message ids matching q. An empty pageToken
	// requests the first page.
	List(ctx context.Context, q Query, pageToken string) (Page, error)

	// DeleteBatch submits all ids as one combined delete request and
	// reports a per-id outcome. A non-nil error means the combined call
	// itself failed and no outcome can be trusted.
	DeleteBatch(ctx context.Context, ids []string) ([]Outcome, error)

	// DeleteOne deletes a single message.
	DeleteOne(ctx context.Context, id string) error
}

// FetchError wraps a non-recoverable listing failure. The run is aborted:
// an incomplete id set must never be deleted against.
type FetchError struct {
	Query Query
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Query.Category, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ItemError records a message that reached a terminal failure.
type ItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
