package mail

import (
	"context"
	"errors"
	"log/slog"

	"mailsweep/internal/observability"
	"mailsweep/internal/quota"
)

// Lister materializes the full set of message ids matching a query by paging
// through the provider's listing endpoint. Ids are returned in strict page
// order; a throttled page is retried with the same continuation token so
// nothing is skipped or duplicated.
type Lister struct {
	api API
	gov *quota.Governor
	log *slog.Logger
}

// NewLister creates a Lister sharing the given governor.
func NewLister(api API, gov *quota.Governor, log *slog.Logger) *Lister {
	return &Lister{api: api, gov: gov, log: log.With("component", "lister")}
}

// Fetch returns every id matching q, or a FetchError if the listing cannot
// be completed. A partial list is never returned silently.
func (l *Lister) Fetch(ctx context.Context, q Query) ([]string, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var ids []string
	pageToken := ""
	attempt := 0

	for {
		if err := l.gov.Throttle(ctx); err != nil {
			return nil, err
		}
		page, err := l.api.List(ctx, q, pageToken)
		observability.RequestsTotal.WithLabelValues("list").Inc()
		if err != nil {
			if !errors.Is(err, ErrThrottled) {
				return nil, &FetchError{Query: q, Err: err}
			}
			l.gov.RecordThrottleEvent()
			delay, derr := l.gov.BackoffDelay(attempt)
			if derr != nil {
				return nil, &FetchError{Query: q, Err: derr}
			}
			attempt++
			l.log.Warn("rate limit hit while listing",
				"category", q.Category,
				"retry", attempt,
				"backoff", delay.String())
			if err := quota.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue // same page token: retry the identical page
		}

		attempt = 0
		ids = append(ids, page.IDs...)
		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
		if err := quota.Sleep(ctx, l.gov.Config().PageDelay); err != nil {
			return nil, err
		}
	}

	l.log.Info("listing complete", "category", q.Category, "fetched", len(ids))
	return ids, nil
}
