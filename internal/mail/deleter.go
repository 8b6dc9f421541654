package mail

import (
	"context"
	"errors"
	"log/slog"

	"mailsweep/internal/observability"
	"mailsweep/internal/quota"
)

// maxBatchSize is the hard cap on items per combined delete request.
const maxBatchSize = 25

// defaultBatchSize is deliberately below the cap.
const defaultBatchSize = 20

// Result summarizes one DeleteAll run. Unreached lists ids whose fate is
// unknown because the run was canceled before they got a terminal outcome.
type Result struct {
	Deleted   int
	Errors    []ItemError
	Unreached []string
}

// Deleter deletes every id in an input set, batch by batch, guaranteeing each
// id reaches a terminal per-run outcome or is reported as unreached. Batches
// run sequentially; the only concurrency is the combined round-trip itself.
// When a combined request cannot be trusted to report partial results, the
// Deleter degrades to sequential per-item deletion so no id is silently
// dropped with its batch.
type Deleter struct {
	api       API
	gov       *quota.Governor
	batchSize int
	log       *slog.Logger
}

// NewDeleter creates a Deleter sharing the given governor. batchSize is
// clamped to at most 25; zero or negative selects the default of 20.
func NewDeleter(api API, gov *quota.Governor, batchSize int, log *slog.Logger) *Deleter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	return &Deleter{api: api, gov: gov, batchSize: batchSize, log: log.With("component", "deleter")}
}

// DeleteAll deletes the given ids. The input is deduplicated preserving first
// occurrence and partitioned into contiguous, order-preserving batches. The
// returned error is non-nil only when the run was canceled; recoverable
// conditions never escape the engine.
func (d *Deleter) DeleteAll(ctx context.Context, ids []string) (Result, error) {
	ids = dedupe(ids)
	total := len(ids)

	var res Result
	if total == 0 {
		return res, nil
	}
	d.log.Info("starting batch deletion", "total", total, "batch_size", d.batchSize)

	batchNum := 0
	for start := 0; start < total; start += d.batchSize {
		end := min(start+d.batchSize, total)
		batch := ids[start:end]
		batchNum++

		br, err := d.runBatch(ctx, batch)
		res.Deleted += br.deleted
		res.Errors = append(res.Errors, br.errs...)
		if err != nil {
			res.Unreached = append(res.Unreached, br.unreached...)
			res.Unreached = append(res.Unreached, ids[end:]...)
			return res, err
		}

		d.log.Info("batch complete",
			"batch", batchNum,
			"deleted", br.deleted,
			"errors", len(br.errs),
			"progress_pct", float64(res.Deleted)/float64(total)*100,
			"rate_limit_hits", d.gov.ThrottleEvents())

		if end < total {
			if err := quota.Sleep(ctx, d.gov.Config().BatchDelay); err != nil {
				res.Unreached = append(res.Unreached, ids[end:]...)
				return res, err
			}
		}
	}

	d.log.Info("deletion complete", "deleted", res.Deleted, "total", total, "failed", len(res.Errors))
	return res, nil
}

type batchResult struct {
	deleted   int
	errs      []ItemError
	unreached []string
}

// runBatch submits one batch as a combined request, resubmitting the entire
// batch after a batch-level throttle. Exhausted batch retries and every other
// batch-level failure degrade to the per-item fallback.
func (d *Deleter) runBatch(ctx context.Context, batch []string) (batchResult, error) {
	attempt := 0
	for {
		// Each item in the combined request consumes quota.
		for range batch {
			if err := d.gov.Throttle(ctx); err != nil {
				return batchResult{unreached: batch}, err
			}
		}

		outcomes, err := d.api.DeleteBatch(ctx, batch)
		observability.RequestsTotal.WithLabelValues("delete_batch").Add(float64(len(batch)))
		if err == nil {
			// Per-batch counters start from scratch on every submission.
			var br batchResult
			for _, o := range outcomes {
				if o.Err == nil {
					br.deleted++
					continue
				}
				if errors.Is(o.Err, ErrThrottled) {
					d.gov.RecordThrottleEvent()
				}
				d.log.Error("delete failed", "id", o.ID, "error", o.Err)
				br.errs = append(br.errs, ItemError{ID: o.ID, Reason: o.Err.Error()})
			}
			return br, nil
		}

		if errors.Is(err, ErrThrottled) {
			d.gov.RecordThrottleEvent()
			delay, derr := d.gov.BackoffDelay(attempt)
			if derr == nil {
				attempt++
				d.log.Warn("rate limit hit on batch",
					"size", len(batch),
					"retry", attempt,
					"backoff", delay.String())
				if serr := quota.Sleep(ctx, delay); serr != nil {
					return batchResult{unreached: batch}, serr
				}
				continue // resubmit the entire batch from scratch
			}
			err = derr // retries exhausted: handled like any other batch failure
		}

		d.log.Error("batch submission failed, falling back to per-item deletes",
			"size", len(batch), "error", err)
		return d.fallback(ctx, batch)
	}
}

// fallback deletes every id of a failed batch individually. Each item gets
// its own throttle-recovery loop; a permanent error marks that item failed
// and the loop continues. One item never aborts the batch.
func (d *Deleter) fallback(ctx context.Context, batch []string) (batchResult, error) {
	var br batchResult
	for i, id := range batch {
		attempt := 0
	itemLoop:
		for {
			if err := d.gov.Throttle(ctx); err != nil {
				br.unreached = append(br.unreached, batch[i:]...)
				return br, err
			}
			err := d.api.DeleteOne(ctx, id)
			observability.RequestsTotal.WithLabelValues("delete_one").Inc()
			switch {
			case err == nil:
				br.deleted++
				break itemLoop
			case errors.Is(err, ErrThrottled):
				d.gov.RecordThrottleEvent()
				delay, derr := d.gov.BackoffDelay(attempt)
				if derr != nil {
					br.errs = append(br.errs, ItemError{ID: id, Reason: derr.Error()})
					break itemLoop
				}
				attempt++
				d.log.Warn("rate limit hit during fallback",
					"id", id, "retry", attempt, "backoff", delay.String())
				if serr := quota.Sleep(ctx, delay); serr != nil {
					br.unreached = append(br.unreached, batch[i:]...)
					return br, serr
				}
			default:
				d.log.Error("fallback delete failed", "id", id, "error", err)
				br.errs = append(br.errs, ItemError{ID: id, Reason: err.Error()})
				break itemLoop
			}
		}

		// Fixed spacing between individual deletes, regardless of outcome.
		if i < len(batch)-1 {
			if err := quota.Sleep(ctx, d.gov.Config().ItemDelay); err != nil {
				br.unreached = append(br.unreached, batch[i+1:]...)
				return br, err
			}
		}
	}
	return br, nil
}

// dedupe removes duplicate ids preserving first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
