// Package scheduler runs the periodic cleanup job and guards against
// overlapping runs for the same category.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"mailsweep/internal/cache"
	"mailsweep/internal/mail"
	"mailsweep/internal/observability"
	"mailsweep/internal/store"
)

// Fetcher lists the ids matching a query. Satisfied by mail.Lister.
type Fetcher interface {
	Fetch(ctx context.Context, q mail.Query) ([]string, error)
}

// Deleter deletes a set of ids. Satisfied by mail.Deleter.
type Deleter interface {
	DeleteAll(ctx context.Context, ids []string) (mail.Result, error)
}

// Job executes one cleanup pass over a list of categories. A category that
// fails records its error string and never aborts the remaining categories.
type Job struct {
	fetcher Fetcher
	deleter Deleter
	store   *store.Store
	cache   *cache.IDCache
	log     *slog.Logger
}

// NewJob creates a cleanup job.
func NewJob(f Fetcher, d Deleter, s *store.Store, c *cache.IDCache, log *slog.Logger) *Job {
	return &Job{fetcher: f, deleter: d, store: s, cache: c, log: log.With("component", "cleanup")}
}

// Run processes every category over the lookback window, persists the run
// record, and returns it.
func (j *Job) Run(ctx context.Context, categories []string, lookbackDays int) (store.RunRecord, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -lookbackDays)

	rec := store.RunRecord{
		RunID:     uuid.NewString(),
		Timestamp: now,
		Success:   true,
	}

	j.log.Info("starting cleanup run", "run_id", rec.RunID, "categories", categories, "lookback_days", lookbackDays)

	for _, category := range categories {
		result := j.runCategory(ctx, category, start, now)
		if result.Error != "" {
			rec.Success = false
		}
		rec.TotalDeleted += result.Deleted
		rec.Categories = append(rec.Categories, result)

		if ctx.Err() != nil {
			rec.Success = false
			break
		}
	}

	if err := j.store.RecordRun(ctx, rec); err != nil {
		j.log.Error("record run", "run_id", rec.RunID, "error", err)
		return rec, err
	}

	j.log.Info("cleanup run complete", "run_id", rec.RunID, "total_deleted", rec.TotalDeleted, "success", rec.Success)
	return rec, nil
}

func (j *Job) runCategory(ctx context.Context, category string, start, end time.Time) store.CategoryResult {
	res := store.CategoryResult{Category: category}

	c, err := mail.ParseCategory(category)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	timer := prometheus.NewTimer(observability.RunDuration.WithLabelValues(category))
	defer timer.ObserveDuration()

	ids, err := j.fetcher.Fetch(ctx, mail.Query{Category: c, Start: start, End: end})
	if err != nil {
		j.log.Error("fetch failed", "category", category, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Fetched = len(ids)
	if len(ids) == 0 {
		return res
	}

	if err := j.cache.Put(category, ids); err != nil {
		j.log.Warn("cache fetched ids", "category", category, "error", err)
	}

	dres, err := j.deleter.DeleteAll(ctx, ids)
	res.Deleted = dres.Deleted
	observability.MessagesDeleted.WithLabelValues(category).Add(float64(dres.Deleted))
	observability.MessagesFailed.WithLabelValues(category).Add(float64(len(dres.Errors)))
	if err != nil {
		res.Error = err.Error()
	}

	// Keep only ids without a confirmed deletion cached for the next run.
	remaining := append([]string(nil), dres.Unreached...)
	for _, ie := range dres.Errors {
		remaining = append(remaining, ie.ID)
	}
	if len(remaining) == 0 {
		err = j.cache.Clear(category)
	} else {
		err = j.cache.Put(category, remaining)
	}
	if err != nil {
		j.log.Warn("update cache", "category", category, "error", err)
	}

	j.log.Info("category processed", "category", category, "fetched", res.Fetched, "deleted", res.Deleted)
	return res
}
