package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, deleted int) RunRecord {
	return RunRecord{
		RunID:        id,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		Success:      true,
		TotalDeleted: deleted,
		Categories: []CategoryResult{
			{Category: "promotions", Fetched: deleted, Deleted: deleted},
		},
	}
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := sampleRun("run-1", 42)
	rec.Categories = append(rec.Categories, CategoryResult{
		Category: "social", Fetched: 7, Deleted: 0, Error: "fetch promotions: boom",
	})
	require.NoError(t, s.RecordRun(ctx, rec))

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, "run-1", last.RunID)
	require.Equal(t, 42, last.TotalDeleted)
	require.Len(t, last.Categories, 2)
	require.Equal(t, "fetch promotions: boom", last.Categories[1].Error)
}

func TestRecordRun_HistoryCapped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 14; i++ {
		rec := sampleRun(fmt.Sprintf("run-%02d", i), i)
		rec.Timestamp = time.Unix(int64(1700000000+i), 0)
		require.NoError(t, s.RecordRun(ctx, rec))
	}

	recs, err := s.RunHistory(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	// Newest first, oldest four pruned.
	require.Equal(t, "run-13", recs[0].RunID)
	require.Equal(t, "run-04", recs[9].RunID)
}

func TestLastRun_Empty(t *testing.T) {
	s := testStore(t)

	last, err := s.LastRun(context.Background())
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestSchedulerConfig_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg, err := s.LoadSchedulerConfig(ctx)
	require.NoError(t, err)
	require.Nil(t, cfg)

	want := SchedulerConfig{
		Categories:   []string{"promotions", "social"},
		LookbackDays: 30,
		CronSpec:     "0 3 * * *",
	}
	require.NoError(t, s.SaveSchedulerConfig(ctx, want))

	cfg, err = s.LoadSchedulerConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, &want, cfg)

	// Upsert replaces the single row.
	want.LookbackDays = 7
	require.NoError(t, s.SaveSchedulerConfig(ctx, want))
	cfg, err = s.LoadSchedulerConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.LookbackDays)
}

func TestOutbox_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, sampleRun("run-1", 5)))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "cleanup.run.completed", msgs[0].Subject)
	require.Equal(t, "run-1", msgs[0].MsgID)

	// A retried message is deferred past its next attempt time.
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, s.MarkOutboxRetry(ctx, 1, -time.Hour))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
