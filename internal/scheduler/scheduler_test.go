package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mailsweep/internal/cache"
	"mailsweep/internal/mail"
	"mailsweep/internal/store"
)

type fakeFetcher struct {
	fn func(q mail.Query) ([]string, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, q mail.Query) ([]string, error) {
	return f.fn(q)
}

type fakeDeleter struct {
	fn func(ids []string) (mail.Result, error)
}

func (f *fakeDeleter) DeleteAll(_ context.Context, ids []string) (mail.Result, error) {
	return f.fn(ids)
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFixtures(t *testing.T) (*store.Store, *cache.IDCache) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	c, err := cache.Open(filepath.Join(dir, "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	return s, c
}

func TestJobRun_FailedCategoryDoesNotAbortOthers(t *testing.T) {
	s, c := testFixtures(t)
	ctx := context.Background()

	fetcher := &fakeFetcher{fn: func(q mail.Query) ([]string, error) {
		if q.Category == mail.CategoryPromotions {
			return nil, errors.New("list promotions: boom")
		}
		return []string{"s1", "s2", "s3"}, nil
	}}
	deleter := &fakeDeleter{fn: func(ids []string) (mail.Result, error) {
		return mail.Result{Deleted: len(ids)}, nil
	}}

	job := NewJob(fetcher, deleter, s, c, testLog())
	rec, err := job.Run(ctx, []string{"promotions", "social"}, 30)
	require.NoError(t, err)

	require.False(t, rec.Success)
	require.Equal(t, 3, rec.TotalDeleted)
	require.Len(t, rec.Categories, 2)
	require.Contains(t, rec.Categories[0].Error, "boom")
	require.Equal(t, "social", rec.Categories[1].Category)
	require.Equal(t, 3, rec.Categories[1].Deleted)

	// Record was persisted and an event enqueued.
	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.RunID, last.RunID)
	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestJobRun_InvalidCategoryRecorded(t *testing.T) {
	s, c := testFixtures(t)

	fetcher := &fakeFetcher{fn: func(mail.Query) ([]string, error) {
		return []string{"a"}, nil
	}}
	deleter := &fakeDeleter{fn: func(ids []string) (mail.Result, error) {
		return mail.Result{Deleted: len(ids)}, nil
	}}

	job := NewJob(fetcher, deleter, s, c, testLog())
	rec, err := job.Run(context.Background(), []string{"junkmail", "updates"}, 7)
	require.NoError(t, err)

	require.False(t, rec.Success)
	require.Contains(t, rec.Categories[0].Error, "junkmail")
	require.Equal(t, 1, rec.Categories[1].Deleted)
}

func TestJobRun_CacheTracksUndeleted(t *testing.T) {
	s, c := testFixtures(t)
	ctx := context.Background()

	fetcher := &fakeFetcher{fn: func(mail.Query) ([]string, error) {
		return []string{"a", "b", "c", "d"}, nil
	}}
	deleter := &fakeDeleter{fn: func(ids []string) (mail.Result, error) {
		return mail.Result{
			Deleted:   2,
			Errors:    []mail.ItemError{{ID: "c", Reason: "permission denied"}},
			Unreached: []string{"d"},
		}, nil
	}}

	job := NewJob(fetcher, deleter, s, c, testLog())
	_, err := job.Run(ctx, []string{"promotions"}, 30)
	require.NoError(t, err)

	ids, err := c.Get("promotions")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c", "d"}, ids)

	// A fully successful pass clears the category.
	deleter.fn = func(ids []string) (mail.Result, error) {
		return mail.Result{Deleted: len(ids)}, nil
	}
	_, err = job.Run(ctx, []string{"promotions"}, 30)
	require.NoError(t, err)
	ids, err = c.Get("promotions")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func defaultSchedule() store.SchedulerConfig {
	return store.SchedulerConfig{
		Categories:   []string{"promotions", "social"},
		LookbackDays: 30,
		CronSpec:     "0 3 * * *",
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	s, c := testFixtures(t)
	job := NewJob(&fakeFetcher{}, &fakeDeleter{}, s, c, testLog())

	m, err := NewManager(context.Background(), job, s, defaultSchedule(), testLog())
	require.NoError(t, err)

	require.NoError(t, m.Acquire("promotions"))
	err = m.Acquire("promotions")
	require.ErrorIs(t, err, ErrCategoryBusy)
	require.NoError(t, m.Acquire("social"))

	m.Release("promotions")
	require.NoError(t, m.Acquire("promotions"))
}

func TestManager_RunNowSkipsBusyCategories(t *testing.T) {
	s, c := testFixtures(t)
	ctx := context.Background()

	var fetched []string
	fetcher := &fakeFetcher{fn: func(q mail.Query) ([]string, error) {
		fetched = append(fetched, string(q.Category))
		return nil, nil
	}}
	deleter := &fakeDeleter{fn: func(ids []string) (mail.Result, error) {
		return mail.Result{}, nil
	}}
	job := NewJob(fetcher, deleter, s, c, testLog())

	m, err := NewManager(ctx, job, s, defaultSchedule(), testLog())
	require.NoError(t, err)

	require.NoError(t, m.Acquire("promotions"))
	rec, err := m.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"social"}, fetched)
	require.Len(t, rec.Categories, 1)

	// Both busy: nothing to do.
	require.NoError(t, m.Acquire("social"))
	_, err = m.RunNow(ctx)
	require.ErrorIs(t, err, ErrCategoryBusy)

	// RunNow released its own category.
	m.Release("promotions")
	m.Release("social")
	require.NoError(t, m.Acquire("social"))
}

func TestManager_UpdateConfig(t *testing.T) {
	s, c := testFixtures(t)
	ctx := context.Background()
	job := NewJob(&fakeFetcher{}, &fakeDeleter{}, s, c, testLog())

	m, err := NewManager(ctx, job, s, defaultSchedule(), testLog())
	require.NoError(t, err)

	err = m.UpdateConfig(ctx, store.SchedulerConfig{Categories: nil, LookbackDays: 7, CronSpec: "0 3 * * *"})
	require.Error(t, err)
	err = m.UpdateConfig(ctx, store.SchedulerConfig{Categories: []string{"social"}, LookbackDays: 0, CronSpec: "0 3 * * *"})
	require.Error(t, err)
	err = m.UpdateConfig(ctx, store.SchedulerConfig{Categories: []string{"social"}, LookbackDays: 7, CronSpec: "not a cron spec"})
	require.Error(t, err)

	want := store.SchedulerConfig{Categories: []string{"social"}, LookbackDays: 7, CronSpec: "30 4 * * *"}
	require.NoError(t, m.UpdateConfig(ctx, want))

	st, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, want, st.Config)
	require.Empty(t, st.Running)
	require.Nil(t, st.LastRun)

	// Persisted config survives a new manager.
	m2, err := NewManager(ctx, job, s, defaultSchedule(), testLog())
	require.NoError(t, err)
	st2, err := m2.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, want, st2.Config)
}
