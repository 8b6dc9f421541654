package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailsweep/internal/quota"
)

// fakeAPI scripts provider behavior per test via function fields.
type fakeAPI struct {
	listFn  func(q Query, token string) (Page, error)
	batchFn func(ids []string) ([]Outcome, error)
	oneFn   func(id string) error
}

func (f *fakeAPI) List(_ context.Context, q Query, token string) (Page, error) {
	return f.listFn(q, token)
}

func (f *fakeAPI) DeleteBatch(_ context.Context, ids []string) ([]Outcome, error) {
	return f.batchFn(ids)
}

func (f *fakeAPI) DeleteOne(_ context.Context, id string) error {
	return f.oneFn(id)
}

func testGov() *quota.Governor {
	return quota.NewGovernor(quota.Config{
		MinBackoff: time.Millisecond,
		MaxBackoff: 4 * time.Millisecond,
		MaxRetries: 5,
	})
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeIDs(n int, prefix string) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return ids
}

func testQuery() Query {
	return Query{Category: CategoryPromotions}
}

func TestFetch_ThreePagesInOrder(t *testing.T) {
	pages := map[string]Page{
		"":   {IDs: makeIDs(100, "a"), NextToken: "t1"},
		"t1": {IDs: makeIDs(100, "b"), NextToken: "t2"},
		"t2": {IDs: makeIDs(37, "c")},
	}
	var tokens []string
	api := &fakeAPI{
		listFn: func(_ Query, token string) (Page, error) {
			tokens = append(tokens, token)
			return pages[token], nil
		},
	}

	ids, err := NewLister(api, testGov(), testLog()).Fetch(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, ids, 237)
	require.Equal(t, []string{"", "t1", "t2"}, tokens)

	want := append(append(makeIDs(100, "a"), makeIDs(100, "b")...), makeIDs(37, "c")...)
	require.Equal(t, want, ids)

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFetch_ThrottledPageRetriesSameToken(t *testing.T) {
	throttles := 0
	var tokens []string
	api := &fakeAPI{
		listFn: func(_ Query, token string) (Page, error) {
			tokens = append(tokens, token)
			if token == "t1" && throttles < 2 {
				throttles++
				return Page{}, fmt.Errorf("429: %w", ErrThrottled)
			}
			if token == "" {
				return Page{IDs: makeIDs(3, "a"), NextToken: "t1"}, nil
			}
			return Page{IDs: makeIDs(2, "b")}, nil
		},
	}

	gov := testGov()
	ids, err := NewLister(api, gov, testLog()).Fetch(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, ids, 5)
	// The throttled page was retried with an unchanged token.
	require.Equal(t, []string{"", "t1", "t1", "t1"}, tokens)
	require.EqualValues(t, 2, gov.ThrottleEvents())
}

func TestFetch_ThrottleRetriesExhausted(t *testing.T) {
	calls := 0
	api := &fakeAPI{
		listFn: func(_ Query, _ string) (Page, error) {
			calls++
			return Page{}, fmt.Errorf("429: %w", ErrThrottled)
		},
	}

	_, err := NewLister(api, testGov(), testLog()).Fetch(context.Background(), testQuery())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	// Initial attempt plus MaxRetries retries.
	require.Equal(t, 6, calls)
}

func TestFetch_PermanentErrorAborts(t *testing.T) {
	api := &fakeAPI{
		listFn: func(_ Query, token string) (Page, error) {
			if token == "" {
				return Page{IDs: makeIDs(10, "a"), NextToken: "t1"}, nil
			}
			return Page{}, errors.New("backend exploded")
		},
	}

	ids, err := NewLister(api, testGov(), testLog()).Fetch(context.Background(), testQuery())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	// No partial list escapes.
	require.Nil(t, ids)
}

func TestFetch_InvalidCategory(t *testing.T) {
	api := &fakeAPI{
		listFn: func(_ Query, _ string) (Page, error) {
			t.Fatal("List must not be called for an invalid category")
			return Page{}, nil
		},
	}

	_, err := NewLister(api, testGov(), testLog()).Fetch(context.Background(), Query{Category: "spam"})
	require.ErrorIs(t, err, ErrInvalidCategory)
}

func TestFetch_EmptyResult(t *testing.T) {
	api := &fakeAPI{
		listFn: func(_ Query, _ string) (Page, error) {
			return Page{}, nil
		},
	}

	ids, err := NewLister(api, testGov(), testLog()).Fetch(context.Background(), testQuery())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("social")
	require.NoError(t, err)
	require.Equal(t, CategorySocial, c)

	_, err = ParseCategory("junk")
	require.ErrorIs(t, err, ErrInvalidCategory)
}
