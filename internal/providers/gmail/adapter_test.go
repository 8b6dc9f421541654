package gmail

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"mailsweep/internal/mail"
)

func TestSearchQuery(t *testing.T) {
	q := mail.Query{
		Category: mail.CategoryPromotions,
		Start:    time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 10, 16, 0, 0, 0, 0, time.UTC),
	}
	require.Equal(t, "category:promotions after:2024-09-01 before:2024-10-16", searchQuery(q))

	require.Equal(t, "category:social", searchQuery(mail.Query{Category: mail.CategorySocial}))
}

func TestWrapErr_RateLimitMapping(t *testing.T) {
	tooMany := &googleapi.Error{Code: 429, Message: "Too many requests"}
	require.ErrorIs(t, wrapErr("list", tooMany), mail.ErrThrottled)

	forbiddenRate := &googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
	}
	require.ErrorIs(t, wrapErr("list", forbiddenRate), mail.ErrThrottled)

	forbidden := &googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}},
	}
	require.NotErrorIs(t, wrapErr("list", forbidden), mail.ErrThrottled)

	plain := errors.New("connection reset")
	require.NotErrorIs(t, wrapErr("list", plain), mail.ErrThrottled)
}
