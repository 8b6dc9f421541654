package mail

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCategory is returned for a category the remote search grammar
// does not recognize. Unknown categories always fail; they are never treated
// as an empty result set.
var ErrInvalidCategory = errors.New("invalid category")

// Category is a provider-side mail category.
type Category string

const (
	CategoryPromotions Category = "promotions"
	CategorySocial     Category = "social"
	CategoryPrimary    Category = "primary"
	CategoryUpdates    Category = "updates"
	CategoryForums     Category = "forums"
)

var validCategories = map[Category]bool{
	CategoryPromotions: true,
	CategorySocial:     true,
	CategoryPrimary:    true,
	CategoryUpdates:    true,
	CategoryForums:     true,
}

// ParseCategory validates s against the known categories.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !validCategories[c] {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// Query selects messages by category and date window. The window is
// inclusive-exclusive as accepted by the remote search grammar; Start <= End
// is the caller's responsibility.
type Query struct {
	Category Category
	Start    time.Time
	End      time.Time
}

// Validate checks the category. Date ordering is deliberately not enforced
// here; an inverted window simply matches nothing.
func (q Query) Validate() error {
	if !validCategories[q.Category] {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, q.Category)
	}
	return nil
}
