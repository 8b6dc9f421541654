// Package gmail implements mail.API against the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailsweep/internal/mail"
)

const (
	user     = "me"
	pageSize = 100
)

// Adapter implements mail.API for Gmail. Deletion moves messages to trash,
// matching the gmail.modify scope; it does not purge them.
type Adapter struct {
	svc *gmailv1.Service
}

// New creates a Gmail adapter from an OAuth-authenticated HTTP client.
func New(ctx context.Context, client *http.Client) (*Adapter, error) {
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// List returns one page of message ids matching q.
func (a *Adapter) List(ctx context.Context, q mail.Query, pageToken string) (mail.Page, error) {
	call := a.svc.Users.Messages.List(user).
		Q(searchQuery(q)).
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return mail.Page{}, wrapErr("list messages", err)
	}

	page := mail.Page{NextToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// DeleteBatch trashes all ids in one combined request. Gmail's batchModify
// endpoint is all-or-nothing: on success every item succeeded, on failure
// the whole call failed and the engine's fallback takes over.
func (a *Adapter) DeleteBatch(ctx context.Context, ids []string) ([]mail.Outcome, error) {
	req := &gmailv1.BatchModifyMessagesRequest{
		Ids:            ids,
		AddLabelIds:    []string{"TRASH"},
		RemoveLabelIds: []string{"INBOX"},
	}
	if err := a.svc.Users.Messages.BatchModify(user, req).Context(ctx).Do(); err != nil {
		return nil, wrapErr("batch modify", err)
	}

	outcomes := make([]mail.Outcome, len(ids))
	for i, id := range ids {
		outcomes[i] = mail.Outcome{ID: id}
	}
	return outcomes, nil
}

// DeleteOne trashes a single message.
func (a *Adapter) DeleteOne(ctx context.Context, id string) error {
	if _, err := a.svc.Users.Messages.Trash(user, id).Context(ctx).Do(); err != nil {
		return wrapErr(fmt.Sprintf("trash message %s", id), err)
	}
	return nil
}

// searchQuery renders q into the Gmail search grammar, e.g.
// "category:promotions after:2024-09-01 before:2024-10-16".
func searchQuery(q mail.Query) string {
	parts := []string{fmt.Sprintf("category:%s", q.Category)}
	if !q.Start.IsZero() {
		parts = append(parts, "after:"+q.Start.Format("2006-01-02"))
	}
	if !q.End.IsZero() {
		parts = append(parts, "before:"+q.End.Format("2006-01-02"))
	}
	return strings.Join(parts, " ")
}

// wrapErr maps Gmail rate-limit responses onto the engine's throttled
// taxonomy; everything else passes through wrapped.
func wrapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && isRateLimit(gerr) {
		return fmt.Errorf("%s: %s: %w", op, gerr.Message, mail.ErrThrottled)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isRateLimit(gerr *googleapi.Error) bool {
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	// Gmail reports user quota overruns as 403 with a rate-limit reason.
	if gerr.Code == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}
