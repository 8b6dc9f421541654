// Package outlook implements mail.API against Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"mailsweep/internal/mail"
)

const pageSize = 100

// Adapter implements mail.API for Outlook mailboxes.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter for the given Graph user.
func New(ctx context.Context, accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}

	return &Adapter{client: client, userID: userID}, nil
}

// List returns one page of message ids matching q. Graph has no opaque
// continuation token on this endpoint, so the token carries the $skip offset.
func (a *Adapter) List(ctx context.Context, q mail.Query, pageToken string) (mail.Page, error) {
	skip := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return mail.Page{}, fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		skip = n
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    int32Ptr(pageSize),
			Skip:   int32Ptr(int32(skip)),
			Select: []string{"id"},
			Filter: strPtr(filterExpr(q)),
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return mail.Page{}, wrapErr("list messages", err)
	}

	var page mail.Page
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	if result.GetOdataNextLink() != nil && len(page.IDs) > 0 {
		page.NextToken = strconv.Itoa(skip + len(page.IDs))
	}
	return page, nil
}

// DeleteBatch deletes the ids of one batch, reporting a per-id outcome.
// Graph's fluent SDK exposes no combined delete, so the batch is issued as
// individual calls whose outcomes are collected independently; the combined
// submission only fails as a whole when the context does.
func (a *Adapter) DeleteBatch(ctx context.Context, ids []string) ([]mail.Outcome, error) {
	outcomes := make([]mail.Outcome, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, mail.Outcome{ID: id, Err: a.deleteMessage(ctx, id)})
	}
	return outcomes, nil
}

// DeleteOne deletes a single message.
func (a *Adapter) DeleteOne(ctx context.Context, id string) error {
	return a.deleteMessage(ctx, id)
}

func (a *Adapter) deleteMessage(ctx context.Context, id string) error {
	err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Delete(ctx, nil)
	if err != nil {
		return wrapErr(fmt.Sprintf("delete message %s", id), err)
	}
	return nil
}

// filterExpr renders q as an OData filter. Gmail-style categories map onto
// Outlook's focused/other inference classification: primary is focused,
// everything else lands in other.
func filterExpr(q mail.Query) string {
	classification := "other"
	if q.Category == mail.CategoryPrimary {
		classification = "focused"
	}
	expr := fmt.Sprintf("inferenceClassification eq '%s'", classification)
	if !q.Start.IsZero() {
		expr += fmt.Sprintf(" and receivedDateTime ge %s", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		expr += fmt.Sprintf(" and receivedDateTime lt %s", q.End.UTC().Format(time.RFC3339))
	}
	return expr
}

// wrapErr maps Graph throttling responses onto the engine's taxonomy.
func wrapErr(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) && oerr.ResponseStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, mail.ErrThrottled)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// staticTokenCredential adapts a pre-acquired access token to the Azure
// credential interface.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}

func strPtr(s string) *string {
	return &s
}
