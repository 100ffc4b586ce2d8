package billingapi

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/ports"
)

// ErrEmptyAccountRef is returned for calls without a subscription item.
var ErrEmptyAccountRef = errors.New("billing account ref is empty")

// Provider implements ports.BillingProvider on a Client.
type Provider struct {
	client *Client
	logger zerolog.Logger
}

// NewProvider creates a billing provider.
func NewProvider(client *Client, logger zerolog.Logger) *Provider {
	return &Provider{
		client: client,
		logger: logger.With().Str("component", "billing_provider").Logger(),
	}
}

// UsageTotal returns the total usage of the most recent billing period.
func (p *Provider) UsageTotal(ctx context.Context, accountRef string) (int64, error) {
	if accountRef == "" {
		return 0, ErrEmptyAccountRef
	}

	ctx, status := withResponseStatus(ctx)
	params := &stripe.UsageRecordSummaryListParams{
		SubscriptionItem: stripe.String(accountRef),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true

	it := p.client.api.UsageRecordSummaries.List(params)
	if !it.Next() {
		if err := it.Err(); err != nil {
			return 0, classify(err, status)
		}
		return 0, nil
	}
	return max(0, it.UsageRecordSummary().TotalUsage), nil
}

// RecordUsage submits one increment and returns the provider's record ID.
// Any 2xx counts as recorded; an unreadable success body yields an empty ID.
func (p *Provider) RecordUsage(ctx context.Context, e billing.Event) (string, error) {
	if e.AccountRef == "" {
		return "", ErrEmptyAccountRef
	}

	ctx, status := withResponseStatus(ctx)
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(e.AccountRef),
		Quantity:         stripe.Int64(e.Quantity),
		Timestamp:        stripe.Int64(e.OccurredAt.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx
	if e.IdempotencyKey != "" {
		params.SetIdempotencyKey(e.IdempotencyKey)
	}

	rec, err := p.client.api.UsageRecords.New(params)
	if err != nil {
		if status.accepted() {
			p.logger.Debug().Err(err).
				Int("status", status.get()).
				Str("account_ref", e.AccountRef).
				Msg("usage record accepted without a readable body")
			return "", nil
		}
		return "", classify(err, status)
	}
	if rec == nil {
		return "", nil
	}
	return rec.ID, nil
}

var _ ports.BillingProvider = (*Provider)(nil)
