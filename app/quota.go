package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/domain/failure"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/quota"
	"github.com/artpar/metergate/ports"
)

// QuotaEvaluator computes the quota position of a caller.
// It is advisory only: it never denies a request and never returns an error.
type QuotaEvaluator struct {
	tiers   *Tiers
	usage   *UsageCache
	clock   ports.Clock
	logger  zerolog.Logger
	metrics ports.Metrics
}

// NewQuotaEvaluator creates a quota evaluator.
func NewQuotaEvaluator(tiers *Tiers, usage *UsageCache, clk ports.Clock, logger zerolog.Logger, m ports.Metrics) *QuotaEvaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	return &QuotaEvaluator{
		tiers:   tiers,
		usage:   usage,
		clock:   clk,
		logger:  logger.With().Str("component", "quota").Logger(),
		metrics: m,
	}
}

// Evaluate returns the caller's quota state, or nil for an anonymous caller.
func (e *QuotaEvaluator) Evaluate(ctx context.Context, caller *identity.Caller) *quota.State {
	if caller == nil {
		return nil
	}

	spec := e.tiers.Resolve(caller.Tier)

	var used int64
	if caller.HasBillingAccount() {
		lookup := e.usage.Get(ctx, caller.BillingAccountRef)
		used = lookup.Snapshot.Count
		if lookup.Err != nil {
			logFailure(e.logger, lookup.Err).
				Str("subject_id", caller.SubjectID).
				Str("account_ref", caller.BillingAccountRef).
				Str("source", lookup.Source.String()).
				Msg("usage lookup degraded, serving fallback usage")
		}
	} else if spec.BillsOverage() {
		err := failure.New(failure.MissingBillingConfiguration, "quota.evaluate", nil)
		e.logger.Error().Err(err).
			Str("subject_id", caller.SubjectID).
			Str("tier", spec.Name).
			Msg("caller on a metered tier has no billing account; overage cannot be billed")
	}

	state := quota.Evaluate(used, spec, e.clock.Now())
	if state.IsOverage {
		e.metrics.Overage(state.Tier)
	}
	return &state
}

// logFailure picks the log level for a classified failure: cache trouble is a
// warning, anything that loses billing accuracy is an error.
func logFailure(logger zerolog.Logger, err error) *zerolog.Event {
	kind := failure.KindOf(err)
	ev := logger.Error()
	if kind == failure.CacheUnavailable {
		ev = logger.Warn()
	}
	return ev.Err(err).Str("failure", kind.String())
}
