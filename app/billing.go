package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/domain/failure"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/ports"
)

// DefaultReportTimeout bounds one detached usage submission.
const DefaultReportTimeout = 10 * time.Second

// Billing event outcomes used as metric labels.
const (
	billingReported = "reported"
	billingFailed   = "failed"
	billingDropped  = "dropped"
)

// BillingReporterDeps contains dependencies for BillingReporter.
type BillingReporterDeps struct {
	Provider ports.BillingProvider // nil when billing credentials are not configured
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  ports.Metrics
	NewKey   func() string // Idempotency key source, defaults to random UUIDs
}

// BillingReporter submits one usage event per billable response.
//
// Submission runs on a detached goroutine with its own deadline. Delivery is
// at most once: failures are logged and counted, never retried or queued.
type BillingReporter struct {
	provider ports.BillingProvider
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  ports.Metrics
	newKey   func() string
	timeout  time.Duration

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewBillingReporter creates a reporter. A non-positive timeout uses DefaultReportTimeout.
func NewBillingReporter(deps BillingReporterDeps, timeout time.Duration) *BillingReporter {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.NewKey == nil {
		deps.NewKey = uuid.NewString
	}
	return &BillingReporter{
		provider: deps.Provider,
		clock:    deps.Clock,
		logger:   deps.Logger.With().Str("component", "billing").Logger(),
		metrics:  deps.Metrics,
		newKey:   deps.NewKey,
		timeout:  timeout,
	}
}

// Report dispatches a usage event for a response with status sent to caller.
// It returns without waiting for the provider and reports whether an event
// was dispatched.
func (r *BillingReporter) Report(caller *identity.Caller, status int) bool {
	if !billing.Billable(status) || !caller.HasBillingAccount() {
		return false
	}

	if r.provider == nil {
		r.metrics.BillingEvent(billingDropped)
		r.logger.Error().
			Err(failure.New(failure.MissingBillingConfiguration, "billing.report", nil)).
			Str("account_ref", caller.BillingAccountRef).
			Msg("usage not reported: no billing provider configured")
		return false
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.metrics.BillingEvent(billingDropped)
		r.logger.Warn().Str("account_ref", caller.BillingAccountRef).Msg("usage not reported: reporter is shut down")
		return false
	}
	r.inflight.Add(1)
	r.mu.RUnlock()

	event := billing.NewEvent(caller.BillingAccountRef, r.clock.Now(), r.newKey())
	go r.submit(event)
	return true
}

func (r *BillingReporter) submit(e billing.Event) {
	defer r.inflight.Done()

	r.metrics.BillingInFlightAdd(1)
	defer r.metrics.BillingInFlightAdd(-1)

	defer func() {
		if p := recover(); p != nil {
			r.metrics.BillingEvent(billingFailed)
			r.logger.Error().
				Err(fmt.Errorf("panic: %v", p)).
				Str("account_ref", e.AccountRef).
				Str("stack", string(debug.Stack())).
				Msg("usage report panicked")
		}
	}()

	// Detached from the request: the response may be long gone.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	id, err := r.provider.RecordUsage(ctx, e)
	if err != nil {
		r.metrics.ProviderCall("record_usage", "error", time.Since(start))
		r.metrics.BillingEvent(billingFailed)
		r.logger.Error().
			Err(failure.New(failure.ProviderUnavailable, "billing.record_usage", err)).
			Str("account_ref", e.AccountRef).
			Str("idempotency_key", e.IdempotencyKey).
			Msg("usage report failed; event dropped")
		return
	}

	r.metrics.ProviderCall("record_usage", "success", time.Since(start))
	r.metrics.BillingEvent(billingReported)
	r.logger.Debug().
		Str("account_ref", e.AccountRef).
		Str("record_id", id).
		Msg("usage reported")
}

// Wait blocks until every dispatched submission has finished.
func (r *BillingReporter) Wait() {
	r.inflight.Wait()
}

// Close stops accepting events and waits for in-flight submissions until ctx
// is done. Submissions still running after that are abandoned.
func (r *BillingReporter) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("billing reporter: in-flight reports abandoned"), ctx.Err())
	}
}
