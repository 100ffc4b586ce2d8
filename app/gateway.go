package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/domain/annotate"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/quota"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/ports"
)

// GatewayDeps contains dependencies for Gateway.
type GatewayDeps struct {
	Identity ports.IdentityResolver
	Limiter  *RateLimiter
	Quota    *QuotaEvaluator
	Reporter *BillingReporter
	Upstream ports.Upstream
	Clock    ports.Clock
	Logger   zerolog.Logger
}

// Gateway runs the metering pipeline around one proxied request.
type Gateway struct {
	identity ports.IdentityResolver
	limiter  *RateLimiter
	quota    *QuotaEvaluator
	reporter *BillingReporter
	upstream ports.Upstream
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewGateway creates a gateway.
func NewGateway(deps GatewayDeps) *Gateway {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Gateway{
		identity: deps.Identity,
		limiter:  deps.Limiter,
		quota:    deps.Quota,
		reporter: deps.Reporter,
		upstream: deps.Upstream,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// HandleResult represents the outcome of handling a request.
type HandleResult struct {
	Response  proxy.Response
	Error     *proxy.ErrorResponse
	Caller    *identity.Caller // nil for anonymous callers
	Quota     *quota.State     // nil for anonymous callers
	RateLimit ratelimit.Result
	Window    ratelimit.View
	Billed    bool // A usage event was dispatched
}

// Handle processes an incoming request.
//
// Order: identify, enforce the rate limit, then evaluate quota while the
// origin call is in flight, annotate, and dispatch billing without waiting.
func (g *Gateway) Handle(ctx context.Context, req proxy.Request) HandleResult {
	// 1. Identify (I/O). A request without a key is anonymous.
	caller, errResp := g.identify(ctx, req.APIKey)
	if errResp != nil {
		return HandleResult{Error: errResp}
	}

	// 2. Rate limit (PURE decision + I/O counter)
	decision := g.limiter.Decide(caller)
	rl, window := g.limiter.Enforce(ctx, decision)
	if !rl.Allowed {
		return HandleResult{
			Error:     &proxy.ErrRateLimited,
			Caller:    caller,
			RateLimit: rl,
			Window:    window,
		}
	}

	// 3. Quota and origin in parallel. Quota never fails.
	var (
		state       *quota.State
		resp        proxy.Response
		upstreamErr error
	)
	var work errgroup.Group
	work.Go(func() error {
		state = g.quota.Evaluate(ctx, caller)
		return nil
	})
	work.Go(func() error {
		resp, upstreamErr = g.upstream.Forward(ctx, req)
		return nil
	})
	_ = work.Wait()

	if upstreamErr != nil {
		g.logger.Warn().Err(upstreamErr).Str("path", req.Path).Msg("upstream request failed")
		errResp := &proxy.ErrUpstreamError
		if errors.Is(upstreamErr, context.DeadlineExceeded) {
			errResp = &proxy.ErrTimeout
		}
		return HandleResult{Error: errResp, Caller: caller, Quota: state, RateLimit: rl, Window: window}
	}

	// 4. Annotate (PURE)
	resp = annotate.Response(resp, state, window)

	// 5. Bill (detached I/O)
	billed := g.reporter.Report(caller, resp.Status)

	return HandleResult{
		Response:  resp,
		Caller:    caller,
		Quota:     state,
		RateLimit: rl,
		Window:    window,
		Billed:    billed,
	}
}

// QuotaStatus is a caller's metering position without proxying a request.
type QuotaStatus struct {
	Caller *identity.Caller
	Quota  *quota.State
	Window ratelimit.View
}

// Status returns the metering position of the caller owning apiKey.
// It does not count against the rate limit and emits no billing event.
func (g *Gateway) Status(ctx context.Context, apiKey string) (QuotaStatus, *proxy.ErrorResponse) {
	if apiKey == "" {
		return QuotaStatus{}, &proxy.ErrMissingKey
	}
	caller, errResp := g.identify(ctx, apiKey)
	if errResp != nil {
		return QuotaStatus{}, errResp
	}
	return QuotaStatus{
		Caller: caller,
		Quota:  g.quota.Evaluate(ctx, caller),
		Window: g.limiter.Peek(ctx, g.limiter.Decide(caller)),
	}, nil
}

func (g *Gateway) identify(ctx context.Context, apiKey string) (*identity.Caller, *proxy.ErrorResponse) {
	if apiKey == "" {
		return nil, nil
	}
	caller, err := g.identity.Resolve(ctx, apiKey)
	if err != nil {
		if !errors.Is(err, ports.ErrUnknownKey) {
			g.logger.Error().Err(err).Msg("identity resolution failed")
		}
		return nil, &proxy.ErrInvalidKey
	}
	return caller, nil
}
