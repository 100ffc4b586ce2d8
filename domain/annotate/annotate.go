// Package annotate renders quota and rate limit state into response headers.
package annotate

import (
	"fmt"
	"strconv"

	"github.com/artpar/metergate/domain/proxy"
	"github.com/artpar/metergate/domain/quota"
	"github.com/artpar/metergate/domain/ratelimit"
)

// Header names.
const (
	HeaderQuotaLimit       = "X-Quota-Limit"
	HeaderQuotaUsed        = "X-Quota-Used"
	HeaderQuotaRemaining   = "X-Quota-Remaining"
	HeaderQuotaOverage     = "X-Quota-Overage"
	HeaderQuotaResetDate   = "X-Quota-Reset-Date"
	HeaderQuotaTier        = "X-Quota-Tier"
	HeaderQuotaOverageRate = "X-Quota-Overage-Rate"
	HeaderQuotaWarning     = "X-Quota-Warning"

	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"

	HeaderXRateLimitLimit     = "X-RateLimit-Limit"
	HeaderXRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderXRateLimitReset     = "X-RateLimit-Reset"
)

// UnknownResetSeconds is reported when no rate limit window could be read.
const UnknownResetSeconds = 3600

// Response returns resp with quota and rate limit headers added.
// A nil q returns resp unmodified. Status and body are never changed.
// This is a PURE function.
func Response(resp proxy.Response, q *quota.State, rl ratelimit.View) proxy.Response {
	if q == nil {
		return resp
	}
	return resp.WithHeaders(Headers(*q, rl))
}

// Headers renders the quota and rate limit header set for q and rl.
func Headers(q quota.State, rl ratelimit.View) map[string]string {
	h := map[string]string{
		HeaderQuotaLimit:     strconv.FormatInt(q.Limit, 10),
		HeaderQuotaUsed:      strconv.FormatInt(q.Used, 10),
		HeaderQuotaRemaining: strconv.FormatInt(q.Remaining, 10),
		HeaderQuotaOverage:   strconv.FormatInt(q.Overage, 10),
		HeaderQuotaResetDate: q.ResetDate,
		HeaderQuotaTier:      q.Tier,
	}

	if q.OverageRate > 0 {
		h[HeaderQuotaOverageRate] = Rate(q.OverageRate)
	}
	if q.IsOverage {
		h[HeaderQuotaWarning] = Warning(q)
	}

	for k, v := range RateLimitHeaders(rl) {
		h[k] = v
	}
	return h
}

// RateLimitHeaders renders only the rate limit headers for rl. Both the
// draft-standard and the X- prefixed names are set.
// rl.Limit is used as the allowance even when rl.Known is false.
func RateLimitHeaders(rl ratelimit.View) map[string]string {
	remaining, reset := rl.Remaining, rl.ResetSeconds
	if !rl.Known {
		remaining, reset = rl.Limit, UnknownResetSeconds
	}
	limit := strconv.Itoa(rl.Limit)
	rem := strconv.Itoa(remaining)
	rst := strconv.FormatInt(reset, 10)

	return map[string]string{
		HeaderRateLimitLimit:      limit,
		HeaderRateLimitRemaining:  rem,
		HeaderRateLimitReset:      rst,
		HeaderXRateLimitLimit:     limit,
		HeaderXRateLimitRemaining: rem,
		HeaderXRateLimitReset:     rst,
	}
}

// Rate formats an overage rate as "$X.XX/1k".
func Rate(perThousand float64) string {
	return fmt.Sprintf("$%.2f/1k", perThousand)
}

// Warning is the human-readable overage notice.
func Warning(q quota.State) string {
	return fmt.Sprintf("Quota exceeded: %d of %d requests used; %d overage requests at %s, estimated cost $%.2f",
		q.Used, q.Limit, q.Overage, Rate(q.OverageRate), quota.EstimatedOverageCost(q))
}
