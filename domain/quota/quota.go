// Package quota provides pure functions for quota evaluation.
// All functions are deterministic with no side effects.
//
// Quota is advisory: nothing in this package decides whether a request is
// allowed. Usage above the tier's included allowance is billed as overage.
package quota

import (
	"time"

	"github.com/artpar/metergate/domain/tier"
)

// ResetDateLayout is the format of State.ResetDate.
const ResetDateLayout = "2006-01-02"

// WarningLevel indicates how close to or over quota the caller is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // < 80%
	WarningApproaching                     // >= 80%
	WarningCritical                        // >= 95%
	WarningExceeded                        // >= 100%
)

// State is the quota position of one caller for the current billing period (value type).
//
// Invariants: Remaining = max(0, Limit-Used), Overage = max(0, Used-Limit),
// IsOverage <=> Used >= Limit. Remaining and Overage are never both positive.
type State struct {
	Limit        int64
	Used         int64
	Remaining    int64
	Overage      int64
	IsOverage    bool
	OverageRate  float64 // Dollars per 1000 overage requests
	ResetDate    string  // YYYY-MM-DD
	Tier         string
	WarningLevel WarningLevel
}

// Evaluate computes quota state from a usage count and a tier.
// This is a PURE function.
func Evaluate(used int64, spec tier.Spec, now time.Time) State {
	if used < 0 {
		used = 0
	}
	limit := spec.MonthlyQuota

	s := State{
		Limit:       limit,
		Used:        used,
		IsOverage:   used >= limit,
		OverageRate: spec.OverageRatePerThousand,
		ResetDate:   ResetDate(now),
		Tier:        spec.Name,
	}

	if used < limit {
		s.Remaining = limit - used
	} else {
		s.Overage = used - limit
	}

	s.WarningLevel = levelFor(used, limit)
	return s
}

func levelFor(used, limit int64) WarningLevel {
	if used >= limit {
		return WarningExceeded
	}
	pct := float64(used) / float64(limit) * 100
	switch {
	case pct >= 95:
		return WarningCritical
	case pct >= 80:
		return WarningApproaching
	default:
		return WarningNone
	}
}

// PercentUsed returns used as a percentage of limit. A zero limit reports 100.
func (s State) PercentUsed() float64 {
	if s.Limit <= 0 {
		return 100
	}
	return float64(s.Used) / float64(s.Limit) * 100
}

// EstimatedOverageCost returns the dollar cost of the current overage.
// This is a PURE function.
func EstimatedOverageCost(s State) float64 {
	return float64(s.Overage) / 1000 * s.OverageRate
}

// PeriodBounds returns the start and end of the monthly billing period containing t.
// This is a PURE function.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}

// ResetDate returns the first day of the month following now (UTC), as YYYY-MM-DD.
// This is a PURE function.
func ResetDate(now time.Time) string {
	_, end := PeriodBounds(now.UTC())
	return end.Add(time.Nanosecond).Format(ResetDateLayout)
}

// String returns the string representation of a warning level.
func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}
