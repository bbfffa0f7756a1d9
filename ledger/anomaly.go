/*
anomaly.go - Deviation scoring against the trailing consumption baseline

PURPOSE:
  Labels a draft's provisional consumption for human review. Scoring is
  advisory only: it never blocks consolidation.

ALGORITHM:
  baseline  = mean(consumption) over the panel's readings in the trailing
              window, ignoring readings with unknown consumption
  deviation = (consumption - baseline) / baseline * 100   when baseline > 0
            = 0                                             otherwise
  severity  = critical if |deviation| > CriticalPct
              warning  if |deviation| > WarningPct
              normal   otherwise

POLICY:
  The window and both thresholds are configuration (AnomalyPolicy), loaded
  from the anomaly.* config keys. Comparisons are strict: exactly 30% is
  normal, exactly 50% is a warning.
*/
package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies a deviation.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyPolicy holds the scoring constants.
type AnomalyPolicy struct {
	WindowDays  int
	WarningPct  float64
	CriticalPct float64
}

// DefaultAnomalyPolicy is a 90-day window with 30%/50% thresholds.
func DefaultAnomalyPolicy() AnomalyPolicy {
	return AnomalyPolicy{
		WindowDays:  90,
		WarningPct:  30,
		CriticalPct: 50,
	}
}

// WindowStart returns the beginning of the trailing window ending at now.
func (p AnomalyPolicy) WindowStart(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.WindowDays)
}

// Assessment is the outcome of scoring one consumption value.
type Assessment struct {
	Baseline     float64
	DeviationPct float64
	Severity     Severity
}

// Baseline returns the mean consumption of history, ignoring readings with
// unknown consumption. Returns 0 for an empty history.
func Baseline(history []Reading) float64 {
	sum := decimal.Zero
	n := int64(0)
	for _, r := range history {
		if r.Consumption == nil {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(*r.Consumption))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum.Div(decimal.NewFromInt(n)).InexactFloat64()
}

// Score rates consumption against the baseline of history. history should
// already be restricted to the policy window.
func (p AnomalyPolicy) Score(consumption float64, history []Reading) Assessment {
	baseline := Baseline(history)
	deviation := 0.0
	if baseline > 0 {
		b := decimal.NewFromFloat(baseline)
		deviation = decimal.NewFromFloat(consumption).Sub(b).
			Div(b).
			Mul(decimal.NewFromInt(100)).
			InexactFloat64()
	}
	return Assessment{
		Baseline:     baseline,
		DeviationPct: deviation,
		Severity:     p.Classify(deviation),
	}
}

// Classify maps a deviation percentage to a severity.
func (p AnomalyPolicy) Classify(deviationPct float64) Severity {
	abs := math.Abs(deviationPct)
	switch {
	case abs > p.CriticalPct:
		return SeverityCritical
	case abs > p.WarningPct:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// Rounded returns the assessment with the baseline at two decimals and the
// deviation at one, the precision shown to reviewers.
func (a Assessment) Rounded() Assessment {
	return Assessment{
		Baseline:     round(a.Baseline, 2),
		DeviationPct: round(a.DeviationPct, 1),
		Severity:     a.Severity,
	}
}
