/*
consumption.go - The delta/reset rule

PURPOSE:
  One deterministic rule turns consecutive meter values into consumption.
  Draft submission, draft edits and the bulk importer's full-history
  recompute all go through it, so the ledger and the drafts can never
  disagree on how consumption is computed.

RULE:
  previous = none          → consumption 0,                  reset false
  value >= previous value  → consumption = value - previous, reset false
  value <  previous value  → consumption = value,            reset true

  The rollover branch treats the new value alone as the post-reset
  consumption since the meter's value at wraparound is unknowable.

ARITHMETIC:
  Differences are computed with shopspring/decimal so that
  1025.75 - 1000.50 is 25.25 and not 25.250000000000227.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ConsumptionFor applies the delta/reset rule to value against prior.
func ConsumptionFor(prior *Reading, value float64) (consumption float64, reset bool) {
	if prior == nil {
		return 0, false
	}
	if value >= prior.MeterValue {
		return subtract(value, prior.MeterValue), false
	}
	return value, true
}

// RecomputeConsumption rewrites Consumption and Reset of readings in place.
// readings must be ordered by timestamp. Running it twice yields the same
// values.
func RecomputeConsumption(readings []Reading) {
	var prev *Reading
	for i := range readings {
		c, reset := ConsumptionFor(prev, readings[i].MeterValue)
		readings[i].Consumption = float64Ptr(c)
		readings[i].Reset = reset
		prev = &readings[i]
	}
}

// RecomputePanel recomputes the full reading history of a panel and writes
// every reading back, overwriting previous consumption values.
// Returns the number of readings rewritten.
func RecomputePanel(ctx context.Context, s ReadingStore, panelID int64) (int, error) {
	readings, err := s.PanelReadings(ctx, panelID)
	if err != nil {
		return 0, fmt.Errorf("load readings of panel %d: %w", panelID, err)
	}
	RecomputeConsumption(readings)
	for _, r := range readings {
		if err := s.UpdateReadingConsumption(ctx, r.ID, r.Consumption, r.Reset); err != nil {
			return 0, fmt.Errorf("update reading %d: %w", r.ID, err)
		}
	}
	return len(readings), nil
}

func subtract(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
