/*
seed.go - Sample data for a fresh installation

PURPOSE:
  Gives a new database a few panels so the collector checklist is not
  empty on first start. Seeding only happens when no panel exists at all
  (active or not), so it never touches a database in use.

USAGE:
  Enabled by seed.sample_panels (default true). Called once at startup by
  the serve command.

SEE ALSO:
  - ledger/panels.go: SeedSamplePanels
*/
package api

import (
	"context"

	"github.com/warp/meter-ledger/ledger"
)

// SamplePanels are created on an empty database.
var SamplePanels = []ledger.Panel{
	{Name: "Warehouse A", Location: "Production Floor"},
	{Name: "Office", Location: "Administrative Building"},
	{Name: "Reception", Location: "Main Entrance"},
}

// SeedSamplePanels creates SamplePanels when no panel exists.
func (h *Handler) SeedSamplePanels(ctx context.Context) error {
	n, err := h.Panels.SeedSamplePanels(ctx, SamplePanels)
	if err != nil {
		return err
	}
	if n > 0 {
		h.log.Info().Int("panels", n).Msg("sample panels created")
	}
	return nil
}
