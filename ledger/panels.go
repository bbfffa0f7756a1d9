package ledger

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Panels administers the panel registry.
type Panels struct {
	Store TxStore
	Log   zerolog.Logger
}

func NewPanels(store TxStore, log zerolog.Logger) *Panels {
	return &Panels{Store: store, Log: log}
}

// DeleteOutcome says how a panel was removed.
type DeleteOutcome string

const (
	// PanelDeactivated: the panel has ledger readings and was soft-deleted.
	PanelDeactivated DeleteOutcome = "deactivated"
	// PanelDeleted: the panel had no readings and was removed.
	PanelDeleted DeleteOutcome = "deleted"
)

// Create registers a new active panel. Name and location are required and
// the name must be unique.
func (p *Panels) Create(ctx context.Context, name, location string) (*Panel, error) {
	name, location = strings.TrimSpace(name), strings.TrimSpace(location)
	if err := validatePanelFields(name, location); err != nil {
		return nil, err
	}

	panel := &Panel{Name: name, Location: location, Active: true}
	err := p.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetPanelByName(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicatePanelName
		}
		return s.CreatePanel(ctx, panel)
	})
	if err != nil {
		return nil, internal("create panel", err)
	}
	p.Log.Info().Int64("panel_id", panel.ID).Str("name", name).Msg("panel created")
	return panel, nil
}

// Update rewrites a panel's name, location and active flag.
func (p *Panels) Update(ctx context.Context, id int64, name, location string, active bool) (*Panel, error) {
	name, location = strings.TrimSpace(name), strings.TrimSpace(location)
	if err := validatePanelFields(name, location); err != nil {
		return nil, err
	}

	var updated *Panel
	err := p.Store.WithTx(ctx, func(s Store) error {
		panel, err := requirePanel(ctx, s, id)
		if err != nil {
			return err
		}
		other, err := s.GetPanelByName(ctx, name)
		if err != nil {
			return err
		}
		if other != nil && other.ID != id {
			return ErrDuplicatePanelName
		}
		panel.Name, panel.Location, panel.Active = name, location, active
		if err := s.UpdatePanel(ctx, *panel); err != nil {
			return err
		}
		updated = panel
		return nil
	})
	if err != nil {
		return nil, internal("update panel", err)
	}
	return updated, nil
}

// Delete deactivates a panel that has ledger readings and removes one that
// has none.
func (p *Panels) Delete(ctx context.Context, id int64) (DeleteOutcome, error) {
	var outcome DeleteOutcome
	err := p.Store.WithTx(ctx, func(s Store) error {
		panel, err := requirePanel(ctx, s, id)
		if err != nil {
			return err
		}
		n, err := s.CountReadings(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			panel.Active = false
			outcome = PanelDeactivated
			return s.UpdatePanel(ctx, *panel)
		}
		outcome = PanelDeleted
		return s.DeletePanel(ctx, id)
	})
	if err != nil {
		return "", internal("delete panel", err)
	}
	p.Log.Info().Int64("panel_id", id).Str("outcome", string(outcome)).Msg("panel removed")
	return outcome, nil
}

// Get returns a panel or ErrPanelNotFound.
func (p *Panels) Get(ctx context.Context, id int64) (*Panel, error) {
	panel, err := requirePanel(ctx, p.Store, id)
	if err != nil {
		return nil, internal("get panel", err)
	}
	return panel, nil
}

// List returns panels ordered by name; only active ones unless all is set.
func (p *Panels) List(ctx context.Context, all bool) ([]Panel, error) {
	panels, err := p.Store.ListPanels(ctx, !all)
	if err != nil {
		return nil, internal("list panels", err)
	}
	return panels, nil
}

// Latest returns the panel's latest ledger reading, nil if it has none.
func (p *Panels) Latest(ctx context.Context, id int64) (*Reading, error) {
	if _, err := requirePanel(ctx, p.Store, id); err != nil {
		return nil, internal("latest reading", err)
	}
	r, err := p.Store.LatestReading(ctx, id)
	if err != nil {
		return nil, internal("latest reading", err)
	}
	return r, nil
}

// SeedSamplePanels creates the given panels when the registry is empty.
// Returns how many were created.
func (p *Panels) SeedSamplePanels(ctx context.Context, samples []Panel) (int, error) {
	created := 0
	err := p.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.ListPanels(ctx, false)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		for _, sample := range samples {
			panel := sample
			panel.Active = true
			if err := s.CreatePanel(ctx, &panel); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, internal("seed panels", err)
	}
	return created, nil
}

func validatePanelFields(name, location string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if location == "" {
		return &ValidationError{Field: "location", Message: "is required"}
	}
	return nil
}
