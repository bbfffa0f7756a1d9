/*
store.go - Persistence interface for panels, readings, drafts and sessions

PURPOSE:
  Defines the interface between the reconciliation engine and the
  database. The engine never talks SQL; it asks a Store for records and
  wraps every multi-row write in TxStore.WithTx.

KEY INTERFACES:
  PanelStore:   Panel CRUD and lookup by unique name
  ReadingStore: The ledger (latest reading, same-day lookup, ranges)
  DraftStore:   One provisional reading per panel (upsert by panel)
  SessionStore: The single active session row
  TxStore:      Store + WithTx for all-or-nothing writes

NOT-FOUND CONVENTION:
  Get, Latest, ReadingOnDay and ActiveSession return (nil, nil) when the
  record does not exist. Update and Delete return the matching
  ErrXxxNotFound sentinel when no row was affected.

ORDERING:
  PanelReadings and ReadingsInRange return readings ordered by
  (timestamp, id) ascending. RecentReadings is newest first.
  ListPanels is ordered by name. ListDrafts is ordered by id.

ATOMICITY:
  WithTx executes fn against a transactional view of the store. Reads
  through that view observe the writes made earlier in the same fn, which
  the importer relies on to catch duplicates within one batch. If fn
  returns an error nothing is persisted.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store
  - ledger/store: In-memory store for tests and development

SEE ALSO:
  - reconciler.go, session.go, importer.go: Consumers of these interfaces
*/
package ledger

import (
	"context"
	"time"
)

// PanelStore persists panels.
type PanelStore interface {
	// CreatePanel inserts p and sets p.ID.
	// Returns ErrDuplicatePanelName when the name is taken.
	CreatePanel(ctx context.Context, p *Panel) error
	UpdatePanel(ctx context.Context, p Panel) error
	// DeletePanel removes the panel and, by cascade, its readings and drafts.
	DeletePanel(ctx context.Context, id int64) error
	GetPanel(ctx context.Context, id int64) (*Panel, error)
	GetPanelByName(ctx context.Context, name string) (*Panel, error)
	ListPanels(ctx context.Context, activeOnly bool) ([]Panel, error)
}

// ReadingFilter selects ledger readings. Zero values mean unbounded.
type ReadingFilter struct {
	PanelID int64
	From    time.Time
	To      time.Time
}

// ReadingStore persists the ledger.
type ReadingStore interface {
	// InsertReading appends r and sets r.ID.
	InsertReading(ctx context.Context, r *Reading) error
	UpdateReadingConsumption(ctx context.Context, id int64, consumption *float64, reset bool) error
	DeleteReading(ctx context.Context, id int64) error

	LatestReading(ctx context.Context, panelID int64) (*Reading, error)
	// ReadingOnDay returns the earliest reading of the panel on the given
	// calendar day (DayLayout), or nil.
	ReadingOnDay(ctx context.Context, panelID int64, day string) (*Reading, error)
	PanelReadings(ctx context.Context, panelID int64) ([]Reading, error)
	ReadingsInRange(ctx context.Context, filter ReadingFilter) ([]Reading, error)
	RecentReadings(ctx context.Context, limit int) ([]Reading, error)
	CountReadings(ctx context.Context, panelID int64) (int, error)
}

// DraftStore persists drafts.
type DraftStore interface {
	// SaveDraft inserts or replaces the draft of d.PanelID and sets d.ID.
	SaveDraft(ctx context.Context, d *Draft) error
	GetDraft(ctx context.Context, id int64) (*Draft, error)
	GetDraftByPanel(ctx context.Context, panelID int64) (*Draft, error)
	ListDrafts(ctx context.Context) ([]Draft, error)
	DeleteDraft(ctx context.Context, id int64) error
	// ClearDrafts deletes every draft and returns how many were removed.
	ClearDrafts(ctx context.Context) (int, error)
}

// SessionStore persists collection sessions.
type SessionStore interface {
	ActiveSession(ctx context.Context) (*Session, error)
	// CreateSession inserts s and sets s.ID.
	// Returns ErrSessionAlreadyActive if another active session exists.
	CreateSession(ctx context.Context, s *Session) error
	CloseSession(ctx context.Context, id int64, end time.Time) error
}

// Store is the full datastore consumed by the engine.
type Store interface {
	PanelStore
	ReadingStore
	DraftStore
	SessionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
