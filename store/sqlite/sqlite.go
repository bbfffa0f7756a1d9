/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists panels, readings, drafts and sessions. The same SQL runs
  against the database handle or an open transaction: every query goes
  through a sqlx.ExtContext, so reads inside WithTx see the writes made
  earlier in the same transaction.

KEY TABLES:
  panels:   Meter registry (unique name, soft-delete via active)
  readings: The ledger, one row per committed observation
  drafts:   Provisional readings, at most one per panel
  sessions: Collection windows, at most one active

CONSTRAINTS ENFORCED BY THE SCHEMA:
  - panels.name UNIQUE                    → ledger.ErrDuplicatePanelName
  - drafts.panel_id UNIQUE (upsert target)
  - idx_sessions_single_active            → ledger.ErrSessionAlreadyActive
  - FKs with ON DELETE CASCADE            → deleting a panel drops its rows

TIMESTAMPS:
  Stored as UTC text in a fixed-width layout (tsLayout) so string order is
  time order. The calendar day is computed in Go in the store's location
  and stored in the day column; SQLite's DATE() would use UTC instead.
  Values are converted back to the store's location on read.

CONCURRENCY:
  The pool is limited to one connection. Writers are serialized by SQLite
  itself and ":memory:" databases stay on a single connection.

USAGE:
  store, err := sqlite.New("./data/ledger.db", time.Local)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/meter-ledger/ledger"
)

// tsLayout sorts lexicographically in time order when used in UTC.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	queries
	db *sqlx.DB
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, loc *time.Location) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := Open(db, loc)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open wraps an existing handle without migrating it.
func Open(db *sqlx.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{queries: queries{ext: db, loc: loc}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS panels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		location TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		panel_id INTEGER NOT NULL REFERENCES panels(id) ON DELETE CASCADE,
		ts TEXT NOT NULL,
		day TEXT NOT NULL,
		meter_value REAL NOT NULL,
		consumption REAL,
		reset INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_readings_panel_ts ON readings(panel_id, ts, id);
	CREATE INDEX IF NOT EXISTS idx_readings_panel_day ON readings(panel_id, day);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);

	CREATE TABLE IF NOT EXISTS drafts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		panel_id INTEGER NOT NULL UNIQUE REFERENCES panels(id) ON DELETE CASCADE,
		ts TEXT NOT NULL,
		meter_value REAL NOT NULL,
		consumption REAL NOT NULL,
		reset INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		active INTEGER NOT NULL,
		start_ts TEXT NOT NULL,
		end_ts TEXT,
		initiator TEXT NOT NULL
	);

	-- At most one active session
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
		ON sessions(active) WHERE active = 1;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{ext: tx, loc: s.loc}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries implements ledger.Store over a db handle or a transaction.
type queries struct {
	ext sqlx.ExtContext
	loc *time.Location
}

// =============================================================================
// ROWS
// =============================================================================

type panelRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Location string `db:"location"`
	Active   bool   `db:"active"`
}

func (r panelRow) toPanel() ledger.Panel {
	return ledger.Panel{ID: r.ID, Name: r.Name, Location: r.Location, Active: r.Active}
}

type readingRow struct {
	ID          int64           `db:"id"`
	PanelID     int64           `db:"panel_id"`
	TS          string          `db:"ts"`
	Day         string          `db:"day"`
	MeterValue  float64         `db:"meter_value"`
	Consumption sql.NullFloat64 `db:"consumption"`
	Reset       bool            `db:"reset"`
}

func (q queries) toReading(r readingRow) (ledger.Reading, error) {
	ts, err := q.parseTS(r.TS)
	if err != nil {
		return ledger.Reading{}, err
	}
	reading := ledger.Reading{
		ID:         r.ID,
		PanelID:    r.PanelID,
		Timestamp:  ts,
		MeterValue: r.MeterValue,
		Reset:      r.Reset,
	}
	if r.Consumption.Valid {
		v := r.Consumption.Float64
		reading.Consumption = &v
	}
	return reading, nil
}

type draftRow struct {
	ID          int64   `db:"id"`
	PanelID     int64   `db:"panel_id"`
	TS          string  `db:"ts"`
	MeterValue  float64 `db:"meter_value"`
	Consumption float64 `db:"consumption"`
	Reset       bool    `db:"reset"`
}

func (q queries) toDraft(r draftRow) (ledger.Draft, error) {
	ts, err := q.parseTS(r.TS)
	if err != nil {
		return ledger.Draft{}, err
	}
	return ledger.Draft{
		ID:                     r.ID,
		PanelID:                r.PanelID,
		Timestamp:              ts,
		MeterValue:             r.MeterValue,
		ProvisionalConsumption: r.Consumption,
		Reset:                  r.Reset,
	}, nil
}

type sessionRow struct {
	ID        int64          `db:"id"`
	Active    bool           `db:"active"`
	StartTS   string         `db:"start_ts"`
	EndTS     sql.NullString `db:"end_ts"`
	Initiator string         `db:"initiator"`
}

func (q queries) toSession(r sessionRow) (ledger.Session, error) {
	start, err := q.parseTS(r.StartTS)
	if err != nil {
		return ledger.Session{}, err
	}
	sess := ledger.Session{ID: r.ID, Active: r.Active, StartTime: start, Initiator: r.Initiator}
	if r.EndTS.Valid {
		end, err := q.parseTS(r.EndTS.String)
		if err != nil {
			return ledger.Session{}, err
		}
		sess.EndTime = &end
	}
	return sess, nil
}

// =============================================================================
// PANEL STORE
// =============================================================================

func (q queries) CreatePanel(ctx context.Context, p *ledger.Panel) error {
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO panels (name, location, active) VALUES (?, ?, ?)`,
		p.Name, p.Location, p.Active)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicatePanelName
		}
		return fmt.Errorf("failed to insert panel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (q queries) UpdatePanel(ctx context.Context, p ledger.Panel) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE panels SET name = ?, location = ?, active = ? WHERE id = ?`,
		p.Name, p.Location, p.Active, p.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicatePanelName
		}
		return fmt.Errorf("failed to update panel: %w", err)
	}
	return requireAffected(res, ledger.ErrPanelNotFound)
}

func (q queries) DeletePanel(ctx context.Context, id int64) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM panels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete panel: %w", err)
	}
	return requireAffected(res, ledger.ErrPanelNotFound)
}

func (q queries) GetPanel(ctx context.Context, id int64) (*ledger.Panel, error) {
	return q.getPanel(ctx, `SELECT id, name, location, active FROM panels WHERE id = ?`, id)
}

func (q queries) GetPanelByName(ctx context.Context, name string) (*ledger.Panel, error) {
	return q.getPanel(ctx, `SELECT id, name, location, active FROM panels WHERE name = ?`, name)
}

func (q queries) getPanel(ctx context.Context, query string, args ...any) (*ledger.Panel, error) {
	var row panelRow
	if err := sqlx.GetContext(ctx, q.ext, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get panel: %w", err)
	}
	p := row.toPanel()
	return &p, nil
}

func (q queries) ListPanels(ctx context.Context, activeOnly bool) ([]ledger.Panel, error) {
	query := `SELECT id, name, location, active FROM panels`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	var rows []panelRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list panels: %w", err)
	}
	panels := make([]ledger.Panel, 0, len(rows))
	for _, r := range rows {
		panels = append(panels, r.toPanel())
	}
	return panels, nil
}

// =============================================================================
// READING STORE
// =============================================================================

const readingColumns = `id, panel_id, ts, day, meter_value, consumption, reset`

func (q queries) InsertReading(ctx context.Context, r *ledger.Reading) error {
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO readings (panel_id, ts, day, meter_value, consumption, reset)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.PanelID, q.formatTS(r.Timestamp), q.day(r.Timestamp), r.MeterValue, nullFloat(r.Consumption), r.Reset)
	if err != nil {
		if isForeignKeyError(err) {
			return ledger.ErrPanelNotFound
		}
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (q queries) UpdateReadingConsumption(ctx context.Context, id int64, consumption *float64, reset bool) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE readings SET consumption = ?, reset = ? WHERE id = ?`,
		nullFloat(consumption), reset, id)
	if err != nil {
		return fmt.Errorf("failed to update reading: %w", err)
	}
	return requireAffected(res, ledger.ErrReadingNotFound)
}

func (q queries) DeleteReading(ctx context.Context, id int64) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM readings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reading: %w", err)
	}
	return requireAffected(res, ledger.ErrReadingNotFound)
}

func (q queries) LatestReading(ctx context.Context, panelID int64) (*ledger.Reading, error) {
	return q.getReading(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE panel_id = ? ORDER BY ts DESC, id DESC LIMIT 1`,
		panelID)
}

func (q queries) ReadingOnDay(ctx context.Context, panelID int64, day string) (*ledger.Reading, error) {
	return q.getReading(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE panel_id = ? AND day = ? ORDER BY ts, id LIMIT 1`,
		panelID, day)
}

func (q queries) PanelReadings(ctx context.Context, panelID int64) ([]ledger.Reading, error) {
	return q.ReadingsInRange(ctx, ledger.ReadingFilter{PanelID: panelID})
}

func (q queries) ReadingsInRange(ctx context.Context, filter ledger.ReadingFilter) ([]ledger.Reading, error) {
	var (
		where []string
		args  []any
	)
	if filter.PanelID != 0 {
		where = append(where, "panel_id = ?")
		args = append(args, filter.PanelID)
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.formatTS(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.formatTS(filter.To))
	}

	query := `SELECT ` + readingColumns + ` FROM readings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts, id`
	return q.selectReadings(ctx, query, args...)
}

func (q queries) RecentReadings(ctx context.Context, limit int) ([]ledger.Reading, error) {
	return q.selectReadings(ctx,
		`SELECT `+readingColumns+` FROM readings ORDER BY ts DESC, id DESC LIMIT ?`,
		limit)
}

func (q queries) CountReadings(ctx context.Context, panelID int64) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.ext, &n, `SELECT COUNT(*) FROM readings WHERE panel_id = ?`, panelID); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

func (q queries) getReading(ctx context.Context, query string, args ...any) (*ledger.Reading, error) {
	var row readingRow
	if err := sqlx.GetContext(ctx, q.ext, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}
	r, err := q.toReading(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q queries) selectReadings(ctx context.Context, query string, args ...any) ([]ledger.Reading, error) {
	var rows []readingRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	readings := make([]ledger.Reading, 0, len(rows))
	for _, row := range rows {
		r, err := q.toReading(row)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// =============================================================================
// DRAFT STORE
// =============================================================================

const draftColumns = `id, panel_id, ts, meter_value, consumption, reset`

func (q queries) SaveDraft(ctx context.Context, d *ledger.Draft) error {
	var id int64
	err := q.ext.QueryRowxContext(ctx,
		`INSERT INTO drafts (panel_id, ts, meter_value, consumption, reset)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(panel_id) DO UPDATE SET
			ts = excluded.ts,
			meter_value = excluded.meter_value,
			consumption = excluded.consumption,
			reset = excluded.reset
		 RETURNING id`,
		d.PanelID, q.formatTS(d.Timestamp), d.MeterValue, d.ProvisionalConsumption, d.Reset,
	).Scan(&id)
	if err != nil {
		if isForeignKeyError(err) {
			return ledger.ErrPanelNotFound
		}
		return fmt.Errorf("failed to save draft: %w", err)
	}
	d.ID = id
	return nil
}

func (q queries) GetDraft(ctx context.Context, id int64) (*ledger.Draft, error) {
	return q.getDraft(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
}

func (q queries) GetDraftByPanel(ctx context.Context, panelID int64) (*ledger.Draft, error) {
	return q.getDraft(ctx, `SELECT `+draftColumns+` FROM drafts WHERE panel_id = ?`, panelID)
}

func (q queries) getDraft(ctx context.Context, query string, args ...any) (*ledger.Draft, error) {
	var row draftRow
	if err := sqlx.GetContext(ctx, q.ext, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	d, err := q.toDraft(row)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (q queries) ListDrafts(ctx context.Context) ([]ledger.Draft, error) {
	var rows []draftRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, `SELECT `+draftColumns+` FROM drafts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	drafts := make([]ledger.Draft, 0, len(rows))
	for _, row := range rows {
		d, err := q.toDraft(row)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

func (q queries) DeleteDraft(ctx context.Context, id int64) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return requireAffected(res, ledger.ErrDraftNotFound)
}

func (q queries) ClearDrafts(ctx context.Context) (int, error) {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM drafts`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear drafts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =============================================================================
// SESSION STORE
// =============================================================================

func (q queries) ActiveSession(ctx context.Context) (*ledger.Session, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT id, active, start_ts, end_ts, initiator FROM sessions WHERE active = 1 LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	sess, err := q.toSession(row)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (q queries) CreateSession(ctx context.Context, s *ledger.Session) error {
	var end sql.NullString
	if s.EndTime != nil {
		end = sql.NullString{String: q.formatTS(*s.EndTime), Valid: true}
	}
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO sessions (active, start_ts, end_ts, initiator) VALUES (?, ?, ?, ?)`,
		s.Active, q.formatTS(s.StartTime), end, s.Initiator)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrSessionAlreadyActive
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

func (q queries) CloseSession(ctx context.Context, id int64, end time.Time) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE sessions SET active = 0, end_ts = ? WHERE id = ?`,
		q.formatTS(end), id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return requireAffected(res, ledger.ErrSessionNotFound)
}

// =============================================================================
// HELPERS
// =============================================================================

func (q queries) formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func (q queries) parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t.In(q.loc), nil
}

func (q queries) day(t time.Time) string {
	return ledger.DayOf(t.In(q.loc))
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
