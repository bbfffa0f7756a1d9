// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/meter-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func (m *Memory) CreatePanel(ctx context.Context, p *ledger.Panel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreatePanel(ctx, p)
}

func (m *Memory) UpdatePanel(ctx context.Context, p ledger.Panel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePanel(ctx, p)
}

func (m *Memory) DeletePanel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeletePanel(ctx, id)
}

func (m *Memory) GetPanel(ctx context.Context, id int64) (*ledger.Panel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPanel(ctx, id)
}

func (m *Memory) GetPanelByName(ctx context.Context, name string) (*ledger.Panel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPanelByName(ctx, name)
}

func (m *Memory) ListPanels(ctx context.Context, activeOnly bool) ([]ledger.Panel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListPanels(ctx, activeOnly)
}

func (m *Memory) InsertReading(ctx context.Context, r *ledger.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertReading(ctx, r)
}

func (m *Memory) UpdateReadingConsumption(ctx context.Context, id int64, consumption *float64, reset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateReadingConsumption(ctx, id, consumption, reset)
}

func (m *Memory) DeleteReading(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteReading(ctx, id)
}

func (m *Memory) LatestReading(ctx context.Context, panelID int64) (*ledger.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LatestReading(ctx, panelID)
}

func (m *Memory) ReadingOnDay(ctx context.Context, panelID int64, day string) (*ledger.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ReadingOnDay(ctx, panelID, day)
}

func (m *Memory) PanelReadings(ctx context.Context, panelID int64) ([]ledger.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PanelReadings(ctx, panelID)
}

func (m *Memory) ReadingsInRange(ctx context.Context, filter ledger.ReadingFilter) ([]ledger.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ReadingsInRange(ctx, filter)
}

func (m *Memory) RecentReadings(ctx context.Context, limit int) ([]ledger.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RecentReadings(ctx, limit)
}

func (m *Memory) CountReadings(ctx context.Context, panelID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CountReadings(ctx, panelID)
}

func (m *Memory) SaveDraft(ctx context.Context, d *ledger.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveDraft(ctx, d)
}

func (m *Memory) GetDraft(ctx context.Context, id int64) (*ledger.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetDraft(ctx, id)
}

func (m *Memory) GetDraftByPanel(ctx context.Context, panelID int64) (*ledger.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetDraftByPanel(ctx, panelID)
}

func (m *Memory) ListDrafts(ctx context.Context) ([]ledger.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListDrafts(ctx)
}

func (m *Memory) DeleteDraft(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteDraft(ctx, id)
}

func (m *Memory) ClearDrafts(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ClearDrafts(ctx)
}

func (m *Memory) ActiveSession(ctx context.Context) (*ledger.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActiveSession(ctx)
}

func (m *Memory) CreateSession(ctx context.Context, s *ledger.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateSession(ctx, s)
}

func (m *Memory) CloseSession(ctx context.Context, id int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CloseSession(ctx, id, end)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic. fn receives the unlocked state directly; it must not call back
// into tm.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	committed := false
	defer func() {
		if !committed {
			tm.state = snapshot
		}
	}()

	if err := fn(tm.state); err != nil {
		return err
	}
	committed = true
	return nil
}

// =============================================================================
// STATE - The unlocked record set, shared by Memory and the tx view
// =============================================================================

type memState struct {
	panels   map[int64]ledger.Panel
	readings map[int64]ledger.Reading
	drafts   map[int64]ledger.Draft
	sessions map[int64]ledger.Session
	nextID   int64
}

func newMemState() *memState {
	return &memState{
		panels:   make(map[int64]ledger.Panel),
		readings: make(map[int64]ledger.Reading),
		drafts:   make(map[int64]ledger.Draft),
		sessions: make(map[int64]ledger.Session),
	}
}

// clone deep-copies the maps. Records are values except for pointer
// fields, which are never mutated in place.
func (s *memState) clone() *memState {
	c := &memState{
		panels:   make(map[int64]ledger.Panel, len(s.panels)),
		readings: make(map[int64]ledger.Reading, len(s.readings)),
		drafts:   make(map[int64]ledger.Draft, len(s.drafts)),
		sessions: make(map[int64]ledger.Session, len(s.sessions)),
		nextID:   s.nextID,
	}
	for k, v := range s.panels {
		c.panels[k] = v
	}
	for k, v := range s.readings {
		c.readings[k] = v
	}
	for k, v := range s.drafts {
		c.drafts[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// ----- panels -----

func (s *memState) CreatePanel(_ context.Context, p *ledger.Panel) error {
	for _, existing := range s.panels {
		if existing.Name == p.Name {
			return ledger.ErrDuplicatePanelName
		}
	}
	p.ID = s.id()
	s.panels[p.ID] = *p
	return nil
}

func (s *memState) UpdatePanel(_ context.Context, p ledger.Panel) error {
	if _, ok := s.panels[p.ID]; !ok {
		return ledger.ErrPanelNotFound
	}
	for _, existing := range s.panels {
		if existing.ID != p.ID && existing.Name == p.Name {
			return ledger.ErrDuplicatePanelName
		}
	}
	s.panels[p.ID] = p
	return nil
}

func (s *memState) DeletePanel(_ context.Context, id int64) error {
	if _, ok := s.panels[id]; !ok {
		return ledger.ErrPanelNotFound
	}
	delete(s.panels, id)
	for rid, r := range s.readings {
		if r.PanelID == id {
			delete(s.readings, rid)
		}
	}
	for did, d := range s.drafts {
		if d.PanelID == id {
			delete(s.drafts, did)
		}
	}
	return nil
}

func (s *memState) GetPanel(_ context.Context, id int64) (*ledger.Panel, error) {
	p, ok := s.panels[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memState) GetPanelByName(_ context.Context, name string) (*ledger.Panel, error) {
	for _, p := range s.panels {
		if p.Name == name {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *memState) ListPanels(_ context.Context, activeOnly bool) ([]ledger.Panel, error) {
	out := make([]ledger.Panel, 0, len(s.panels))
	for _, p := range s.panels {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ----- readings -----

func (s *memState) InsertReading(_ context.Context, r *ledger.Reading) error {
	if _, ok := s.panels[r.PanelID]; !ok {
		return ledger.ErrPanelNotFound
	}
	r.ID = s.id()
	s.readings[r.ID] = *r
	return nil
}

func (s *memState) UpdateReadingConsumption(_ context.Context, id int64, consumption *float64, reset bool) error {
	r, ok := s.readings[id]
	if !ok {
		return ledger.ErrReadingNotFound
	}
	if consumption != nil {
		v := *consumption
		consumption = &v
	}
	r.Consumption = consumption
	r.Reset = reset
	s.readings[id] = r
	return nil
}

func (s *memState) DeleteReading(_ context.Context, id int64) error {
	if _, ok := s.readings[id]; !ok {
		return ledger.ErrReadingNotFound
	}
	delete(s.readings, id)
	return nil
}

func (s *memState) LatestReading(ctx context.Context, panelID int64) (*ledger.Reading, error) {
	readings, _ := s.PanelReadings(ctx, panelID)
	if len(readings) == 0 {
		return nil, nil
	}
	r := readings[len(readings)-1]
	return &r, nil
}

func (s *memState) ReadingOnDay(ctx context.Context, panelID int64, day string) (*ledger.Reading, error) {
	readings, _ := s.PanelReadings(ctx, panelID)
	for _, r := range readings {
		if r.Day() == day {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memState) PanelReadings(ctx context.Context, panelID int64) ([]ledger.Reading, error) {
	return s.ReadingsInRange(ctx, ledger.ReadingFilter{PanelID: panelID})
}

func (s *memState) ReadingsInRange(_ context.Context, filter ledger.ReadingFilter) ([]ledger.Reading, error) {
	out := make([]ledger.Reading, 0)
	for _, r := range s.readings {
		if filter.PanelID != 0 && r.PanelID != filter.PanelID {
			continue
		}
		if !filter.From.IsZero() && r.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && r.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, r)
	}
	sortReadings(out)
	return out, nil
}

func (s *memState) RecentReadings(ctx context.Context, limit int) ([]ledger.Reading, error) {
	all, _ := s.ReadingsInRange(ctx, ledger.ReadingFilter{})
	out := make([]ledger.Reading, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memState) CountReadings(_ context.Context, panelID int64) (int, error) {
	n := 0
	for _, r := range s.readings {
		if r.PanelID == panelID {
			n++
		}
	}
	return n, nil
}

func sortReadings(rs []ledger.Reading) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Timestamp.Equal(rs[j].Timestamp) {
			return rs[i].Timestamp.Before(rs[j].Timestamp)
		}
		return rs[i].ID < rs[j].ID
	})
}

// ----- drafts -----

func (s *memState) SaveDraft(_ context.Context, d *ledger.Draft) error {
	if _, ok := s.panels[d.PanelID]; !ok {
		return ledger.ErrPanelNotFound
	}
	for _, existing := range s.drafts {
		if existing.PanelID == d.PanelID {
			d.ID = existing.ID
			break
		}
	}
	if d.ID == 0 {
		d.ID = s.id()
	}
	s.drafts[d.ID] = *d
	return nil
}

func (s *memState) GetDraft(_ context.Context, id int64) (*ledger.Draft, error) {
	d, ok := s.drafts[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *memState) GetDraftByPanel(_ context.Context, panelID int64) (*ledger.Draft, error) {
	for _, d := range s.drafts {
		if d.PanelID == panelID {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (s *memState) ListDrafts(_ context.Context) ([]ledger.Draft, error) {
	out := make([]ledger.Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) DeleteDraft(_ context.Context, id int64) error {
	if _, ok := s.drafts[id]; !ok {
		return ledger.ErrDraftNotFound
	}
	delete(s.drafts, id)
	return nil
}

func (s *memState) ClearDrafts(_ context.Context) (int, error) {
	n := len(s.drafts)
	s.drafts = make(map[int64]ledger.Draft)
	return n, nil
}

// ----- sessions -----

func (s *memState) ActiveSession(_ context.Context) (*ledger.Session, error) {
	for _, sess := range s.sessions {
		if sess.Active {
			sess := sess
			return &sess, nil
		}
	}
	return nil, nil
}

func (s *memState) CreateSession(ctx context.Context, sess *ledger.Session) error {
	if sess.Active {
		if active, _ := s.ActiveSession(ctx); active != nil {
			return ledger.ErrSessionAlreadyActive
		}
	}
	sess.ID = s.id()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memState) CloseSession(_ context.Context, id int64, end time.Time) error {
	sess, ok := s.sessions[id]
	if !ok {
		return ledger.ErrSessionNotFound
	}
	sess.Active = false
	sess.EndTime = &end
	s.sessions[id] = sess
	return nil
}
