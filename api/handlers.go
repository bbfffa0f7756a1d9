/*
handlers.go - HTTP API handlers for the meter ledger

PURPOSE:
  Exposes the reconciliation engine via a JSON API. Handlers parse the
  request, call one ledger operation and serialize its outcome.

ENDPOINTS:
  Session:
    GET    /api/session                 Current session status
    POST   /api/session/start           Open a collection session
    POST   /api/session/end             Close it and discard drafts

  Panels:
    GET    /api/panels[?all=true]       List panels
    POST   /api/panels                  Create panel
    PUT    /api/panels/{id}             Update panel
    DELETE /api/panels/{id}             Deactivate or delete panel
    GET    /api/panels/{id}/latest      Latest ledger reading

  Drafts:
    GET    /api/drafts                  Collector checklist for today
    POST   /api/drafts                  Submit a value (409 on rollover)
    POST   /api/drafts/confirm-reset    Submit a confirmed rollover
    PUT    /api/drafts/{id}             Edit a draft value
    GET    /api/drafts/review           Drafts with anomaly scores
    GET    /api/drafts/conflicts        Same-day conflicts with the ledger
    POST   /api/drafts/consolidate      Move drafts into the ledger
    POST   /api/drafts/new-count        Discard all drafts

  Readings & reports:
    GET    /api/readings                Latest 50 readings
    GET    /api/readings/analysis       Filtered readings and series
    GET    /api/dashboard               Today's overview

  Import:
    POST   /api/import                  Upload .xlsx (multipart "file")
    GET    /api/import/template         Download the import template

ERROR HANDLING:
  writeLedgerError maps error categories to statuses:
  - 400: ErrValidation
  - 403: ErrSessionInactive (no session open for a submission)
  - 404: ErrNotFound
  - 409: Other ErrState (session already open, nothing to consolidate)
  - 500: Everything else (the transaction was rolled back)

  A rollover inconsistency is not an error: it is a 409 with an
  InconsistencyResponse body.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/metrics"
	"github.com/warp/meter-ledger/spreadsheet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures the services behind the handler.
type Options struct {
	Clock          ledger.Clock
	Policy         ledger.AnomalyPolicy
	DateLayouts    []string
	Location       *time.Location
	MaxUploadBytes int64
	Log            zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Sessions   *ledger.SessionController
	Reconciler *ledger.Reconciler
	Panels     *ledger.Panels
	Reports    *ledger.Reports
	Importer   *ledger.Importer

	location       *time.Location
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewHandler wires the ledger services over store.
func NewHandler(store ledger.TxStore, opts Options) *Handler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = ledger.SystemClock{Location: opts.Location}
	}
	if opts.Policy == (ledger.AnomalyPolicy{}) {
		opts.Policy = ledger.DefaultAnomalyPolicy()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		Store:          store,
		Sessions:       ledger.NewSessionController(store, opts.Clock, opts.Log),
		Reconciler:     ledger.NewReconciler(store, opts.Clock, opts.Policy, opts.Log),
		Panels:         ledger.NewPanels(store, opts.Log),
		Reports:        ledger.NewReports(store, opts.Clock, opts.Policy),
		Importer:       ledger.NewImporter(store, opts.DateLayouts, opts.Location, opts.Log),
		location:       opts.Location,
		maxUploadBytes: opts.MaxUploadBytes,
		log:            opts.Log,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// GetSession returns the current session status.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Status(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := SessionStatusResponse{Active: sess != nil}
	if sess != nil {
		dto := toSessionDTO(*sess)
		resp.Session = &dto
	}
	metrics.SetSessionActive(resp.Active)
	writeJSON(w, http.StatusOK, resp)
}

// StartSession opens a collection session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sess, err := h.Sessions.Start(r.Context(), req.Initiator)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.SetSessionActive(true)
	writeJSON(w, http.StatusCreated, toSessionDTO(*sess))
}

// EndSession closes the active session and discards every draft.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sessions.End(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.SetSessionActive(false)
	writeJSON(w, http.StatusOK, EndSessionResponse{
		Session:       toSessionDTO(res.Session),
		DraftsDeleted: res.DraftsDeleted,
	})
}

// =============================================================================
// PANEL HANDLERS
// =============================================================================

// ListPanels returns active panels, or all with ?all=true.
func (h *Handler) ListPanels(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	panels, err := h.Panels.List(r.Context(), all)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]PanelDTO, len(panels))
	for i, p := range panels {
		dtos[i] = toPanelDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePanel registers a panel.
func (h *Handler) CreatePanel(w http.ResponseWriter, r *http.Request) {
	var req CreatePanelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Panels.Create(r.Context(), req.Name, req.Location)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPanelDTO(*p))
}

// UpdatePanel rewrites a panel.
func (h *Handler) UpdatePanel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdatePanelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	p, err := h.Panels.Update(r.Context(), id, req.Name, req.Location, active)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPanelDTO(*p))
}

// DeletePanel deactivates a panel with readings and removes one without.
func (h *Handler) DeletePanel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	outcome, err := h.Panels.Delete(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletePanelResponse{ID: id, Outcome: string(outcome)})
}

// LatestReading returns the panel's latest ledger reading, or null.
func (h *Handler) LatestReading(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	reading, err := h.Panels.Latest(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTOPtr(reading))
}

// =============================================================================
// DRAFT HANDLERS
// =============================================================================

// CollectorView lists active panels with today's drafts.
func (h *Handler) CollectorView(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Reconciler.CollectorView(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]CollectorEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = CollectorEntryDTO{Panel: toPanelDTO(e.Panel), Collected: e.Draft != nil}
		if e.Draft != nil {
			d := toDraftDTO(*e.Draft)
			dtos[i].Draft = &d
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitDraft stages a meter value. A value below the latest ledger value
// is answered with 409 and an InconsistencyResponse.
func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	var req SubmitDraftRequest
	if !decodeSubmission(w, r, &req) {
		return
	}
	res, err := h.Reconciler.SubmitDraft(r.Context(), req.PanelID, *req.Value)
	if err != nil {
		metrics.DraftsSubmitted.WithLabelValues("rejected", "http").Inc()
		writeLedgerError(w, err)
		return
	}
	if !res.Accepted() {
		metrics.DraftsSubmitted.WithLabelValues("inconsistent", "http").Inc()
		inc := res.Inconsistency
		writeJSON(w, http.StatusConflict, InconsistencyResponse{
			Error: fmt.Sprintf("Reading %v is lower than the latest reading %v of %s. Confirm a meter reset to keep it.",
				inc.NewValue, inc.PriorValue, inc.PanelName),
			PanelID:              inc.PanelID,
			PanelName:            inc.PanelName,
			PriorValue:           inc.PriorValue,
			NewValue:             inc.NewValue,
			RequiresConfirmation: true,
		})
		return
	}
	metrics.DraftsSubmitted.WithLabelValues("accepted", "http").Inc()
	writeJSON(w, http.StatusCreated, toDraftDTO(*res.Draft))
}

// ConfirmReset stages a value after the collector confirmed a rollover.
func (h *Handler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req SubmitDraftRequest
	if !decodeSubmission(w, r, &req) {
		return
	}
	d, err := h.Reconciler.ConfirmReset(r.Context(), req.PanelID, *req.Value)
	if err != nil {
		metrics.DraftsSubmitted.WithLabelValues("rejected", "http").Inc()
		writeLedgerError(w, err)
		return
	}
	metrics.DraftsSubmitted.WithLabelValues("reset", "http").Inc()
	writeJSON(w, http.StatusCreated, toDraftDTO(*d))
}

// EditDraft replaces a draft's value.
func (h *Handler) EditDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req EditDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required", nil)
		return
	}
	d, err := h.Reconciler.EditDraft(r.Context(), id, *req.Value)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftDTO(*d))
}

// ReviewDrafts returns every draft with its anomaly assessment.
func (h *Handler) ReviewDrafts(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.Reconciler.ReviewDrafts(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]DraftReviewDTO, len(reviews))
	for i, rv := range reviews {
		dtos[i] = DraftReviewDTO{
			Draft:         toDraftDTO(rv.Draft),
			PanelName:     rv.PanelName,
			PanelLocation: rv.PanelLocation,
			Baseline:      rv.Assessment.Baseline,
			DeviationPct:  rv.Assessment.DeviationPct,
			Severity:      string(rv.Assessment.Severity),
			LastReading:   toReadingDTOPtr(rv.LastReading),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DetectConflicts reports drafts that collide with same-day readings.
func (h *Handler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.DetectConflicts(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := ConflictReportResponse{
		HasConflicts: report.HasConflicts(),
		Drafts:       make([]ConflictDTO, len(report.Drafts)),
	}
	for i, c := range report.Drafts {
		resp.Drafts[i] = ConflictDTO{
			Draft:         toDraftDTO(c.Draft),
			PanelName:     c.PanelName,
			PanelLocation: c.PanelLocation,
			Conflicting:   c.Conflicting(),
			Existing:      toReadingDTOPtr(c.Existing),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Consolidate moves drafts into the ledger.
func (h *Handler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req ConsolidateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	decisions := make(map[int64]ledger.Decision, len(req.Decisions))
	for key, value := range req.Decisions {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Decision keys must be draft ids", err)
			return
		}
		d, err := ledger.ParseDecision(value)
		if err != nil {
			writeLedgerError(w, fmt.Errorf("draft %d: %w", id, err))
			return
		}
		decisions[id] = d
	}

	res, err := h.Reconciler.Consolidate(r.Context(), decisions)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.ObserveConsolidation(res.Consolidated, res.Replaced, res.Skipped)
	writeJSON(w, http.StatusOK, ConsolidationResponse{
		Consolidated: res.Consolidated,
		Replaced:     res.Replaced,
		Skipped:      res.Skipped,
	})
}

// StartNewCount discards every draft, keeping the session open.
func (h *Handler) StartNewCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reconciler.StartNewCount(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewCountResponse{DraftsDeleted: n})
}

// =============================================================================
// READING & REPORT HANDLERS
// =============================================================================

// ListReadings returns the most recent ledger readings.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := h.Reports.RecentReadings(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	names, err := h.panelNames(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]ReadingDTO, len(readings))
	for i, rd := range readings {
		dtos[i] = toReadingDTO(rd)
		dtos[i].PanelName = names[rd.PanelID]
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Analysis returns readings filtered by ?from, ?to (YYYY-MM-DD) and
// ?panel_id, with daily series.
func (h *Handler) Analysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.AnalysisFilter
	var err error
	if filter.From, err = h.parseDay(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date (want YYYY-MM-DD)", err)
		return
	}
	if filter.To, err = h.parseDay(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date (want YYYY-MM-DD)", err)
		return
	}
	if s := q.Get("panel_id"); s != "" {
		if filter.PanelID, err = strconv.ParseInt(s, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid panel_id", err)
			return
		}
	}

	a, err := h.Reports.Analyze(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dto := AnalysisDTO{
		Count:  len(a.Rows),
		Rows:   make([]AnalysisRowDTO, len(a.Rows)),
		Days:   a.Days,
		Series: make([]SeriesDTO, len(a.Series)),
		Totals: a.Totals,
	}
	if dto.Days == nil {
		dto.Days = []string{}
	}
	for i, row := range a.Rows {
		rd := toReadingDTO(row.Reading)
		rd.PanelName = row.PanelName
		dto.Rows[i] = AnalysisRowDTO{ReadingDTO: rd, PanelLocation: row.PanelLocation}
	}
	for i, s := range a.Series {
		dto.Series[i] = SeriesDTO{PanelID: s.PanelID, PanelName: s.PanelName, Values: s.Values}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Dashboard returns today's overview.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Reports.Dashboard(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dto := DashboardDTO{
		Day:              d.Day,
		TodayConsumption: d.TodayConsumption,
		DailyAverage:     d.DailyAverage,
		WindowDays:       d.WindowDays,
		PendingDrafts:    d.PendingDrafts,
		Panels:           make([]PanelSummaryDTO, len(d.Panels)),
	}
	for i, p := range d.Panels {
		dto.Panels[i] = PanelSummaryDTO{
			Panel:            toPanelDTO(p.Panel),
			CurrentValue:     p.CurrentValue,
			TodayConsumption: p.TodayConsumption,
			Status:           string(p.Status),
			LastReadingAt:    p.LastReadingAt,
			Reset:            p.Reset,
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// IMPORT HANDLERS
// =============================================================================

// Import loads an uploaded .xlsx workbook into the ledger.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File exceeds the %d MB upload limit", h.maxUploadBytes>>20), err)
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded (expected multipart field \"file\")", err)
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
		writeError(w, http.StatusBadRequest, "Invalid format, upload an .xlsx file", nil)
		return
	}

	src, err := spreadsheet.NewReader(file)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	defer src.Close()

	started := time.Now()
	report, err := h.Importer.Import(r.Context(), src)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.ObserveImport(report.Inserted, report.Duplicates, len(report.Errors), time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, toImportReportDTO(report))
}

// ImportTemplate serves the import template workbook.
func (h *Handler) ImportTemplate(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := spreadsheet.WriteTemplate(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build template", err)
		return
	}
	w.Header().Set("Content-Type", spreadsheet.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", spreadsheet.TemplateFilename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a ledger error category to its HTTP status.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, ledger.ErrSessionInactive):
		writeError(w, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, ledger.ErrState), errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error, nothing was saved", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func decodeSubmission(w http.ResponseWriter, r *http.Request, req *SubmitDraftRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if req.PanelID <= 0 {
		writeError(w, http.StatusBadRequest, "panel_id is required", nil)
		return false
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required", nil)
		return false
	}
	return true
}

// decodeOptionalJSON decodes the body into v, accepting an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(ledger.DayLayout, s, h.location)
}

func (h *Handler) panelNames(r *http.Request) (map[int64]string, error) {
	panels, err := h.Panels.List(r.Context(), true)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(panels))
	for _, p := range panels {
		names[p.ID] = p.Name
	}
	return names, nil
}
