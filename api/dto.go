/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger's domain types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMESTAMPS:
  time.Time fields are RFC 3339 in the configured zone. Day fields are
  YYYY-MM-DD calendar days in that zone.

VALIDATION:
  Validation is done in the ledger, not in DTOs. Pointer fields mark
  values that must be present (a missing "value" is not a zero reading).

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/meter-ledger/ledger"
)

// =============================================================================
// SESSIONS
// =============================================================================

type SessionDTO struct {
	ID        int64      `json:"id"`
	Active    bool       `json:"active"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Initiator string     `json:"initiator"`
}

type SessionStatusResponse struct {
	Active  bool        `json:"active"`
	Session *SessionDTO `json:"session,omitempty"`
}

type StartSessionRequest struct {
	Initiator string `json:"initiator"`
}

type EndSessionResponse struct {
	Session       SessionDTO `json:"session"`
	DraftsDeleted int        `json:"drafts_deleted"`
}

// =============================================================================
// PANELS
// =============================================================================

type PanelDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Active   bool   `json:"active"`
}

type CreatePanelRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

type UpdatePanelRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	// Active defaults to true when omitted.
	Active *bool `json:"active"`
}

type DeletePanelResponse struct {
	ID      int64  `json:"id"`
	Outcome string `json:"outcome"`
}

// =============================================================================
// READINGS & DRAFTS
// =============================================================================

type ReadingDTO struct {
	ID          int64     `json:"id"`
	PanelID     int64     `json:"panel_id"`
	PanelName   string    `json:"panel_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Day         string    `json:"day"`
	MeterValue  float64   `json:"meter_value"`
	Consumption *float64  `json:"consumption"`
	Reset       bool      `json:"reset"`
}

type DraftDTO struct {
	ID                     int64     `json:"id"`
	PanelID                int64     `json:"panel_id"`
	Timestamp              time.Time `json:"timestamp"`
	Day                    string    `json:"day"`
	MeterValue             float64   `json:"meter_value"`
	ProvisionalConsumption float64   `json:"provisional_consumption"`
	Reset                  bool      `json:"reset"`
}

type SubmitDraftRequest struct {
	PanelID int64    `json:"panel_id"`
	Value   *float64 `json:"value"`
}

type EditDraftRequest struct {
	Value *float64 `json:"value"`
}

// InconsistencyResponse is the 409 body of a submission below the latest
// ledger value. Resubmit to /api/drafts/confirm-reset to accept it.
type InconsistencyResponse struct {
	Error                string  `json:"error"`
	PanelID              int64   `json:"panel_id"`
	PanelName            string  `json:"panel_name"`
	PriorValue           float64 `json:"prior_value"`
	NewValue             float64 `json:"new_value"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
}

type CollectorEntryDTO struct {
	Panel     PanelDTO  `json:"panel"`
	Collected bool      `json:"collected"`
	Draft     *DraftDTO `json:"draft,omitempty"`
}

type DraftReviewDTO struct {
	Draft         DraftDTO    `json:"draft"`
	PanelName     string      `json:"panel_name"`
	PanelLocation string      `json:"panel_location"`
	Baseline      float64     `json:"baseline"`
	DeviationPct  float64     `json:"deviation_pct"`
	Severity      string      `json:"severity"`
	LastReading   *ReadingDTO `json:"last_reading,omitempty"`
}

type ConflictDTO struct {
	Draft         DraftDTO    `json:"draft"`
	PanelName     string      `json:"panel_name"`
	PanelLocation string      `json:"panel_location"`
	Conflicting   bool        `json:"conflicting"`
	Existing      *ReadingDTO `json:"existing,omitempty"`
}

type ConflictReportResponse struct {
	HasConflicts bool          `json:"has_conflicts"`
	Drafts       []ConflictDTO `json:"drafts"`
}

// ConsolidateRequest maps draft ids (as JSON object keys) to
// replace | keep_both | skip.
type ConsolidateRequest struct {
	Decisions map[string]string `json:"decisions"`
}

type ConsolidationResponse struct {
	Consolidated int `json:"consolidated"`
	Replaced     int `json:"replaced"`
	Skipped      int `json:"skipped"`
}

type NewCountResponse struct {
	DraftsDeleted int `json:"drafts_deleted"`
}

// =============================================================================
// REPORTS
// =============================================================================

type PanelSummaryDTO struct {
	Panel            PanelDTO   `json:"panel"`
	CurrentValue     float64    `json:"current_value"`
	TodayConsumption float64    `json:"today_consumption"`
	Status           string     `json:"status"`
	LastReadingAt    *time.Time `json:"last_reading_at,omitempty"`
	Reset            bool       `json:"reset"`
}

type DashboardDTO struct {
	Day              string            `json:"day"`
	TodayConsumption float64           `json:"today_consumption"`
	DailyAverage     float64           `json:"daily_average"`
	WindowDays       int               `json:"window_days"`
	PendingDrafts    int               `json:"pending_drafts"`
	Panels           []PanelSummaryDTO `json:"panels"`
}

type AnalysisRowDTO struct {
	ReadingDTO
	PanelLocation string `json:"panel_location"`
}

type SeriesDTO struct {
	PanelID   int64     `json:"panel_id"`
	PanelName string    `json:"panel_name"`
	Values    []float64 `json:"values"`
}

type AnalysisDTO struct {
	Count  int              `json:"count"`
	Rows   []AnalysisRowDTO `json:"rows"`
	Days   []string         `json:"days"`
	Series []SeriesDTO      `json:"series"`
	Totals []float64        `json:"totals"`
}

// =============================================================================
// IMPORT
// =============================================================================

type ImportRowErrorDTO struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ImportReportDTO struct {
	BatchID       string              `json:"batch_id"`
	Inserted      int                 `json:"inserted"`
	Duplicates    int                 `json:"duplicates"`
	PanelsCreated []string            `json:"panels_created"`
	Errors        []ImportRowErrorDTO `json:"errors"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toSessionDTO(s ledger.Session) SessionDTO {
	return SessionDTO{
		ID:        s.ID,
		Active:    s.Active,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Initiator: s.Initiator,
	}
}

func toPanelDTO(p ledger.Panel) PanelDTO {
	return PanelDTO{ID: p.ID, Name: p.Name, Location: p.Location, Active: p.Active}
}

func toReadingDTO(r ledger.Reading) ReadingDTO {
	return ReadingDTO{
		ID:          r.ID,
		PanelID:     r.PanelID,
		Timestamp:   r.Timestamp,
		Day:         r.Day(),
		MeterValue:  r.MeterValue,
		Consumption: r.Consumption,
		Reset:       r.Reset,
	}
}

func toReadingDTOPtr(r *ledger.Reading) *ReadingDTO {
	if r == nil {
		return nil
	}
	dto := toReadingDTO(*r)
	return &dto
}

func toDraftDTO(d ledger.Draft) DraftDTO {
	return DraftDTO{
		ID:                     d.ID,
		PanelID:                d.PanelID,
		Timestamp:              d.Timestamp,
		Day:                    d.Day(),
		MeterValue:             d.MeterValue,
		ProvisionalConsumption: d.ProvisionalConsumption,
		Reset:                  d.Reset,
	}
}

func toImportReportDTO(r ledger.ImportReport) ImportReportDTO {
	dto := ImportReportDTO{
		BatchID:       r.BatchID,
		Inserted:      r.Inserted,
		Duplicates:    r.Duplicates,
		PanelsCreated: r.PanelsCreated,
		Errors:        make([]ImportRowErrorDTO, len(r.Errors)),
	}
	if dto.PanelsCreated == nil {
		dto.PanelsCreated = []string{}
	}
	for i, e := range r.Errors {
		dto.Errors[i] = ImportRowErrorDTO{Row: e.Row, Message: e.Message}
	}
	return dto
}
