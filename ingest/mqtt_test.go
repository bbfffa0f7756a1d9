package ingest_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/ingest"
	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/metrics"
)

// fakeSubmitter records calls and answers with canned results.
type fakeSubmitter struct {
	submitted []float64
	resets    []float64
	result    ledger.SubmitResult
	err       error
}

func (f *fakeSubmitter) SubmitDraft(_ context.Context, _ int64, value float64) (ledger.SubmitResult, error) {
	f.submitted = append(f.submitted, value)
	return f.result, f.err
}

func (f *fakeSubmitter) ConfirmReset(_ context.Context, panelID int64, value float64) (*ledger.Draft, error) {
	f.resets = append(f.resets, value)
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Draft{PanelID: panelID, MeterValue: value, Reset: true}, nil
}

// message implements mqtt.Message.
type message struct {
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return "meters/readings" }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

func TestHandle_Outcomes(t *testing.T) {
	accepted := ledger.SubmitResult{Draft: &ledger.Draft{ID: 1}}
	inconsistent := ledger.SubmitResult{Inconsistency: &ledger.Inconsistency{PriorValue: 10, NewValue: 5}}

	tests := []struct {
		name    string
		payload string
		result  ledger.SubmitResult
		err     error
		want    ingest.Outcome
		wantErr error
	}{
		{"accepted", `{"panel_id":1,"value":12.5}`, accepted, nil, ingest.OutcomeAccepted, nil},
		{"rollover prompt", `{"panel_id":1,"value":5}`, inconsistent, nil, ingest.OutcomeInconsistent, nil},
		{"confirmed reset", `{"panel_id":1,"value":5,"confirm_reset":true}`, accepted, nil, ingest.OutcomeReset, nil},
		{"zero value is allowed", `{"panel_id":1,"value":0}`, accepted, nil, ingest.OutcomeAccepted, nil},
		{"not json", `panel=1`, accepted, nil, ingest.OutcomeRejected, ingest.ErrInvalidPayload},
		{"missing panel", `{"value":5}`, accepted, nil, ingest.OutcomeRejected, ingest.ErrInvalidPayload},
		{"missing value", `{"panel_id":1}`, accepted, nil, ingest.OutcomeRejected, ingest.ErrInvalidPayload},
		{"session closed", `{"panel_id":1,"value":5}`, ledger.SubmitResult{}, ledger.ErrSessionInactive, ingest.OutcomeRejected, ledger.ErrSessionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{result: tt.result, err: tt.err}
			h := ingest.NewHandler(sub, zerolog.Nop())

			got, err := h.Handle(context.Background(), []byte(tt.payload))

			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestHandle_InvalidPayloadIsValidationError(t *testing.T) {
	h := ingest.NewHandler(&fakeSubmitter{}, zerolog.Nop())

	_, err := h.Handle(context.Background(), []byte(`{}`))

	assert.True(t, ledger.IsClientError(err))
}

func TestHandle_RoutesResetConfirmation(t *testing.T) {
	sub := &fakeSubmitter{result: ledger.SubmitResult{Draft: &ledger.Draft{}}}
	h := ingest.NewHandler(sub, zerolog.Nop())

	_, err := h.Handle(context.Background(), []byte(`{"panel_id":3,"value":7,"confirm_reset":true}`))
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), []byte(`{"panel_id":3,"value":9}`))
	require.NoError(t, err)

	assert.Equal(t, []float64{7}, sub.resets)
	assert.Equal(t, []float64{9}, sub.submitted)
}

func TestOnMessage_CountsAndLogs(t *testing.T) {
	// GIVEN: A handler logging to a buffer
	var buf bytes.Buffer
	sub := &fakeSubmitter{result: ledger.SubmitResult{Inconsistency: &ledger.Inconsistency{}}}
	h := ingest.NewHandler(sub, zerolog.New(&buf))
	counter := metrics.DraftsSubmitted.WithLabelValues(string(ingest.OutcomeInconsistent), "mqtt")
	before := testutil.ToFloat64(counter)

	// WHEN: A rollover value arrives
	h.OnMessage(nil, message{payload: []byte(`{"panel_id":1,"value":1}`)})

	// THEN: It is counted and logged as a warning with the topic
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"topic":"meters/readings"`)
}
