/*
mqtt.go - Draft submissions over MQTT

PURPOSE:
  Field collectors without the web client publish meter values to a
  broker topic. Each message becomes one SubmitDraft (or ConfirmReset)
  call on the reconciler, exactly as if posted to the HTTP API.

PAYLOAD:
  {"panel_id": 1, "value": 1234.5, "confirm_reset": false}

DELIVERY:
  Messages are processed one at a time in arrival order. Failures and
  rollover inconsistencies are logged and counted, never retried: a
  rejected value needs a human, not a redelivery.
*/
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/warp/meter-ledger/config"
	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/metrics"
)

// Submitter is the part of the reconciler the ingestor drives.
type Submitter interface {
	SubmitDraft(ctx context.Context, panelID int64, value float64) (ledger.SubmitResult, error)
	ConfirmReset(ctx context.Context, panelID int64, value float64) (*ledger.Draft, error)
}

// Message is the JSON payload of one submission.
type Message struct {
	PanelID      int64    `json:"panel_id"`
	Value        *float64 `json:"value"`
	ConfirmReset bool     `json:"confirm_reset"`
}

// ErrInvalidPayload is returned for messages that cannot be decoded.
var ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ledger.ErrValidation)

// Outcome labels what happened to one message.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeReset        Outcome = "reset"
	OutcomeInconsistent Outcome = "inconsistent"
	OutcomeRejected     Outcome = "rejected"
)

// Handler turns broker messages into draft submissions.
type Handler struct {
	Submitter Submitter
	Log       zerolog.Logger
	Timeout   time.Duration
}

func NewHandler(s Submitter, log zerolog.Logger) *Handler {
	return &Handler{Submitter: s, Log: log, Timeout: 10 * time.Second}
}

// Handle processes one payload.
func (h *Handler) Handle(ctx context.Context, payload []byte) (Outcome, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if msg.PanelID <= 0 {
		return OutcomeRejected, fmt.Errorf("%w: panel_id is required", ErrInvalidPayload)
	}
	if msg.Value == nil {
		return OutcomeRejected, fmt.Errorf("%w: value is required", ErrInvalidPayload)
	}

	if msg.ConfirmReset {
		if _, err := h.Submitter.ConfirmReset(ctx, msg.PanelID, *msg.Value); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeReset, nil
	}

	res, err := h.Submitter.SubmitDraft(ctx, msg.PanelID, *msg.Value)
	if err != nil {
		return OutcomeRejected, err
	}
	if !res.Accepted() {
		return OutcomeInconsistent, nil
	}
	return OutcomeAccepted, nil
}

// OnMessage is the paho callback.
func (h *Handler) OnMessage(_ mqtt.Client, m mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	outcome, err := h.Handle(ctx, m.Payload())
	metrics.DraftsSubmitted.WithLabelValues(string(outcome), "mqtt").Inc()

	log := h.Log.With().Str("topic", m.Topic()).Uint16("message_id", m.MessageID()).Logger()
	switch {
	case err != nil && errors.Is(err, ledger.ErrInternal):
		log.Error().Err(err).Msg("submission failed")
	case err != nil:
		log.Warn().Err(err).Msg("submission rejected")
	case outcome == OutcomeInconsistent:
		log.Warn().Msg("value below latest reading, awaiting reset confirmation")
	default:
		log.Debug().Str("outcome", string(outcome)).Msg("submission stored")
	}
}

// Subscriber owns the broker connection.
type Subscriber struct {
	cfg     config.MQTTConfig
	handler *Handler
	client  mqtt.Client
	log     zerolog.Logger
}

func NewSubscriber(cfg config.MQTTConfig, handler *Handler, log zerolog.Logger) *Subscriber {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	s := &Subscriber{cfg: cfg, handler: handler, log: log}
	// Resubscribe after every (re)connect; the session is not persisted.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(cfg.Topic, cfg.QoS, handler.OnMessage); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", cfg.Topic).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("topic", cfg.Topic).Msg("mqtt subscribed")
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Run connects and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, token.Error())
	}
	s.log.Info().Str("broker", s.cfg.Broker).Msg("ingestor running")

	<-ctx.Done()
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
	return nil
}
