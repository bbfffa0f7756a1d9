package ledger

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// SessionController is the global on/off switch for draft submissions.
//
// The active session is a stored row, not an in-memory flag, so it survives
// restarts and is checked inside the same transaction as the writes that
// depend on it. It is a cooperative gate: it has no owner and no expiry.
type SessionController struct {
	Store TxStore
	Clock Clock
	Log   zerolog.Logger
}

func NewSessionController(store TxStore, clock Clock, log zerolog.Logger) *SessionController {
	return &SessionController{Store: store, Clock: clock, Log: log}
}

// EndResult reports a closed session and the drafts discarded with it.
type EndResult struct {
	Session       Session
	DraftsDeleted int
}

// Start opens a new session. Fails with ErrSessionAlreadyActive if one is
// already open.
func (c *SessionController) Start(ctx context.Context, initiator string) (*Session, error) {
	initiator = strings.TrimSpace(initiator)
	if initiator == "" {
		initiator = DefaultInitiator
	}

	var started *Session
	err := c.Store.WithTx(ctx, func(s Store) error {
		active, err := s.ActiveSession(ctx)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrSessionAlreadyActive
		}
		sess := &Session{
			Active:    true,
			StartTime: c.Clock.Now(),
			Initiator: initiator,
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			return err
		}
		started = sess
		return nil
	})
	if err != nil {
		return nil, internal("start session", err)
	}

	c.Log.Info().Int64("session_id", started.ID).Str("initiator", initiator).Msg("session started")
	return started, nil
}

// End closes the active session and deletes every draft. Fails with
// ErrNoActiveSession if nothing is open.
func (c *SessionController) End(ctx context.Context) (EndResult, error) {
	var result EndResult
	err := c.Store.WithTx(ctx, func(s Store) error {
		active, err := s.ActiveSession(ctx)
		if err != nil {
			return err
		}
		if active == nil {
			return ErrNoActiveSession
		}
		end := c.Clock.Now()
		if err := s.CloseSession(ctx, active.ID, end); err != nil {
			return err
		}
		deleted, err := s.ClearDrafts(ctx)
		if err != nil {
			return err
		}
		active.Active = false
		active.EndTime = &end
		result = EndResult{Session: *active, DraftsDeleted: deleted}
		return nil
	})
	if err != nil {
		return EndResult{}, internal("end session", err)
	}

	c.Log.Info().
		Int64("session_id", result.Session.ID).
		Int("drafts_deleted", result.DraftsDeleted).
		Msg("session ended")
	return result, nil
}

// Status returns the active session, or nil when none is open.
func (c *SessionController) Status(ctx context.Context) (*Session, error) {
	sess, err := c.Store.ActiveSession(ctx)
	if err != nil {
		return nil, internal("session status", err)
	}
	return sess, nil
}

// requireActiveSession is the gate every draft-accepting operation passes
// through, inside its own transaction.
func requireActiveSession(ctx context.Context, s SessionStore) error {
	active, err := s.ActiveSession(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		return ErrSessionInactive
	}
	return nil
}
