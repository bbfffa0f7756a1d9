package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/ledger"
)

func TestSession_StartAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: No session
	status, err := f.sessions.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status)

	// WHEN: A supervisor starts one anonymously
	sess, err := f.sessions.Start(ctx, "   ")
	require.NoError(t, err)

	// THEN: It is active, stamped by the clock, with the default initiator
	assert.True(t, sess.Active)
	assert.Equal(t, ledger.DefaultInitiator, sess.Initiator)
	assert.True(t, sess.StartTime.Equal(f.clock.Now()))

	status, err = f.sessions.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, sess.ID, status.ID)
}

func TestSession_StartTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.openSession(t)

	_, err := f.sessions.Start(context.Background(), "second")

	assert.ErrorIs(t, err, ledger.ErrSessionAlreadyActive)
	assert.True(t, ledger.IsStateError(err))
}

func TestSession_EndDiscardsDrafts(t *testing.T) {
	// GIVEN: An open session with two staged drafts
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.panel(t, "A"), f.panel(t, "B")
	f.openSession(t)
	_, err := f.rec.SubmitDraft(ctx, a.ID, 10)
	require.NoError(t, err)
	_, err = f.rec.SubmitDraft(ctx, b.ID, 20)
	require.NoError(t, err)

	// WHEN: The session ends an hour later
	f.clock.Set(f.clock.Now().Add(time.Hour))
	result, err := f.sessions.End(ctx)
	require.NoError(t, err)

	// THEN: Drafts are gone and the session is closed
	assert.Equal(t, 2, result.DraftsDeleted)
	assert.False(t, result.Session.Active)
	require.NotNil(t, result.Session.EndTime)
	assert.True(t, result.Session.EndTime.Equal(f.clock.Now()))
	assert.Empty(t, f.drafts(t))

	status, err := f.sessions.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status)

	// AND: Submissions are gated again
	_, err = f.rec.SubmitDraft(ctx, a.ID, 11)
	assert.ErrorIs(t, err, ledger.ErrSessionInactive)
}

func TestSession_EndWithoutSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.sessions.End(context.Background())

	assert.ErrorIs(t, err, ledger.ErrNoActiveSession)
}

func TestSession_CanRestartAfterEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openSession(t)
	_, err := f.sessions.End(ctx)
	require.NoError(t, err)

	sess, err := f.sessions.Start(ctx, "again")

	require.NoError(t, err)
	assert.Equal(t, "again", sess.Initiator)
}
