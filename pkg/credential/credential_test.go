package credential

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/store/storetest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) (*Store, *fakeClock, *events.Recorder) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	return New(storetest.Open(t), WithClock(clock.Now), WithEvents(rec)), clock, rec
}

func TestIssueOrRotateIsLazy(t *testing.T) {
	s, clock, rec := newStore(t)
	ctx := context.Background()

	first, err := s.IssueOrRotateSharedToken(ctx, 60*time.Minute)
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(first.Value)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	require.True(t, first.ExpiresAt.Equal(clock.Now().Add(60*time.Minute)))

	clock.Advance(59 * time.Minute)
	again, err := s.IssueOrRotateSharedToken(ctx, 60*time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.Value, again.Value)

	clock.Advance(2 * time.Minute)
	rotated, err := s.IssueOrRotateSharedToken(ctx, 60*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, rotated.Value)

	require.Equal(t, []events.Type{events.TokenRotated, events.TokenRotated}, rec.Types())
}

func TestSwapLosesAgainstConcurrentWriter(t *testing.T) {
	s, clock, _ := newStore(t)
	ctx := context.Background()

	first, err := s.IssueOrRotateSharedToken(ctx, time.Minute)
	require.NoError(t, err)
	_, staleExpiry, err := s.read(s.db)
	require.NoError(t, err)

	// Another caller rotates between our read and our conditional write.
	clock.Advance(2 * time.Minute)
	winner, err := s.IssueOrRotateSharedToken(ctx, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, winner.Value)

	loser, err := s.generate(clock.Now(), time.Hour)
	require.NoError(t, err)
	won, err := s.swap(s.db, staleExpiry, loser)
	require.NoError(t, err)
	require.False(t, won)

	cur, err := s.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, winner.Value, cur.Value)
}

func TestCorruptExpiryIsReplaced(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutSetting(s.db, KeySharedToken, "old"))
	require.NoError(t, store.PutSetting(s.db, KeySharedTokenExpiry, "not-a-time"))

	tok, err := s.IssueOrRotateSharedToken(ctx, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, "old", tok.Value)
}

func TestForceRotateAlwaysReplaces(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	first, err := s.IssueOrRotateSharedToken(ctx, time.Hour)
	require.NoError(t, err)
	forced, err := s.ForceRotate(ctx, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, forced.Value)

	cur, err := s.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, forced.Value, cur.Value)
}

func TestVerifyAgentToken(t *testing.T) {
	s, clock, _ := newStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.VerifyAgentToken(ctx, "anything"), ErrInvalidToken, "no token issued yet")

	tok, err := s.IssueOrRotateSharedToken(ctx, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.VerifyAgentToken(ctx, tok.Value))
	require.NoError(t, s.VerifyAgentToken(ctx, "  "+tok.Value+"\n"))
	require.ErrorIs(t, s.VerifyAgentToken(ctx, ""), ErrMissingToken)
	require.ErrorIs(t, s.VerifyAgentToken(ctx, tok.Value[:10]), ErrInvalidToken)
	require.ErrorIs(t, s.VerifyAgentToken(ctx, tok.Value+"x"), ErrInvalidToken)

	clock.Advance(2 * time.Hour)
	require.ErrorIs(t, s.VerifyAgentToken(ctx, tok.Value), ErrTokenExpired)
}

func TestPresentedToken(t *testing.T) {
	require.Equal(t, "abc", PresentedToken(" abc ", "Bearer other"))
	require.Equal(t, "other", PresentedToken("", "Bearer other"))
	require.Equal(t, "other", PresentedToken("", "bearer other"))
	require.Equal(t, "", PresentedToken("", "Basic Zm9v"))
	require.Equal(t, "", PresentedToken("", "Bearer "))
}

func TestStaticTokens(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	tok, value, err := s.CreateStaticToken(ctx, "monitoring")
	require.NoError(t, err)
	require.NotEmpty(t, value)

	got, err := s.VerifyStaticToken(ctx, value)
	require.NoError(t, err)
	require.Equal(t, tok.ID, got.ID)
	require.Equal(t, "monitoring", got.Description)

	_, err = s.VerifyStaticToken(ctx, "nope")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.VerifyStaticToken(ctx, "")
	require.ErrorIs(t, err, ErrMissingToken)

	list, err := s.ListStaticTokens(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteStaticToken(ctx, tok.ID))
	require.ErrorIs(t, s.DeleteStaticToken(ctx, tok.ID), ErrStaticTokenNotFound)
	_, err = s.VerifyStaticToken(ctx, value)
	require.ErrorIs(t, err, ErrInvalidToken)
}
