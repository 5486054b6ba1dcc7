package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSigner([]byte("secret"), time.Hour).WithClock(func() time.Time { return now })

	value := s.Issue("alice")
	user, err := s.Verify(value)
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	now = now.Add(2 * time.Hour)
	_, err = s.Verify(value)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner([]byte("secret"), time.Hour)
	value := s.Issue("alice")

	other := NewSigner([]byte("other"), time.Hour)
	_, err := other.Verify(value)
	require.ErrorIs(t, err, ErrSignature)

	forged := strings.Replace(value, value[:4], "Ym9i", 1)
	_, err = s.Verify(forged)
	require.ErrorIs(t, err, ErrSignature)

	_, err = s.Verify("garbage")
	require.ErrorIs(t, err, ErrMalformed)
}
