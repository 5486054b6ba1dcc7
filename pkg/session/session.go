// Package session signs the operator session cookie. The cookie carries the
// username and an expiry, authenticated with HMAC-SHA256.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("session: malformed cookie")
	ErrSignature = errors.New("session: bad signature")
	ErrExpired   = errors.New("session: expired")
)

// Signer derives and checks session cookie values.
type Signer struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, maxAge time.Duration) *Signer {
	return &Signer{key: append([]byte(nil), secret...), maxAge: maxAge, now: time.Now}
}

// WithClock replaces time.Now and returns s.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) MaxAge() time.Duration { return s.maxAge }

// Issue returns a cookie value for username valid for MaxAge.
func (s *Signer) Issue(username string) string {
	exp := s.now().Add(s.maxAge).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(username)) + "." + strconv.FormatInt(exp, 10)
	return payload + "." + s.sign(payload)
}

// Verify returns the username carried by a valid, unexpired cookie value.
func (s *Signer) Verify(value string) (string, error) {
	i := strings.LastIndexByte(value, '.')
	if i < 0 {
		return "", ErrMalformed
	}
	payload, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return "", ErrSignature
	}
	user64, expRaw, ok := strings.Cut(payload, ".")
	if !ok {
		return "", ErrMalformed
	}
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	if !s.now().Before(time.Unix(exp, 0)) {
		return "", ErrExpired
	}
	user, err := base64.RawURLEncoding.DecodeString(user64)
	if err != nil || len(user) == 0 {
		return "", ErrMalformed
	}
	return string(user), nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
