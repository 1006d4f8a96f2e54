package promptsig

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("test-secret", 0)

	env := s.Sign("implement the login handler")
	require.NoError(t, s.Verify(env))

	prompt, err := s.Extract(env)
	require.NoError(t, err)
	assert.Equal(t, "implement the login handler", prompt)
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	s := NewSigner("test-secret", 0)
	base := s.Sign("do the thing")

	tampered := base
	tampered.Prompt = "do a different thing"
	assert.ErrorIs(t, s.Verify(tampered), ErrSignatureMismatch)

	tampered = base
	tampered.Nonce = "0123456789abcdef"
	assert.ErrorIs(t, s.Verify(tampered), ErrSignatureMismatch)

	tampered = base
	tampered.Timestamp = base.Timestamp - 10
	assert.ErrorIs(t, s.Verify(tampered), ErrSignatureMismatch)

	tampered = base
	tampered.Signature = "deadbeef"
	assert.ErrorIs(t, s.Verify(tampered), ErrSignatureMismatch)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewSigner("secret-a", 0)
	other := NewSigner("secret-b", 0)

	env := signer.Sign("prompt")
	assert.ErrorIs(t, other.Verify(env), ErrSignatureMismatch)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	env := s.Sign("prompt")

	// Move the clock past the acceptance window.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.ErrorIs(t, s.Verify(env), ErrExpired)
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	s := NewSigner("test-secret", time.Hour)
	env := s.Sign("prompt")

	s.now = func() time.Time { return time.Now().Add(-time.Minute) }
	assert.ErrorIs(t, s.Verify(env), ErrExpired)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	s := NewSigner("test-secret", 0)

	assert.ErrorIs(t, s.Verify(Envelope{}), ErrMalformedEnvelope)
	assert.ErrorIs(t, s.Verify(Envelope{Prompt: "p", Timestamp: time.Now().Unix()}), ErrMalformedEnvelope)

	_, err := s.ExtractJSON("{not json")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestExtractJSON(t *testing.T) {
	s := NewSigner("test-secret", 0)
	env := s.Sign("review the diff")

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	prompt, err := s.ExtractJSON(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "review the diff", prompt)
}
