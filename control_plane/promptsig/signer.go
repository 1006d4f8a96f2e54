// Package promptsig implements the signed envelope that protects task
// prompts on their way through the message bus. Workers run outside the
// control plane's trust boundary, so every instruction is wrapped with an
// HMAC-SHA256 signature that the worker verifies before execution.
package promptsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAge is the default acceptance window for a signed envelope.
const DefaultMaxAge = time.Hour

var (
	// ErrMalformedEnvelope indicates a missing field or undecodable payload.
	ErrMalformedEnvelope = errors.New("promptsig: malformed envelope")

	// ErrExpired indicates the envelope timestamp is outside the acceptance
	// window (too old, or in the future).
	ErrExpired = errors.New("promptsig: envelope expired")

	// ErrSignatureMismatch indicates the recomputed MAC does not match.
	ErrSignatureMismatch = errors.New("promptsig: signature mismatch")
)

// Envelope is the wire form of a signed prompt. It is JSON-encoded into
// the signed_worker_prompt / signed_qa_prompt field of a stream payload.
type Envelope struct {
	Prompt    string `json:"prompt"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Signer signs and verifies prompt envelopes with a shared secret.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. maxAge <= 0 falls back to DefaultMaxAge.
func NewSigner(secret string, maxAge time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Signer{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Sign wraps prompt in a fresh envelope. The nonce is a random 128-bit
// value; the signature covers the canonical JSON of {prompt, nonce,
// timestamp} with keys sorted.
func (s *Signer) Sign(prompt string) Envelope {
	env := Envelope{
		Prompt:    prompt,
		Nonce:     uuid.NewString(),
		Timestamp: s.now().Unix(),
	}
	env.Signature = s.mac(env)
	return env
}

// Verify checks field presence, timestamp freshness and the MAC.
// The MAC comparison is constant-time.
func (s *Signer) Verify(env Envelope) error {
	if env.Prompt == "" && env.Nonce == "" {
		return ErrMalformedEnvelope
	}
	if env.Nonce == "" || env.Signature == "" || env.Timestamp == 0 {
		return ErrMalformedEnvelope
	}

	age := s.now().Unix() - env.Timestamp
	if age < 0 || age > int64(s.maxAge/time.Second) {
		return ErrExpired
	}

	expected := s.mac(env)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Extract verifies env and returns the prompt, or an error when
// verification fails.
func (s *Signer) Extract(env Envelope) (string, error) {
	if err := s.Verify(env); err != nil {
		return "", err
	}
	return env.Prompt, nil
}

// ExtractJSON decodes a JSON-encoded envelope and extracts the prompt.
func (s *Signer) ExtractJSON(raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return s.Extract(env)
}

// mac computes the hex-encoded HMAC-SHA256 over the canonical payload.
// encoding/json sorts map keys, which gives us the canonical ordering.
func (s *Signer) mac(env Envelope) string {
	payload, _ := json.Marshal(map[string]any{
		"nonce":     env.Nonce,
		"prompt":    env.Prompt,
		"timestamp": env.Timestamp,
	})
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
