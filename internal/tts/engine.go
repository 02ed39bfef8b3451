package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Request is one synthesis job: the text to speak and the voice to speak it
// with. Metadata is carried through untouched for the submitter's benefit.
type Request struct {
	Text     string            `json:"text"`
	VoiceID  string            `json:"voice_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the produced audio. Audio is a complete WAV file.
type Result struct {
	Audio    []byte
	VoiceID  string
	Duration time.Duration
}

// AudioBase64 returns the audio encoded for embedding in a data URL.
func (r *Result) AudioBase64() string {
	return base64.StdEncoding.EncodeToString(r.Audio)
}

// DataURL returns the audio as an inline data URL.
func (r *Result) DataURL() string {
	return "data:audio/wav;base64," + r.AudioBase64()
}

// Engine synthesises speech. Implementations are safe for concurrent use
// and bound their own CPU concurrency; callers control deadlines through
// ctx.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
	Sample(ctx context.Context, voiceID string) ([]byte, error)
	Preload(ctx context.Context) error
	Voices() []Voice
	Close()
}

// VoiceNotFoundError reports an unknown voice id.
type VoiceNotFoundError struct {
	VoiceID string
}

func (e *VoiceNotFoundError) Error() string {
	return fmt.Sprintf("voice %q not found", e.VoiceID)
}

// TimeoutError reports synthesis that did not finish inside its deadline.
type TimeoutError struct {
	VoiceID string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("synthesis timed out after %s for voice %s", e.Elapsed, e.VoiceID)
}

// GenerationError reports a synthesis failure that is neither a bad voice
// nor a deadline.
type GenerationError struct {
	VoiceID string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("synthesis failed for voice %s: %v", e.VoiceID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsVoiceNotFound reports whether err is an unknown-voice failure.
func IsVoiceNotFound(err error) bool {
	var e *VoiceNotFoundError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a synthesis deadline failure.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
