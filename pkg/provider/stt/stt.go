// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider opens a live transcription session as a [job.Job]. Callers
// feed 16 kHz signed 16-bit mono PCM through [job.Job.PushVoice]; transcribed
// text arrives as content chunks on the job's stream. Cancelling the job
// closes the upstream session and terminates the stream.
package stt

import (
	"context"

	"github.com/lifert/life/pkg/job"
)

// Config carries the session parameters common to all backends.
type Config struct {
	// Language is the BCP-47 recognition language (e.g. "en", "de-DE").
	// Empty means the provider default.
	Language string

	// SampleRate is the PCM sample rate in Hz. Zero means 16000.
	SampleRate int
}

// Provider is the abstraction over any speech-to-text backend.
//
// Generate opens a live session and returns its job. push_voice semantics:
// after the job is cancelled, pushes return silently; before that, pushed
// frames are forwarded to the session. Transcription results with non-empty
// text become content chunks; empty results are dropped. Implementations
// keep the session alive with a once-per-second ping where the backend
// requires one.
type Provider interface {
	// Name identifies the backend in logs and error messages.
	Name() string

	// Generate opens a transcription session. The returned job accepts
	// PushVoice input until cancelled.
	Generate(ctx context.Context, cfg Config) (*job.Job, error)
}
