// Package types defines the shared types used across all Caucus packages.
//
// These types form the lingua franca between the speech providers, the audio
// room layer, and the moderator. Each package defines its own domain types,
// but cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing from the room
// toward the speech recognizer. Frames are the atomic unit of audio transport.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the
	// room's publishing configuration.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for room audio, 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo room audio.
	Channels int

	// ParticipantID identifies which room participant produced this frame.
	ParticipantID string

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// ParticipantID identifies which room participant was being transcribed
	// when this result was produced. Filled in by the audio router, not the
	// provider.
	ParticipantID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
