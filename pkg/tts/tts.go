// Package tts provides a unified interface for the speech synthesis services
// used to voice assistant replies.
//
// The package supports the application's own speech endpoint (Backend),
// Google Cloud Text-to-Speech and OpenAI. All providers implement Provider,
// so callers can switch or chain them without changing code.
//
// Example usage:
//
//	provider, _ := tts.NewBackend(
//	    tts.WithBaseURL("http://localhost:5001/api"),
//	    tts.WithHTTPClient(httpc.NewBearerClient(token, 0)),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "Bien noté, 30g ajoutés.")
//	// result.Audio contains MP3 bytes ready to be written to a file
package tts

import (
	"context"
	"time"
)

// Provider defines the speech synthesis interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the decoded audio data in the specified format.
	Audio []byte

	// Format describes the audio container.
	Format AudioFormat

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the request round trip in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Encoding represents audio container types.
type Encoding string

const (
	EncodingMP3  Encoding = "mp3"
	EncodingWAV  Encoding = "wav"
	EncodingOGG  Encoding = "ogg_opus"
	EncodingPCM  Encoding = "pcm"
	EncodingULaw Encoding = "ulaw_8000"
)

// Extension returns the file extension (without dot) for the encoding.
func (e Encoding) Extension() string {
	switch e {
	case EncodingWAV:
		return "wav"
	case EncodingOGG:
		return "ogg"
	case EncodingPCM:
		return "pcm"
	case EncodingULaw:
		return "ulaw"
	default:
		return "mp3"
	}
}

// MP3Format is the format every bundled provider returns by default.
var MP3Format = AudioFormat{Encoding: EncodingMP3, SampleRate: 44100, Channels: 1}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
