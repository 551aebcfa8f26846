package stt

import "context"

// Provider recognizes speech in buffered caller audio (raw 16-bit
// little-endian PCM). An empty transcript with a nil error means the
// chunk held no speech.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, language string) (text string, confidence float64, err error)
	Close() error
}
