package tts

import "context"

type Provider interface {
	// Synthesize renders text to raw 16-bit little-endian PCM at the
	// provider's configured sample rate.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Close() error
}
