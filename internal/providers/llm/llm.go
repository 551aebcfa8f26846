package llm

import "context"

// Provider generates the assistant's spoken reply. Implementations stream
// so long answers can start synthesis before generation finishes.
type Provider interface {
	// StreamAnswer returns a stream of text chunks (incremental). The
	// error channel delivers at most one error and is closed together
	// with the chunk channel.
	StreamAnswer(ctx context.Context, prompt string) (chunks <-chan string, errs <-chan error)
	Close() error
}
