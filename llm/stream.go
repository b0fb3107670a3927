package llm

import (
	"context"
)

// ChunkStream is an open streaming response. Text chunks arrive on
// TextStream; Err and Usage become available once the stream ends.
type ChunkStream struct {
	chunks chan string
	done   chan struct{}
	usage  *Usage
	err    error
}

// StartStream starts provider.StreamChatWithFormat in its own goroutine. The
// pump stops when the provider finishes or ctx is cancelled.
func StartStream(ctx context.Context, provider Provider, messages []ChatMessage, format *ResponseFormat) *ChunkStream {
	s := &ChunkStream{
		chunks: make(chan string, 16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		s.usage, s.err = provider.StreamChatWithFormat(ctx, messages, format, s.chunks)
	}()

	return s
}

// TextStream returns the chunk channel. It is closed when the stream ends.
func (s *ChunkStream) TextStream() <-chan string {
	return s.chunks
}

// Err blocks until the stream ends and returns its error, if any.
func (s *ChunkStream) Err() error {
	<-s.done
	return s.err
}

// Usage waits for the stream to end and returns the reported usage, which
// may be nil when the provider reports none.
func (s *ChunkStream) Usage(ctx context.Context) (*Usage, error) {
	select {
	case <-s.done:
		return s.usage, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
