package stream

import (
	"context"
	"errors"
	"io"
	"iter"
)

// EventType tags structured stream events. Only EventTextDelta carries text.
type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// Event is one element of a structured event stream.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// TextStreamer exposes a stream of plain text chunks.
type TextStreamer interface {
	TextStream() <-chan string
}

// EventStreamer exposes a stream of structured events.
type EventStreamer interface {
	Events() <-chan Event
}

// errReporter is implemented by handles that learn about failures only after
// their channel closes.
type errReporter interface {
	Err() error
}

// source pulls chunks from a stream handle. next returns ok=false at the end.
type source interface {
	next(ctx context.Context) (chunk string, ok bool, err error)
	close()
}

// detect picks how to read handle: text chunks first, then structured
// events, then anything directly iterable.
func detect(handle any) (source, error) {
	if handle == nil {
		return nil, NewFailure(NotIterable, "stream handle is nil")
	}
	if ts, ok := handle.(TextStreamer); ok {
		ch := ts.TextStream()
		if ch == nil {
			return nil, NewFailure(NotAsyncIterable, "text stream of %T is not iterable", handle)
		}
		return &chanSource{ch: ch}, nil
	}
	if es, ok := handle.(EventStreamer); ok {
		ch := es.Events()
		if ch == nil {
			return nil, NewFailure(NotAsyncIterable, "event stream of %T is not iterable", handle)
		}
		return &eventSource{ch: ch}, nil
	}

	switch h := handle.(type) {
	case <-chan string:
		return &chanSource{ch: h}, nil
	case chan string:
		return &chanSource{ch: h}, nil
	case iter.Seq[string]:
		pull, stop := iter.Pull(h)
		return &seqSource{pull: pull, stop: stop}, nil
	case func(yield func(string) bool):
		pull, stop := iter.Pull(iter.Seq[string](h))
		return &seqSource{pull: pull, stop: stop}, nil
	case io.Reader:
		return &readerSource{r: h, buf: make([]byte, 4096)}, nil
	}
	return nil, NewFailure(NotIterable, "stream handle of type %T is not iterable", handle)
}

type chanSource struct {
	ch <-chan string
}

func (s *chanSource) next(ctx context.Context) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, WrapFailure(ProcessingFailed, ctx.Err(), "stream interrupted")
	case chunk, ok := <-s.ch:
		return chunk, ok, nil
	}
}

func (s *chanSource) close() {}

type eventSource struct {
	ch <-chan Event
}

func (s *eventSource) next(ctx context.Context) (string, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return "", false, WrapFailure(ProcessingFailed, ctx.Err(), "stream interrupted")
		case ev, ok := <-s.ch:
			if !ok {
				return "", false, nil
			}
			switch ev.Type {
			case EventTextDelta:
				return ev.Text, true, nil
			case EventError:
				return "", false, WrapFailure(ProcessingFailed, ev.Err, "stream reported an error")
			}
		}
	}
}

func (s *eventSource) close() {}

type seqSource struct {
	pull func() (string, bool)
	stop func()
}

func (s *seqSource) next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, WrapFailure(ProcessingFailed, err, "stream interrupted")
	}
	chunk, ok := s.pull()
	return chunk, ok, nil
}

func (s *seqSource) close() { s.stop() }

type readerSource struct {
	r   io.Reader
	buf []byte
}

func (s *readerSource) next(ctx context.Context) (string, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", false, WrapFailure(ProcessingFailed, err, "stream interrupted")
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			return string(s.buf[:n]), true, nil
		}
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, WrapFailure(ProcessingFailed, err, "stream read failed")
		}
	}
}

func (s *readerSource) close() {}
