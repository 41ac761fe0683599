package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultStreamGrace bounds how long Close waits for the producer to flush
// buffered output and exit after cancellation.
const DefaultStreamGrace = 2 * time.Second

// EmitFunc hands one chunk to the consumer. It returns false once the
// consumer has cancelled, after which the producer must stop.
type EmitFunc func(chunk string) bool

// Stream is a finite, non-restartable sequence of text chunks. The consumer
// pulls with Next; the producer is suspended between chunks until the
// consumer is ready. Close cancels the producer and the underlying transport.
//
//	stream := client.Stream(ctx, msgs, opts)
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Current())
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc
	grace  time.Duration

	cur       string
	err       error
	exhausted bool
	closeOnce sync.Once
}

// NewStream runs produce in its own goroutine. produce must return promptly
// once ctx is cancelled or emit returns false.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit EmitFunc) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
		grace:  DefaultStreamGrace,
	}
	go func() {
		defer close(s.done)
		defer close(s.chunks)
		s.err = produce(ctx, func(chunk string) bool {
			if chunk == "" {
				return ctx.Err() == nil
			}
			select {
			case s.chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return s
}

// ErrorStream returns a stream that yields nothing and reports err.
func ErrorStream(err error) *Stream {
	return NewStream(context.Background(), func(context.Context, EmitFunc) error { return err })
}

// WithGrace overrides the flush grace period used by Close.
func (s *Stream) WithGrace(d time.Duration) *Stream {
	s.grace = d
	return s
}

// Next advances to the next chunk, blocking until one is available.
func (s *Stream) Next() bool {
	chunk, ok := <-s.chunks
	if !ok {
		s.exhausted = true
		return false
	}
	s.cur = chunk
	return true
}

// Current returns the chunk Next advanced to.
func (s *Stream) Current() string { return s.cur }

// Err returns the error that ended the stream, if any. It is only
// meaningful after Next has returned false.
func (s *Stream) Err() error {
	// err is written before chunks is closed.
	if s.exhausted {
		return s.err
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close cancels the producer and waits up to the grace period for it to
// exit. Chunks still buffered during that window are discarded.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		for {
			select {
			case _, ok := <-s.chunks:
				if !ok {
					<-s.done
					return
				}
			case <-timer.C:
				return
			}
		}
	})
	return nil
}

// Collect drains a stream into a single string and closes it.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Current())
	}
	return b.String(), s.Err()
}
