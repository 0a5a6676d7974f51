// Package fake provides a scripted inference.Engine for tests and offline runs.
package fake

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/inference"
)

var ErrScriptedFailure = errors.New("fake engine: scripted failure")

type Option func(*Engine)

// WithGate makes every chunk wait for a value on gate before it is emitted.
func WithGate(gate <-chan struct{}) Option {
	return func(e *Engine) { e.gate = gate }
}

func WithDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithFailAfter fails the stream with ErrScriptedFailure after n chunks.
func WithFailAfter(n int) Option {
	return func(e *Engine) { e.failAfter = n }
}

// WithEcho replaces the scripted chunks with the words of the request's last
// message.
func WithEcho() Option {
	return func(e *Engine) { e.echo = true }
}

// WithFinishReason reports reason as the last chunk of every stream.
func WithFinishReason(reason string) Option {
	return func(e *Engine) { e.finishReason = reason }
}

// WithStartError makes Stream itself fail.
func WithStartError(err error) Option {
	return func(e *Engine) { e.startErr = err }
}

type Engine struct {
	chunks    []inference.Chunk
	gate      <-chan struct{}
	delay     time.Duration
	failAfter int
	startErr  error
	echo      bool

	finishReason string

	mu       sync.Mutex
	requests []inference.Request
	streams  []*Stream
}

var _ inference.Engine = &Engine{}

func New(chunks []inference.Chunk, opts ...Option) *Engine {
	e := &Engine{chunks: chunks, failAfter: -1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Text builds an engine that emits each word of s (with its trailing space) as
// a text chunk.
func Text(s string, opts ...Option) *Engine {
	return New(TextChunks(s), opts...)
}

func TextChunks(s string) []inference.Chunk {
	var out []inference.Chunk
	for _, w := range strings.SplitAfter(s, " ") {
		if w != "" {
			out = append(out, inference.Chunk{Kind: inference.ChunkText, Delta: w})
		}
	}
	return out
}

func (e *Engine) Stream(ctx context.Context, req inference.Request) (inference.ChunkStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.startErr != nil {
		return nil, e.startErr
	}
	chunks := append([]inference.Chunk(nil), e.chunks...)
	if e.echo && len(req.Messages) > 0 {
		chunks = TextChunks(req.Messages[len(req.Messages)-1].Content)
	}
	s := &Stream{
		ctx:       ctx,
		chunks:    chunks,
		gate:      e.gate,
		delay:     e.delay,
		failAfter: e.failAfter,
		reason:    e.finishReason,
		done:      make(chan struct{}),
	}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *Engine) Requests() []inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]inference.Request(nil), e.requests...)
}

func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

type Stream struct {
	ctx       context.Context
	chunks    []inference.Chunk
	gate      <-chan struct{}
	delay     time.Duration
	failAfter int
	pos       int
	reason    string

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Stream) Next() (inference.Chunk, error) {
	if s.closed.Load() {
		return inference.Chunk{}, errors.New("fake engine: stream closed")
	}
	if s.failAfter >= 0 && s.pos >= s.failAfter {
		return inference.Chunk{}, ErrScriptedFailure
	}
	if s.pos >= len(s.chunks) {
		if s.reason != "" {
			c := inference.Chunk{Kind: inference.ChunkText, FinishReason: s.reason}
			s.reason = ""
			return c, nil
		}
		return inference.Chunk{}, io.EOF
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.done:
			return inference.Chunk{}, errors.New("fake engine: stream closed")
		case <-s.ctx.Done():
			return inference.Chunk{}, s.ctx.Err()
		}
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-s.done:
			t.Stop()
			return inference.Chunk{}, errors.New("fake engine: stream closed")
		case <-s.ctx.Done():
			t.Stop()
			return inference.Chunk{}, s.ctx.Err()
		}
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}
