// Package geppetto runs feedback requests on a geppetto inference engine. The
// events the engine publishes while it runs a turn are turned into chunks.
package geppetto

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/go-go-golems/geppetto/pkg/inference/engine/factory"
	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/inference"
)

var errStreamClosed = errors.New("geppetto engine: stream closed")

// Engine adapts an engine.Engine to inference.Engine.
type Engine struct {
	eng    engine.Engine
	buffer int
}

var _ inference.Engine = &Engine{}

func New(eng engine.Engine) *Engine {
	return &Engine{eng: eng, buffer: 64}
}

// NewFromParsedValues builds the engine configured by the geppetto sections.
func NewFromParsedValues(parsed *values.Values) (*Engine, error) {
	eng, err := factory.NewEngineFromParsedValues(parsed)
	if err != nil {
		return nil, errors.Wrap(err, "create geppetto engine")
	}
	return New(eng), nil
}

// Stream runs the request as one turn in the background. The returned stream
// yields the partial completions published while it runs.
func (e *Engine) Stream(ctx context.Context, req inference.Request) (inference.ChunkStream, error) {
	if e.eng == nil {
		return nil, errors.New("geppetto engine: engine is nil")
	}
	seed, err := buildTurn(req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		chunks: make(chan inference.Chunk, e.buffer),
		stop:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(events.WithEventSinks(runCtx, s), e.eng, seed)
	return s, nil
}

func buildTurn(req inference.Request) (*turns.Turn, error) {
	b := turns.NewTurnBuilder()
	if req.System != "" {
		b = b.WithSystemPrompt(req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case inference.RoleSystem:
			b = b.WithSystemPrompt(m.Content)
		case inference.RoleUser:
			b = b.WithUserPrompt(m.Content)
		default:
			return nil, errors.Errorf("geppetto engine: unsupported message role %q", m.Role)
		}
	}
	seed := b.Build()
	if err := turns.KeyTurnMetaSessionID.Set(&seed.Metadata, uuid.NewString()); err != nil {
		return nil, errors.Wrap(err, "set session id metadata")
	}
	return seed, nil
}

// stream is both the events.EventSink of one run and its ChunkStream.
type stream struct {
	chunks chan inference.Chunk
	stop   chan struct{}
	cancel context.CancelFunc

	// sending guards chunks against a late publish after the run returned.
	sending sync.RWMutex
	ended   bool

	mu           sync.Mutex
	err          error
	finishReason string
	reasonSent   bool

	closeOnce sync.Once
}

var _ events.EventSink = &stream{}

func (s *stream) run(ctx context.Context, eng engine.Engine, seed *turns.Turn) {
	defer s.cancel()
	_, err := eng.RunInference(ctx, seed)
	if err != nil {
		log.Debug().Err(err).Str("component", "geppetto_engine").Msg("inference ended with error")
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.sending.Lock()
	s.ended = true
	close(s.chunks)
	s.sending.Unlock()
}

// PublishEvent maps text and reasoning partials to chunks and remembers the
// stop reason. It never fails the inference.
func (s *stream) PublishEvent(ev events.Event) error {
	if r := ev.Metadata().LLMInferenceData.StopReason; r != nil && *r != "" {
		s.mu.Lock()
		s.finishReason = *r
		s.mu.Unlock()
	}
	switch e := ev.(type) {
	case *events.EventPartialCompletion:
		s.send(inference.Chunk{Kind: inference.ChunkText, Delta: e.Delta})
	case *events.EventThinkingPartial:
		s.send(inference.Chunk{Kind: inference.ChunkReasoning, Delta: e.Delta})
	case *events.EventInterrupt:
		s.mu.Lock()
		if s.finishReason == "" {
			s.finishReason = "interrupted"
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *stream) send(c inference.Chunk) {
	if c.Delta == "" {
		return
	}
	s.sending.RLock()
	defer s.sending.RUnlock()
	if s.ended {
		return
	}
	select {
	case s.chunks <- c:
	case <-s.stop:
	}
}

func (s *stream) Next() (inference.Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
	case <-s.stop:
		return inference.Chunk{}, errStreamClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return inference.Chunk{}, errors.Wrap(s.err, "geppetto inference")
	}
	if s.finishReason != "" && !s.reasonSent {
		s.reasonSent = true
		return inference.Chunk{Kind: inference.ChunkText, FinishReason: s.finishReason}, nil
	}
	return inference.Chunk{}, io.EOF
}

// Close cancels the run. Chunks not read yet are dropped.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
	return nil
}
