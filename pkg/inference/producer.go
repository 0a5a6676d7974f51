package inference

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

// CompletionFunc is invoked once with the transcript of a cleanly finished run.
// It runs in its own goroutine after the finish event was handed out; its ctx
// is not cancelled with the request.
type CompletionFunc func(ctx context.Context, t Transcript)

type ProducerOption func(*Producer)

func WithOnComplete(fn CompletionFunc) ProducerOption {
	return func(p *Producer) { p.onComplete = fn }
}

// WithCompletionGroup adds every pending completion to wg, so that a caller
// owning many producers can wait for all of them.
func WithCompletionGroup(wg *sync.WaitGroup) ProducerOption {
	return func(p *Producer) { p.group = wg }
}

// WithMessageID sets the id recorded on the transcript. A random id is used otherwise.
func WithMessageID(id string) ProducerOption {
	return func(p *Producer) {
		if id != "" {
			p.transcript.MessageID = id
		}
	}
}

// Producer turns an engine call into a single-use, pull-based sequence of wire
// events. Nothing happens until the first Next. Next is not safe for concurrent
// use; Close may be called from any goroutine.
type Producer struct {
	engine Engine
	req    Request

	mu     sync.Mutex
	stream ChunkStream
	closed bool

	started    bool
	finished   bool
	transcript Transcript
	onComplete CompletionFunc
	completed  sync.Once
	pending    sync.WaitGroup
	group      *sync.WaitGroup
}

func NewProducer(engine Engine, req Request, opts ...ProducerOption) *Producer {
	p := &Producer{
		engine:     engine,
		req:        req,
		transcript: Transcript{MessageID: uuid.NewString()},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Next returns the next event. After a terminal event (finish or error) it
// returns io.EOF. A cancelled ctx closes the upstream call and returns ctx.Err().
func (p *Producer) Next(ctx context.Context) (wire.Event, error) {
	if p.finished {
		return wire.Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		p.abort()
		return wire.Event{}, err
	}

	if !p.started {
		p.started = true
		if p.engine == nil {
			return p.fail(errors.New("inference: engine is nil")), nil
		}
		stream, err := p.engine.Stream(ctx, p.req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.finished = true
				return wire.Event{}, ctxErr
			}
			return p.fail(errors.Wrap(err, "inference: start stream")), nil
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = stream.Close()
			p.finished = true
			return wire.Event{}, io.EOF
		}
		p.stream = stream
		p.mu.Unlock()
	}

	for {
		chunk, err := p.pull(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.abort()
			return wire.Event{}, ctxErr
		}
		if errors.Is(err, io.EOF) {
			p.finish(ctx)
			return wire.Finish(p.transcript.FinishReason), nil
		}
		if err != nil {
			return p.fail(err), nil
		}
		if chunk.FinishReason != "" {
			p.transcript.FinishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			continue
		}
		p.transcript.Append(chunk)
		if chunk.Kind == ChunkReasoning {
			return wire.ReasoningDelta(chunk.Delta), nil
		}
		return wire.TextDelta(chunk.Delta), nil
	}
}

// pull reads one chunk, closing the upstream stream if ctx ends while blocked.
func (p *Producer) pull(ctx context.Context) (Chunk, error) {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return Chunk{}, io.EOF
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	return stream.Next()
}

func (p *Producer) finish(ctx context.Context) {
	p.finished = true
	p.closeStream()
	if p.transcript.FinishReason == "" {
		p.transcript.FinishReason = "stop"
	}
	p.completed.Do(func() {
		if p.onComplete == nil {
			return
		}
		t := p.transcript
		cctx := context.WithoutCancel(ctx)
		p.pending.Add(1)
		if p.group != nil {
			p.group.Add(1)
		}
		go func() {
			defer p.pending.Done()
			if p.group != nil {
				defer p.group.Done()
			}
			p.onComplete(cctx, t)
		}()
	})
}

// Wait blocks until the completion callback, if any was started, returned.
func (p *Producer) Wait() {
	p.pending.Wait()
}

func (p *Producer) fail(err error) wire.Event {
	p.finished = true
	p.closeStream()
	log.Debug().Err(err).Str("component", "inference").Msg("producer failed")
	return wire.Error(err.Error())
}

func (p *Producer) abort() {
	p.finished = true
	p.closeStream()
}

func (p *Producer) closeStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		_ = p.stream.Close()
	}
	p.closed = true
}

// Close aborts the run. It is a no-op after the sequence finished.
func (p *Producer) Close() error {
	p.closeStream()
	return nil
}

// Transcript returns what was produced so far.
func (p *Producer) Transcript() Transcript {
	return p.transcript
}
