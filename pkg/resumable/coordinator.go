// Package resumable lets a client reattach to a stream it started earlier.
//
// A Coordinator is created once at startup. When it has a side-channel backend,
// every produced event is published there and a later request can replay it;
// without one, streams pass straight through and cannot be resumed.
package resumable

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/metrics"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

// BuildFunc creates the stream to publish. The context it receives governs
// production: the request context in pass-through mode, the coordinator's base
// context when the stream is resumable.
type BuildFunc func(ctx context.Context) datastream.Stream

type Option func(*Coordinator)

// WithResumeIdleTimeout ends a resumed stream that receives nothing for d.
func WithResumeIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.idleTimeout = d }
}

// WithErrorMessage sets the text of error events the coordinator emits itself.
func WithErrorMessage(msg string) Option {
	return func(c *Coordinator) {
		if msg != "" {
			c.errorMessage = msg
		}
	}
}

// WithHeartbeatInterval sets how often a producer refreshes its live
// sentinel. It must be shorter than the backend's live TTL; d <= 0 disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeatEvery = d }
}

type Coordinator struct {
	baseCtx        context.Context
	idleTimeout    time.Duration
	heartbeatEvery time.Duration
	errorMessage   string

	mu      sync.RWMutex
	backend Backend
	reason  string

	pumps sync.WaitGroup
}

func newCoordinator(baseCtx context.Context, opts ...Option) *Coordinator {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	c := &Coordinator{
		baseCtx:        baseCtx,
		idleTimeout:    30 * time.Second,
		heartbeatEvery: DefaultLiveTTL / 3,
		errorMessage:   datastream.DefaultErrorMessage,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// New returns a coordinator publishing to backend. Producers of resumable
// streams run on baseCtx, so cancelling it stops them.
func New(baseCtx context.Context, backend Backend, opts ...Option) *Coordinator {
	c := newCoordinator(baseCtx, opts...)
	reason := ""
	if backend == nil {
		reason = "no side-channel backend"
	}
	c.setBackend(backend, reason)
	return c
}

// Unavailable returns a pass-through coordinator.
func Unavailable(reason string, opts ...Option) *Coordinator {
	c := newCoordinator(context.Background(), opts...)
	c.setBackend(nil, reason)
	return c
}

func (c *Coordinator) setBackend(b Backend, reason string) {
	c.mu.Lock()
	c.backend = b
	c.reason = reason
	c.mu.Unlock()
	if b != nil {
		metrics.SideChannelAvailable.Set(1)
	} else {
		metrics.SideChannelAvailable.Set(0)
	}
}

func (c *Coordinator) currentBackend() Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

// Available reports whether streams can currently be resumed.
func (c *Coordinator) Available() bool {
	return c.currentBackend() != nil
}

// Reason explains why the coordinator is unavailable.
func (c *Coordinator) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// PublishAndServe starts the stream built by build under streamID and returns
// the sequence the requester should read.
func (c *Coordinator) PublishAndServe(ctx context.Context, streamID string, build BuildFunc) (datastream.Stream, error) {
	if build == nil {
		return nil, errors.New("resumable: build func is nil")
	}
	backend := c.currentBackend()
	if backend == nil {
		return build(ctx), nil
	}

	claimed, err := backend.Claim(ctx, streamID)
	if err != nil {
		log.Warn().Err(err).Str("component", "resumable").Str("stream_id", streamID).Msg("side-channel claim failed, serving without resumption")
		metrics.SideChannelErrors.WithLabelValues("claim").Inc()
		return build(ctx), nil
	}
	if !claimed {
		s, ok, err := c.Resume(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return datastream.Empty(), nil
		}
		return s, nil
	}

	src := build(c.baseCtx)
	t := newTee()
	c.pumps.Add(1)
	go c.pump(backend, streamID, src, t)
	return t, nil
}

// pump drives src to completion independently of the requester, publishing
// every event to the side-channel.
func (c *Coordinator) pump(backend Backend, streamID string, src datastream.Stream, t *tee) {
	defer c.pumps.Done()
	defer t.end()
	defer func() { _ = src.Close() }()

	ctx := c.baseCtx
	logger := log.With().Str("component", "resumable").Str("stream_id", streamID).Logger()
	seq := uint64(0)
	stopHeartbeat := c.heartbeat(backend, streamID, logger)
	defer stopHeartbeat()

	publish := func(env Envelope) error {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return backend.Publish(pctx, streamID, env)
	}

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("producer stopped")
			ev = wire.Error(c.errorMessage)
		}

		seq++
		t.push(ev)
		env, encErr := eventEnvelope(seq, ev)
		if encErr == nil {
			encErr = publish(env)
		}
		if encErr != nil {
			logger.Error().Err(encErr).Msg("side-channel publish failed, stopping producer")
			metrics.SideChannelErrors.WithLabelValues("publish").Inc()
			if !ev.IsTerminal() {
				t.push(wire.Error(c.errorMessage))
			}
			break
		}
		if err != nil || ev.IsTerminal() {
			break
		}
	}

	stopHeartbeat()
	seq++
	if err := publish(doneEnvelope(seq)); err != nil {
		logger.Warn().Err(err).Msg("publish done marker failed")
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := backend.MarkDone(dctx, streamID); err != nil {
		logger.Warn().Err(err).Msg("mark stream done failed")
		metrics.SideChannelErrors.WithLabelValues("mark_done").Inc()
	}
	logger.Debug().Uint64("records", seq).Msg("stream published")
}

// heartbeat keeps the sentinel of streamID live until stop is called. stop
// returns once no refresh is in flight, so a later MarkDone is not undone.
func (c *Coordinator) heartbeat(backend Backend, streamID string, logger zerolog.Logger) (stop func()) {
	if c.heartbeatEvery <= 0 {
		return func() {}
	}
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(c.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				hctx, cancel := context.WithTimeout(context.WithoutCancel(c.baseCtx), 5*time.Second)
				err := backend.Heartbeat(hctx, streamID)
				cancel()
				if err != nil {
					logger.Warn().Err(err).Msg("heartbeat failed")
					metrics.SideChannelErrors.WithLabelValues("heartbeat").Inc()
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-exited
		})
	}
}

// Resume reattaches to a live stream. ok is false when the stream is unknown
// to the side-channel or already finished.
func (c *Coordinator) Resume(ctx context.Context, streamID string) (datastream.Stream, bool, error) {
	backend := c.currentBackend()
	if backend == nil {
		return nil, false, nil
	}
	state, err := backend.State(ctx, streamID)
	if err != nil {
		log.Warn().Err(err).Str("component", "resumable").Str("stream_id", streamID).Msg("side-channel state lookup failed")
		metrics.SideChannelErrors.WithLabelValues("state").Inc()
		return nil, false, nil
	}
	if state != StateLive {
		return nil, false, nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := backend.Subscribe(subCtx, streamID)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("component", "resumable").Str("stream_id", streamID).Msg("side-channel subscribe failed")
		metrics.SideChannelErrors.WithLabelValues("subscribe").Inc()
		return nil, false, nil
	}
	return newReplayReader(streamID, ch, cancel, c.idleTimeout, c.errorMessage), true, nil
}

// Wait blocks until every running producer has finished.
func (c *Coordinator) Wait() {
	c.pumps.Wait()
}

// Close waits for running producers and closes the backend.
func (c *Coordinator) Close() error {
	c.Wait()
	if b := c.currentBackend(); b != nil {
		return b.Close()
	}
	return nil
}
