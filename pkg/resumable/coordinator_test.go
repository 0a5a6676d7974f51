package resumable

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/inference"
	"github.com/go-go-golems/feedbackstream/pkg/inference/fake"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

func producerBuild(eng inference.Engine) BuildFunc {
	return func(ctx context.Context) datastream.Stream {
		return datastream.New(inference.NewProducer(eng, inference.Request{Model: "test"}))
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func joinDeltas(events []wire.Event) string {
	var sb strings.Builder
	for _, e := range events {
		if e.IsDelta() {
			sb.WriteString(e.Delta)
		}
	}
	return sb.String()
}

// stubBackend fails the operations it has an error for and otherwise behaves
// like a backend that accepts everything.
type stubBackend struct {
	mu        sync.Mutex
	claimErr  error
	publishFn func(env Envelope) error
	state     State
	stateErr  error
	ch        chan *message.Message
	published  []Envelope
	doneCalls  int
	heartbeats int
}

func (s *stubBackend) Claim(context.Context, string) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	return true, nil
}

func (s *stubBackend) Heartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *stubBackend) MarkDone(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneCalls++
	return nil
}

func (s *stubBackend) State(context.Context, string) (State, error) {
	return s.state, s.stateErr
}

func (s *stubBackend) Publish(_ context.Context, _ string, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishFn != nil {
		if err := s.publishFn(env); err != nil {
			return err
		}
	}
	s.published = append(s.published, env)
	return nil
}

func (s *stubBackend) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *stubBackend) Close() error { return nil }

func TestCoordinator_PassThroughUsesRequestContext(t *testing.T) {
	c := Unavailable("redis not configured")
	require.False(t, c.Available())
	require.Equal(t, "redis not configured", c.Reason())

	type key struct{}
	ctx := context.WithValue(testCtx(t), key{}, "request")
	var seen any
	s, err := c.PublishAndServe(ctx, "s1", func(bctx context.Context) datastream.Stream {
		seen = bctx.Value(key{})
		return datastream.OneShot(wire.TextDelta("hi"), wire.Finish("stop"))
	})
	require.NoError(t, err)
	require.Equal(t, "request", seen)

	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []wire.Event{wire.TextDelta("hi"), wire.Finish("stop")}, events)

	rs, ok, err := c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rs)
}

func TestCoordinator_ResumeLiveStreamReplaysEverything(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)
	c := New(context.Background(), backend, WithResumeIdleTimeout(2*time.Second))
	defer func() { require.NoError(t, c.Close()) }()

	gate := make(chan struct{})
	eng := fake.Text("one two three", fake.WithGate(gate))

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(eng))
	require.NoError(t, err)

	gate <- struct{}{}
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TextDelta("one "), ev)
	// the requester disconnects; generation keeps going
	require.NoError(t, s.Close())

	resumed, ok, err := c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	gate <- struct{}{}
	gate <- struct{}{}

	events, err := datastream.Collect(ctx, resumed)
	require.NoError(t, err)
	require.Equal(t, []wire.Event{
		wire.TextDelta("one "),
		wire.TextDelta("two "),
		wire.TextDelta("three"),
		wire.Finish("stop"),
	}, events)

	c.Wait()
	st, err := backend.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateDone, st)

	_, ok, err = c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoordinator_RequesterSeesFullStream(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("good prompt")))
	require.NoError(t, err)
	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, "good prompt", joinDeltas(events))
	require.Equal(t, wire.Finish("stop"), events[len(events)-1])
}

func TestCoordinator_SecondClaimResumes(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	gate := make(chan struct{})
	eng := fake.Text("a b", fake.WithGate(gate))
	first, err := c.PublishAndServe(ctx, "s1", producerBuild(eng))
	require.NoError(t, err)

	built := false
	second, err := c.PublishAndServe(ctx, "s1", func(context.Context) datastream.Stream {
		built = true
		return datastream.Empty()
	})
	require.NoError(t, err)
	require.False(t, built)

	close(gate)
	a, err := datastream.Collect(ctx, first)
	require.NoError(t, err)
	b, err := datastream.Collect(ctx, second)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, eng.Streams(), 1)
}

func TestCoordinator_ClaimFailureFallsBackToPassThrough(t *testing.T) {
	ctx := testCtx(t)
	backend := &stubBackend{claimErr: errors.New("connection refused")}
	c := New(context.Background(), backend)

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("still works")))
	require.NoError(t, err)
	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, "still works", joinDeltas(events))

	c.Wait()
	require.Empty(t, backend.published)
	require.Zero(t, backend.doneCalls)
}

func TestCoordinator_PublishFailureStopsProducer(t *testing.T) {
	ctx := testCtx(t)
	backend := &stubBackend{publishFn: func(env Envelope) error {
		return errors.New("side-channel down")
	}}
	c := New(context.Background(), backend, WithErrorMessage("broken"))

	eng := fake.Text("one two three four")
	s, err := c.PublishAndServe(ctx, "s1", producerBuild(eng))
	require.NoError(t, err)
	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []wire.Event{wire.TextDelta("one "), wire.Error("broken")}, events)

	c.Wait()
	require.Len(t, eng.Streams(), 1)
	require.True(t, eng.Streams()[0].Closed())
	require.Equal(t, 1, backend.doneCalls)
}

func TestCoordinator_PublishesSequencedEnvelopes(t *testing.T) {
	ctx := testCtx(t)
	backend := &stubBackend{}
	c := New(context.Background(), backend)

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("x y")))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	c.Wait()

	require.Len(t, backend.published, 4)
	for i, env := range backend.published {
		require.Equal(t, uint64(i+1), env.Seq)
	}
	last := backend.published[3]
	require.True(t, last.Done)
	ev, err := backend.published[2].WireEvent()
	require.NoError(t, err)
	require.Equal(t, wire.Finish("stop"), ev)
	require.Equal(t, 1, backend.doneCalls)
}

func TestCoordinator_ResumeIgnoresBackendErrors(t *testing.T) {
	ctx := testCtx(t)
	c := New(context.Background(), &stubBackend{stateErr: errors.New("timeout")})
	s, ok, err := c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, s)

	c = New(context.Background(), &stubBackend{state: StateDone})
	_, ok, err = c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoordinator_ResumeIdleTimeout(t *testing.T) {
	ctx := testCtx(t)
	backend := &stubBackend{state: StateLive, ch: make(chan *message.Message)}
	c := New(context.Background(), backend, WithResumeIdleTimeout(20*time.Millisecond), WithErrorMessage("gone"))

	s, ok, err := c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []wire.Event{wire.Error("gone")}, events)
}

func TestCoordinator_ConcurrentStreamsStaySeparate(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend()
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	texts := map[string]string{
		"s1": "alpha beta gamma delta",
		"s2": "one two three four five",
		"s3": "red green blue",
	}
	var wg sync.WaitGroup
	results := sync.Map{}
	for id, text := range texts {
		wg.Add(1)
		go func(id, text string) {
			defer wg.Done()
			s, err := c.PublishAndServe(ctx, id, producerBuild(fake.Text(text, fake.WithDelay(time.Millisecond))))
			if err != nil {
				results.Store(id, "error: "+err.Error())
				return
			}
			events, err := datastream.Collect(ctx, s)
			if err != nil {
				results.Store(id, "error: "+err.Error())
				return
			}
			results.Store(id, joinDeltas(events))
		}(id, text)
	}
	wg.Wait()
	c.Wait()

	for id, text := range texts {
		got, ok := results.Load(id)
		require.True(t, ok)
		require.Equal(t, text, got)

		subCtx, cancel := context.WithCancel(ctx)
		ch, err := backend.Subscribe(subCtx, id)
		require.NoError(t, err)
		r := newReplayReader(id, ch, cancel, time.Second, "gone")
		replayed, err := datastream.Collect(ctx, r)
		require.NoError(t, err)
		require.Equal(t, text, joinDeltas(replayed))
	}
}
