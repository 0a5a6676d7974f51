package resumable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/inference/fake"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

func memoryTopicsOf(t *testing.T, b *WatermillBackend) *memoryTopics {
	t.Helper()
	topics, ok := b.publisher.(*memoryTopics)
	require.True(t, ok)
	return topics
}

func TestMemoryBackend_FinishedStreamIsReplayableUntilTTL(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend(WithTTL(time.Hour))
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("hello world")))
	require.NoError(t, err)
	_, err = datastream.Collect(ctx, s)
	require.NoError(t, err)
	c.Wait()

	require.Equal(t, 1, memoryTopicsOf(t, backend).count())
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := backend.Subscribe(subCtx, "s1")
	require.NoError(t, err)
	select {
	case msg, ok := <-ch:
		require.True(t, ok)
		msg.Ack()
		env, err := UnmarshalEnvelope(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, uint64(1), env.Seq)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no record replayed")
	}
}

func TestMemoryBackend_DropsStreamsAfterTTL(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend(WithTTL(50 * time.Millisecond))
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("hello world")))
	require.NoError(t, err)
	events, err := datastream.Collect(ctx, s)
	require.NoError(t, err)
	require.Equal(t, "hello world", joinDeltas(events))
	c.Wait()

	time.Sleep(100 * time.Millisecond)
	st, err := backend.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateUnknown, st)
	require.Eventually(t, func() bool {
		return memoryTopicsOf(t, backend).count() == 0
	}, time.Second, 10*time.Millisecond)

	subCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	ch, err := backend.Subscribe(subCtx, "s1")
	require.NoError(t, err)
	select {
	case msg, ok := <-ch:
		if ok {
			msg.Ack()
			require.FailNow(t, "expired stream still delivers records")
		}
	case <-subCtx.Done():
	}
}

func TestCoordinator_DeadProducerIsNotResumable(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend(WithLiveTTL(50 * time.Millisecond))
	require.NoError(t, err)
	c := New(context.Background(), backend)
	defer func() { require.NoError(t, c.Close()) }()

	// a producer that claimed the stream and then died sends no heartbeats
	claimed, err := backend.Claim(ctx, "s1")
	require.NoError(t, err)
	require.True(t, claimed)
	st, err := backend.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateLive, st)

	require.Eventually(t, func() bool {
		_, ok, err := c.Resume(ctx, "s1")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_HeartbeatKeepsSlowStreamResumable(t *testing.T) {
	ctx := testCtx(t)
	backend, err := NewMemoryBackend(WithLiveTTL(60 * time.Millisecond))
	require.NoError(t, err)
	c := New(context.Background(), backend,
		WithHeartbeatInterval(10*time.Millisecond),
		WithResumeIdleTimeout(2*time.Second),
	)
	defer func() { require.NoError(t, c.Close()) }()

	gate := make(chan struct{})
	s, err := c.PublishAndServe(ctx, "s1", producerBuild(fake.Text("slow answer", fake.WithGate(gate))))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	time.Sleep(200 * time.Millisecond)
	resumed, ok, err := c.Resume(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	close(gate)
	events, err := datastream.Collect(ctx, resumed)
	require.NoError(t, err)
	require.Equal(t, "slow answer", joinDeltas(events))
	require.Equal(t, wire.Finish("stop"), events[len(events)-1])

	c.Wait()
	st, err := backend.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateDone, st)
}
