package datastream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

type scriptedSource struct {
	events []wire.Event
	err    error
	pulls  int
	closed bool
}

func (s *scriptedSource) Next(context.Context) (wire.Event, error) {
	s.pulls++
	if len(s.events) == 0 {
		if s.err != nil {
			return wire.Event{}, s.err
		}
		return wire.Event{}, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

func deltas(events []wire.Event) string {
	var sb strings.Builder
	for _, e := range events {
		if e.IsDelta() {
			sb.WriteString(e.Delta)
		}
	}
	return sb.String()
}

func requireOneTerminalAtEnd(t *testing.T, events []wire.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	for i, e := range events {
		require.Equal(t, i == len(events)-1, e.IsTerminal(), "event %d: %+v", i, e)
	}
}

func TestMultiplexer_PassThroughPreservesOrder(t *testing.T) {
	src := &scriptedSource{events: []wire.Event{
		wire.ReasoningDelta("r1"),
		wire.TextDelta("t1"),
		wire.TextDelta("t2"),
	}}
	out, err := Collect(context.Background(), New(src))
	require.NoError(t, err)
	require.Equal(t, []wire.Event{
		wire.ReasoningDelta("r1"),
		wire.TextDelta("t1"),
		wire.TextDelta("t2"),
		wire.Finish(""),
	}, out)
	require.True(t, src.closed)
}

func TestMultiplexer_WordSmoothing(t *testing.T) {
	src := &scriptedSource{events: []wire.Event{
		wire.TextDelta("Hel"),
		wire.TextDelta("lo wor"),
		wire.TextDelta("ld, how  are"),
		wire.ReasoningDelta("because "),
		wire.TextDelta("you?"),
		wire.Finish("stop"),
	}}
	out, err := Collect(context.Background(), New(src, WithSmoothing(WordChunking)))
	require.NoError(t, err)
	require.Equal(t, []wire.Event{
		wire.TextDelta("Hello "),
		wire.TextDelta("world, "),
		wire.TextDelta("how  "),
		wire.TextDelta("are"),
		wire.ReasoningDelta("because "),
		wire.TextDelta("you?"),
		wire.Finish("stop"),
	}, out)
	requireOneTerminalAtEnd(t, out)
}

func TestMultiplexer_SmoothingNeverDropsContent(t *testing.T) {
	text := "  leading space, multiple   gaps\nnew line and trailing"
	var in []wire.Event
	for _, r := range text {
		in = append(in, wire.TextDelta(string(r)))
	}
	out, err := Collect(context.Background(), New(&scriptedSource{events: in}, WithSmoothing(WordChunking)))
	require.NoError(t, err)
	require.Equal(t, text, deltas(out))
	requireOneTerminalAtEnd(t, out)
}

func TestMultiplexer_ErrorEventBecomesFallback(t *testing.T) {
	src := &scriptedSource{events: []wire.Event{
		wire.TextDelta("partial "),
		wire.Error("upstream 500: secret internals"),
		wire.TextDelta("never seen"),
	}}
	out, err := Collect(context.Background(), New(src))
	require.NoError(t, err)
	require.Equal(t, []wire.Event{
		wire.TextDelta("partial "),
		wire.Error(DefaultErrorMessage),
	}, out)
	require.True(t, src.closed)
	require.Equal(t, 2, src.pulls)
}

func TestMultiplexer_SourceErrorFlushesThenFails(t *testing.T) {
	src := &scriptedSource{
		events: []wire.Event{wire.TextDelta("half")},
		err:    errors.New("connection reset"),
	}
	out, err := Collect(context.Background(), New(src, WithSmoothing(WordChunking), WithErrorMessage("nope")))
	require.NoError(t, err)
	require.Equal(t, []wire.Event{wire.TextDelta("half"), wire.Error("nope")}, out)
}

func TestMultiplexer_AppendMessageFlushesBuffer(t *testing.T) {
	msg, err := wire.AppendMessage(map[string]string{"id": "m"})
	require.NoError(t, err)
	src := &scriptedSource{events: []wire.Event{wire.TextDelta("abc"), msg}}
	out, err := Collect(context.Background(), New(src, WithSmoothing(WordChunking)))
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, wire.TextDelta("abc"), out[0])
	require.Equal(t, wire.KindAppendMessage, out[1].Kind)
	require.Equal(t, wire.KindFinish, out[2].Kind)
}

func TestMultiplexer_CancelledContext(t *testing.T) {
	src := &scriptedSource{err: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(src)
	_, err := m.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, err = m.Next(context.Background())
	require.Equal(t, io.EOF, err)
}

func TestMultiplexer_SmoothingDelay(t *testing.T) {
	src := &scriptedSource{events: []wire.Event{wire.TextDelta("a b c ")}}
	start := time.Now()
	out, err := Collect(context.Background(), New(src, WithSmoothing(WordChunking), WithSmoothingDelay(10*time.Millisecond)))
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEmptyAndOneShot(t *testing.T) {
	out, err := Collect(context.Background(), Empty())
	require.NoError(t, err)
	require.Empty(t, out)

	msg, err := wire.AppendMessage(map[string]string{"id": "m"})
	require.NoError(t, err)
	out, err = Collect(context.Background(), OneShot(msg))
	require.NoError(t, err)
	require.Equal(t, []wire.Event{msg}, out)
}

func TestLineChunking(t *testing.T) {
	ready, rest := LineChunking("one\ntwo")
	require.Equal(t, "one\n", ready)
	require.Equal(t, "two", rest)
	ready, rest = LineChunking("two")
	require.Empty(t, ready)
	require.Equal(t, "two", rest)
}
