package resumable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := eventEnvelope(3, wire.TextDelta("hello "))
	require.NoError(t, err)
	b, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Seq)
	require.False(t, got.Done)
	ev, err := got.WireEvent()
	require.NoError(t, err)
	require.Equal(t, wire.TextDelta("hello "), ev)

	b, err = doneEnvelope(4).Marshal()
	require.NoError(t, err)
	got, err = UnmarshalEnvelope(b)
	require.NoError(t, err)
	require.True(t, got.Done)
	require.Empty(t, got.Event)
}

func TestEnvelope_RejectsIncompleteRecords(t *testing.T) {
	b, err := Envelope{Seq: 0, Done: true}.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalEnvelope(b)
	require.Error(t, err)

	b, err = Envelope{Seq: 2}.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalEnvelope(b)
	require.Error(t, err)

	_, err = UnmarshalEnvelope([]byte("not cbor"))
	require.Error(t, err)

	_, err = Envelope{Seq: 1, Event: []byte(`{"type":"bogus"}`)}.WireEvent()
	require.Error(t, err)
}

func TestMemoryStateStore_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()

	st, err := s.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateUnknown, st)

	ok, err := s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	st, _ = s.State(ctx, "s1")
	require.Equal(t, StateLive, st)
	require.NoError(t, s.MarkDone(ctx, "s1", time.Minute))
	st, _ = s.State(ctx, "s1")
	require.Equal(t, StateDone, st)

	ok, err = s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStateStore()
	s.now = func() time.Time { return now }

	ok, err := s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	st, err := s.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateUnknown, st)

	ok, err = s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStateStore_RefreshKeepsOnlyLiveSentinels(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStateStore()
	s.now = func() time.Time { return now }

	ok, err := s.Claim(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	require.NoError(t, s.Refresh(ctx, "s1", time.Minute))
	now = now.Add(50 * time.Second)
	st, err := s.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateLive, st)

	require.NoError(t, s.MarkDone(ctx, "s1", time.Hour))
	require.NoError(t, s.Refresh(ctx, "s1", time.Minute))
	now = now.Add(30 * time.Minute)
	st, err = s.State(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StateDone, st)

	require.NoError(t, s.Refresh(ctx, "unknown", time.Minute))
	st, err = s.State(ctx, "unknown")
	require.NoError(t, err)
	require.Equal(t, StateUnknown, st)
}

func TestKeyspace(t *testing.T) {
	k := keyspace{prefix: "fb"}
	require.Equal(t, "fb:sentinel:abc", k.sentinel("abc"))
	require.Equal(t, "fb:events:abc", k.topic("abc"))
	require.Equal(t, "resumable-stream:events:abc", keyspace{}.topic("abc"))
}
