package redisstream

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSettings_Configured(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	require.False(t, Settings{}.Configured())
	require.True(t, Settings{Addr: "localhost:6379"}.Configured())

	t.Setenv("REDIS_URL", "redis://example:6380/2")
	s := Settings{}
	require.True(t, s.Configured())
	opts, err := s.Options()
	require.NoError(t, err)
	require.Equal(t, "example:6380", opts.Addr)
	require.Equal(t, 2, opts.DB)
}

func TestSettings_OptionsPrefersURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	opts, err := Settings{URL: "redis://a:1", Addr: "b:2"}.Options()
	require.NoError(t, err)
	require.Equal(t, "a:1", opts.Addr)

	opts, err = Settings{Addr: "b:2"}.Options()
	require.NoError(t, err)
	require.Equal(t, "b:2", opts.Addr)

	_, err = Settings{}.Options()
	require.Error(t, err)

	_, err = Settings{URL: "http://not-redis"}.Options()
	require.Error(t, err)
}

func TestSettings_Durations(t *testing.T) {
	ttl, err := Settings{}.TTLDuration()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, ttl)

	recheck, err := Settings{RecheckInterval: "5s"}.RecheckDuration()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, recheck)

	_, err = Settings{TTL: "forever"}.TTLDuration()
	require.Error(t, err)

	live, err := Settings{}.LiveTTLDuration()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, live)
	live, err = Settings{LiveTTL: "2s"}.LiveTTLDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, live)
	_, err = Settings{LiveTTL: "0s"}.LiveTTLDuration()
	require.Error(t, err)

	require.Equal(t, "resumable-stream", Settings{}.Prefix())
	require.Equal(t, "x", Settings{KeyPrefix: " x "}.Prefix())
}

func TestNewSection(t *testing.T) {
	s, err := NewSection()
	require.NoError(t, err)
	require.Equal(t, Slug, s.GetSlug())
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	l.With(watermill.LogFields{"topic": "t1"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"n": 1})
	out := buf.String()
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"topic":"t1"`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"n":1`)
	require.Contains(t, out, "publish failed")

	buf.Reset()
	l.Trace("trace line", nil)
	require.Empty(t, buf.String())
}

// Requires a running Redis; set REDIS_TEST_ADDR to enable.
func TestConsumerGroupLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client, err := NewClient(Settings{Addr: addr})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	stream := "redisstream-test:" + uuid.NewString()
	defer client.Del(ctx, stream)
	require.NoError(t, EnsureGroupAt(ctx, client, stream, "g1", "0"))
	require.NoError(t, EnsureGroupAt(ctx, client, stream, "g1", "0"))
	require.NoError(t, DestroyGroup(ctx, client, stream, "g1"))
	require.NoError(t, DestroyGroup(ctx, client, stream, "g1"))
}
