package resumable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/redisstream"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

type listerFunc func(ctx context.Context, chatID string) ([]chatstore.Message, error)

func (f listerFunc) ListMessages(ctx context.Context, chatID string) ([]chatstore.Message, error) {
	return f(ctx, chatID)
}

func staticMessages(msgs ...chatstore.Message) MessageLister {
	return listerFunc(func(context.Context, string) ([]chatstore.Message, error) {
		return msgs, nil
	})
}

func TestReconstruction_AgeOfLastMessage(t *testing.T) {
	persisted := time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)
	reply := chatstore.Message{
		ID:        "m2",
		ChatID:    "c1",
		Role:      chatstore.RoleAssistant,
		Parts:     []chatstore.ContentPart{chatstore.TextPart("done")},
		CreatedAt: persisted,
	}
	p := ReconstructionPolicy{Messages: staticMessages(
		chatstore.Message{ID: "m1", ChatID: "c1", Role: chatstore.RoleUser, CreatedAt: persisted.Add(-time.Minute)},
		reply,
	)}

	for _, tc := range []struct {
		name    string
		elapsed time.Duration
		want    Reconstruction
	}{
		{"fresh", 10 * time.Second, ReconstructedMessage},
		{"boundary", 15 * time.Second, ReconstructedMessage},
		{"stale", 20 * time.Second, ReconstructedEmpty},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, outcome, err := p.Reconstruct(context.Background(), "c1", persisted.Add(tc.elapsed))
			require.NoError(t, err)
			require.Equal(t, tc.want, outcome)

			events, err := datastream.Collect(context.Background(), s)
			require.NoError(t, err)
			if tc.want == ReconstructedEmpty {
				require.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			require.Equal(t, wire.KindAppendMessage, events[0].Kind)
			var got chatstore.Message
			require.NoError(t, json.Unmarshal(events[0].Message, &got))
			require.Equal(t, "m2", got.ID)
			text, ok := chatstore.FirstText(got.Parts)
			require.True(t, ok)
			require.Equal(t, "done", text)
		})
	}
}

func TestReconstruction_NoGeneratedMessage(t *testing.T) {
	now := time.Now()
	p := ReconstructionPolicy{Messages: staticMessages(
		chatstore.Message{ID: "m1", Role: chatstore.RoleUser, CreatedAt: now},
	)}
	_, outcome, err := p.Reconstruct(context.Background(), "c1", now)
	require.NoError(t, err)
	require.Equal(t, ReconstructedEmpty, outcome)

	p = ReconstructionPolicy{Messages: staticMessages()}
	_, outcome, err = p.Reconstruct(context.Background(), "c1", now)
	require.NoError(t, err)
	require.Equal(t, ReconstructedEmpty, outcome)
}

func TestReconstruction_StoreError(t *testing.T) {
	p := ReconstructionPolicy{Messages: listerFunc(func(context.Context, string) ([]chatstore.Message, error) {
		return nil, errors.Wrap(chatstore.ErrStorageUnavailable, "list")
	})}
	_, _, err := p.Reconstruct(context.Background(), "c1", time.Now())
	require.ErrorIs(t, err, chatstore.ErrStorageUnavailable)
}

func TestFromSettings(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	ctx := context.Background()

	c, err := FromSettings(ctx, redisstream.Settings{Backend: redisstream.BackendNone})
	require.NoError(t, err)
	require.False(t, c.Available())

	c, err = FromSettings(ctx, redisstream.Settings{Backend: redisstream.BackendRedis})
	require.NoError(t, err)
	require.False(t, c.Available())
	require.Equal(t, "redis not configured", c.Reason())

	c, err = FromSettings(ctx, redisstream.Settings{Backend: redisstream.BackendMemory, TTL: "1h"})
	require.NoError(t, err)
	require.True(t, c.Available())
	require.NoError(t, c.Close())

	_, err = FromSettings(ctx, redisstream.Settings{Backend: "kafka"})
	require.Error(t, err)

	_, err = FromSettings(ctx, redisstream.Settings{Backend: redisstream.BackendMemory, TTL: "soon"})
	require.Error(t, err)
}

func TestStreamSettings(t *testing.T) {
	s := StreamSettings{Smoothing: "word", SmoothDelay: "5ms"}
	c, err := s.Chunking()
	require.NoError(t, err)
	require.NotNil(t, c)
	d, err := s.SmoothDelayDuration()
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, d)

	c, err = StreamSettings{Smoothing: "none"}.Chunking()
	require.NoError(t, err)
	require.Nil(t, c)

	_, err = StreamSettings{Smoothing: "sentence"}.Chunking()
	require.Error(t, err)

	stale, err := StreamSettings{}.StaleAfterDuration()
	require.NoError(t, err)
	require.Equal(t, DefaultStaleAfter, stale)

	section, err := NewStreamSection()
	require.NoError(t, err)
	require.Equal(t, StreamSlug, section.GetSlug())

	streamOpts, err := StreamSettings{Smoothing: "line", ErrorMessage: "sorry"}.StreamOptions()
	require.NoError(t, err)
	require.Len(t, streamOpts, 3)
	_, err = StreamSettings{SmoothDelay: "later"}.StreamOptions()
	require.Error(t, err)

	coordOpts, err := StreamSettings{ResumeIdleTimeout: "1s"}.CoordinatorOptions()
	require.NoError(t, err)
	require.Len(t, coordOpts, 1)
}
