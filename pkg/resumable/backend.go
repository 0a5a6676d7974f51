package resumable

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/redisstream"
)

// DefaultLiveTTL bounds how long a stream stays resumable after its producer
// stopped sending heartbeats.
const DefaultLiveTTL = 30 * time.Second

// Backend is the durable side-channel a Coordinator publishes to and resumes from.
type Backend interface {
	Claim(ctx context.Context, streamID string) (bool, error)
	// Heartbeat keeps a claimed stream live. A stream whose producer stops
	// sending heartbeats is no longer resumable once its live TTL passed.
	Heartbeat(ctx context.Context, streamID string) error
	MarkDone(ctx context.Context, streamID string) error
	State(ctx context.Context, streamID string) (State, error)
	Publish(ctx context.Context, streamID string, env Envelope) error
	// Subscribe replays a stream's envelopes from its first record. The channel
	// closes when ctx is cancelled; every message must be acked.
	Subscribe(ctx context.Context, streamID string) (<-chan *message.Message, error)
	Close() error
}

// SubscriberFactory builds a subscriber for one reader of topic. release is
// called once the reader is done.
type SubscriberFactory func(ctx context.Context, topic string) (sub message.Subscriber, release func(), err error)

// WatermillBackend implements Backend over a watermill publisher, a per-reader
// subscriber factory and a StateStore.
type WatermillBackend struct {
	publisher message.Publisher
	subscribe SubscriberFactory
	state     StateStore
	keys      keyspace
	ttl       time.Duration
	liveTTL   time.Duration

	onDone  func(ctx context.Context, topic string) error
	closers []func() error
}

var _ Backend = &WatermillBackend{}

type BackendOption func(*WatermillBackend)

func WithTTL(ttl time.Duration) BackendOption {
	return func(b *WatermillBackend) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithLiveTTL sets how long a live sentinel survives without a heartbeat.
func WithLiveTTL(ttl time.Duration) BackendOption {
	return func(b *WatermillBackend) {
		if ttl > 0 {
			b.liveTTL = ttl
		}
	}
}

func WithKeyPrefix(prefix string) BackendOption {
	return func(b *WatermillBackend) { b.keys = keyspace{prefix: prefix} }
}

// WithDoneHook runs after a stream is marked done, e.g. to expire its topic.
func WithDoneHook(fn func(ctx context.Context, topic string) error) BackendOption {
	return func(b *WatermillBackend) { b.onDone = fn }
}

// WithCloser registers a function run by Close.
func WithCloser(fn func() error) BackendOption {
	return func(b *WatermillBackend) { b.closers = append(b.closers, fn) }
}

func NewWatermillBackend(pub message.Publisher, subscribe SubscriberFactory, state StateStore, opts ...BackendOption) (*WatermillBackend, error) {
	if pub == nil {
		return nil, errors.New("publisher is nil")
	}
	if subscribe == nil {
		return nil, errors.New("subscriber factory is nil")
	}
	if state == nil {
		return nil, errors.New("state store is nil")
	}
	b := &WatermillBackend{
		publisher: pub,
		subscribe: subscribe,
		state:     state,
		ttl:       24 * time.Hour,
		liveTTL:   DefaultLiveTTL,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *WatermillBackend) Claim(ctx context.Context, streamID string) (bool, error) {
	return b.state.Claim(ctx, streamID, b.liveTTL)
}

func (b *WatermillBackend) Heartbeat(ctx context.Context, streamID string) error {
	return b.state.Refresh(ctx, streamID, b.liveTTL)
}

// LiveTTL is the lifetime of a live sentinel between heartbeats.
func (b *WatermillBackend) LiveTTL() time.Duration {
	return b.liveTTL
}

func (b *WatermillBackend) MarkDone(ctx context.Context, streamID string) error {
	if err := b.state.MarkDone(ctx, streamID, b.ttl); err != nil {
		return err
	}
	if b.onDone != nil {
		return b.onDone(ctx, b.keys.topic(streamID))
	}
	return nil
}

func (b *WatermillBackend) State(ctx context.Context, streamID string) (State, error) {
	return b.state.State(ctx, streamID)
}

func (b *WatermillBackend) Publish(ctx context.Context, streamID string, env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return errors.Wrap(b.publisher.Publish(b.keys.topic(streamID), msg), "publish envelope")
}

func (b *WatermillBackend) Subscribe(ctx context.Context, streamID string) (<-chan *message.Message, error) {
	topic := b.keys.topic(streamID)
	sub, release, err := b.subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "build subscriber")
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, errors.Wrap(err, "subscribe")
	}
	if release != nil {
		go func() {
			<-ctx.Done()
			release()
		}()
	}
	return ch, nil
}

func (b *WatermillBackend) Close() error {
	var firstErr error
	if err := b.publisher.Close(); err != nil {
		firstErr = err
	}
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewMemoryBackend keeps every stream in its own persistent in-process
// gochannel, dropped one TTL after the stream is done. It only supports
// resumption within a single process.
func NewMemoryBackend(opts ...BackendOption) (*WatermillBackend, error) {
	topics := newMemoryTopics(redisstream.NewWatermillLogger(log.Logger))
	b, err := NewWatermillBackend(topics, topics.subscriber, NewMemoryStateStore(), opts...)
	if err != nil {
		return nil, err
	}
	b.onDone = func(_ context.Context, topic string) error {
		topics.expire(topic, b.ttl)
		return nil
	}
	return b, nil
}

// NewRedisBackend publishes to Redis Streams. Every reader gets its own consumer
// group created at the head of the stream and destroyed after reading.
func NewRedisBackend(client redis.UniversalClient, opts ...BackendOption) (*WatermillBackend, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	pub, err := redisstream.NewPublisher(client)
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}

	subscribe := func(ctx context.Context, topic string) (message.Subscriber, func(), error) {
		group := "resume-" + uuid.NewString()
		if err := redisstream.EnsureGroupAt(ctx, client, topic, group, "0"); err != nil {
			return nil, nil, err
		}
		sub, err := redisstream.NewGroupSubscriber(client, group, "reader")
		if err != nil {
			return nil, nil, err
		}
		release := func() {
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Str("component", "resumable").Str("topic", topic).Msg("close replay subscriber")
			}
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := redisstream.DestroyGroup(cleanupCtx, client, topic, group); err != nil {
				log.Warn().Err(err).Str("component", "resumable").Str("topic", topic).Msg("destroy replay consumer group")
			}
		}
		return sub, release, nil
	}

	b, err := NewWatermillBackend(pub, subscribe, NewMemoryStateStore(), opts...)
	if err != nil {
		return nil, err
	}
	// sentinels and topics share the backend's key prefix
	b.state = NewRedisStateStore(client, b.keys.prefix)
	b.onDone = func(ctx context.Context, topic string) error {
		return errors.Wrap(client.Expire(ctx, topic, b.ttl).Err(), "expire topic")
	}
	return b, nil
}
