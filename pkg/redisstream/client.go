package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient builds a client from settings without contacting the server.
func NewClient(s Settings) (*redis.Client, error) {
	opts, err := s.Options()
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Ping checks that the server answers.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	return errors.Wrap(client.Ping(ctx).Err(), "redis ping")
}

// NewPublisher returns a Redis Streams publisher.
func NewPublisher(client redis.UniversalClient) (message.Publisher, error) {
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
}

// NewGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group/name.
func NewGroupSubscriber(client redis.UniversalClient, group, consumer string) (message.Subscriber, error) {
	if strings.TrimSpace(group) == "" {
		return nil, errors.New("consumer group is empty")
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
}

// EnsureGroupAt creates the consumer group for a stream starting at id ("0"
// replays the whole stream, "$" starts at the tail) if it doesn't exist.
func EnsureGroupAt(ctx context.Context, client redis.UniversalClient, stream, group, id string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, id).Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Debug().Str("stream", stream).Str("group", group).Str("start", id).Msg("created redis consumer group")
	return nil
}

// DestroyGroup removes a consumer group. A missing stream or group is not an error.
func DestroyGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupDestroy(ctx, stream, group).Err()
	if err != nil && !isNoGroup(err) {
		return errors.Wrapf(err, "destroy consumer group %s on %s", group, stream)
	}
	return nil
}

func isNoGroup(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOGROUP") || strings.Contains(msg, "no such key") || strings.Contains(msg, "requires the key to exist")
}
