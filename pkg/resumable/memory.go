package resumable

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// memoryTopics routes each topic to its own persistent gochannel so that a
// finished stream can be released as a whole.
type memoryTopics struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	topics map[string]*gochannel.GoChannel
	timers map[string]*time.Timer
	closed bool

	// empty serves subscriptions to topics that were never published or are
	// already dropped. Nothing is ever published to it.
	empty *gochannel.GoChannel
}

var _ message.Publisher = &memoryTopics{}

func newMemoryTopics(logger watermill.LoggerAdapter) *memoryTopics {
	return &memoryTopics{
		logger: logger,
		topics: map[string]*gochannel.GoChannel{},
		timers: map[string]*time.Timer{},
		empty:  gochannel.NewGoChannel(gochannel.Config{}, logger),
	}
}

func (m *memoryTopics) Publish(topic string, msgs ...*message.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("memory backend is closed")
	}
	ch, ok := m.topics[topic]
	if !ok {
		ch = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, m.logger)
		m.topics[topic] = ch
	}
	m.mu.Unlock()
	return ch.Publish(topic, msgs...)
}

func (m *memoryTopics) subscriber(_ context.Context, topic string) (message.Subscriber, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, errors.New("memory backend is closed")
	}
	if ch, ok := m.topics[topic]; ok {
		return ch, nil, nil
	}
	return m.empty, nil, nil
}

// expire drops topic after ttl.
func (m *memoryTopics) expire(topic string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[topic]; ok {
		t.Stop()
	}
	m.timers[topic] = time.AfterFunc(ttl, func() { m.drop(topic) })
}

func (m *memoryTopics) drop(topic string) {
	m.mu.Lock()
	ch := m.topics[topic]
	delete(m.topics, topic)
	delete(m.timers, topic)
	m.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		log.Warn().Err(err).Str("component", "resumable").Str("topic", topic).Msg("close expired topic")
	}
}

// count reports how many topics are held.
func (m *memoryTopics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func (m *memoryTopics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = map[string]*gochannel.GoChannel{}
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = map[string]*time.Timer{}
	m.mu.Unlock()

	var firstErr error
	for _, ch := range topics {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.empty.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
