package resumable

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// State is the side-channel sentinel of one stream.
type State string

const (
	StateUnknown State = ""
	StateLive    State = "live"
	StateDone    State = "done"
)

// StateStore keeps one sentinel per stream id.
type StateStore interface {
	// Claim marks streamID live if it has no sentinel yet and reports whether
	// this caller won the claim.
	Claim(ctx context.Context, streamID string, ttl time.Duration) (bool, error)
	MarkDone(ctx context.Context, streamID string, ttl time.Duration) error
	// Refresh extends a live sentinel by ttl. Other sentinels are left alone.
	Refresh(ctx context.Context, streamID string, ttl time.Duration) error
	State(ctx context.Context, streamID string) (State, error)
}

type memEntry struct {
	state   State
	expires time.Time
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

var _ StateStore = &MemoryStateStore{}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{now: time.Now, entries: map[string]memEntry{}}
}

func (s *MemoryStateStore) lookup(id string) (memEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, id)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStateStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStateStore) Claim(_ context.Context, streamID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(streamID); ok {
		return false, nil
	}
	s.entries[streamID] = memEntry{state: StateLive, expires: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStateStore) MarkDone(_ context.Context, streamID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[streamID] = memEntry{state: StateDone, expires: s.expiry(ttl)}
	return nil
}

func (s *MemoryStateStore) Refresh(_ context.Context, streamID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(streamID)
	if !ok || e.state != StateLive {
		return nil
	}
	e.expires = s.expiry(ttl)
	s.entries[streamID] = e
	return nil
}

func (s *MemoryStateStore) State(_ context.Context, streamID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(streamID)
	if !ok {
		return StateUnknown, nil
	}
	return e.state, nil
}

// RedisStateStore keeps sentinels as plain Redis keys.
type RedisStateStore struct {
	client redis.UniversalClient
	keys   keyspace
}

var _ StateStore = &RedisStateStore{}

func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, keys: keyspace{prefix: prefix}}
}

func (s *RedisStateStore) Claim(ctx context.Context, streamID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.sentinel(streamID), string(StateLive), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim sentinel")
	}
	return ok, nil
}

func (s *RedisStateStore) MarkDone(ctx context.Context, streamID string, ttl time.Duration) error {
	return errors.Wrap(s.client.Set(ctx, s.keys.sentinel(streamID), string(StateDone), ttl).Err(), "mark sentinel done")
}

// refreshLive extends the key only while it still reads "live".
var refreshLive = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (s *RedisStateStore) Refresh(ctx context.Context, streamID string, ttl time.Duration) error {
	err := refreshLive.Run(ctx, s.client, []string{s.keys.sentinel(streamID)}, string(StateLive), ttl.Milliseconds()).Err()
	return errors.Wrap(err, "refresh sentinel")
}

func (s *RedisStateStore) State(ctx context.Context, streamID string) (State, error) {
	v, err := s.client.Get(ctx, s.keys.sentinel(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, errors.Wrap(err, "read sentinel")
	}
	switch State(v) {
	case StateLive, StateDone:
		return State(v), nil
	default:
		return StateUnknown, nil
	}
}

type keyspace struct {
	prefix string
}

func (k keyspace) base() string {
	if p := strings.TrimSpace(k.prefix); p != "" {
		return p
	}
	return "resumable-stream"
}

func (k keyspace) sentinel(streamID string) string { return k.base() + ":sentinel:" + streamID }
func (k keyspace) topic(streamID string) string    { return k.base() + ":events:" + streamID }
