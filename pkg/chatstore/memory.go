package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is the process-local Store used by tests and single-process
// development. It mirrors the ordering semantics of SQLiteStore.
type InMemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	chats    map[string]Chat
	messages map[string]Message
	// msgSeq preserves insertion order for messages sharing a timestamp.
	msgSeq   map[string]int
	nextSeq  int
	streams  map[string][]StreamRecord
	owners   map[string]string
	feedback map[string][]FeedbackRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		chats:    map[string]Chat{},
		messages: map[string]Message{},
		msgSeq:   map[string]int{},
		streams:  map[string][]StreamRecord{},
		owners:   map[string]string{},
		feedback: map[string][]FeedbackRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Register(_ context.Context, streamID, chatID string) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	streamID, chatID = strings.TrimSpace(streamID), strings.TrimSpace(chatID)
	if streamID == "" || chatID == "" {
		return errors.New("in-memory chat store: streamID and chatID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[streamID]; ok {
		if owner != chatID {
			return errors.Wrapf(ErrStreamIDConflict, "stream %s", streamID)
		}
		return nil
	}
	s.owners[streamID] = chatID
	s.streams[chatID] = append(s.streams[chatID], StreamRecord{
		StreamID:  streamID,
		ChatID:    chatID,
		CreatedAt: s.now(),
	})
	return nil
}

func (s *InMemoryStore) Tail(_ context.Context, chatID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.streams[strings.TrimSpace(chatID)]
	if len(log) == 0 {
		return "", false, nil
	}
	return log[len(log)-1].StreamID, true, nil
}

func (s *InMemoryStore) ListStreams(_ context.Context, chatID string) ([]StreamRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamRecord{}, s.streams[strings.TrimSpace(chatID)]...), nil
}

func (s *InMemoryStore) SaveChat(_ context.Context, chat Chat) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	if strings.TrimSpace(chat.ID) == "" {
		return errors.New("in-memory chat store: chat id is empty")
	}
	if chat.Visibility == "" {
		chat.Visibility = VisibilityPrivate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.chats[chat.ID]; ok {
		chat.CreatedAt = prev.CreatedAt
	} else if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}
	s.chats[chat.ID] = chat
	return nil
}

func (s *InMemoryStore) GetChat(_ context.Context, id string) (Chat, bool, error) {
	if s == nil {
		return Chat{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[strings.TrimSpace(id)]
	return chat, ok, nil
}

func (s *InMemoryStore) SaveMessages(_ context.Context, msgs ...Message) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ChatID) == "" {
			return errors.New("in-memory chat store: message id and chat id are required")
		}
		if _, ok := s.messages[m.ID]; ok {
			return errors.Errorf("in-memory chat store: message %s already exists", m.ID)
		}
	}
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		m.Parts = append([]ContentPart(nil), m.Parts...)
		s.messages[m.ID] = m
		s.msgSeq[m.ID] = s.nextSeq
		s.nextSeq++
	}
	return nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, id string) (Message, bool, error) {
	if s == nil {
		return Message{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[strings.TrimSpace(id)]
	return m, ok, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	chatID = strings.TrimSpace(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.msgSeq[out[i].ID] < s.msgSeq[out[j].ID]
	})
	return out, nil
}

func (s *InMemoryStore) SaveFeedback(_ context.Context, records ...FeedbackRecord) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.MessageID) == "" {
			return errors.New("in-memory chat store: feedback id and message id are required")
		}
	}
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		r.Parts = append([]ContentPart(nil), r.Parts...)
		s.feedback[r.MessageID] = append(s.feedback[r.MessageID], r)
	}
	return nil
}

func (s *InMemoryStore) ListFeedback(_ context.Context, messageID string) ([]FeedbackRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedbackRecord{}, s.feedback[strings.TrimSpace(messageID)]...), nil
}
