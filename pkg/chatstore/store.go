package chatstore

import (
	"context"
	stderrors "errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Generated reports whether the message was produced by the model.
func (r Role) Generated() bool { return r == RoleAssistant }

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

type Chat struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title,omitempty"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Role      Role          `json:"role"`
	Parts     []ContentPart `json:"parts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// StreamRecord is one entry of a conversation's stream log.
type StreamRecord struct {
	StreamID  string    `json:"streamId"`
	ChatID    string    `json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}

type FeedbackRecord struct {
	ID        string        `json:"id"`
	MessageID string        `json:"messageId"`
	ChatID    string        `json:"chatId"`
	Parts     []ContentPart `json:"parts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// StreamIDRegistry is the append-only log of stream ids per conversation.
type StreamIDRegistry interface {
	// Register appends streamID to chatID's log. Registering the same pair again
	// is a no-op; reusing a stream id for another chat returns ErrStreamIDConflict.
	Register(ctx context.Context, streamID, chatID string) error
	// Tail returns the most recently registered stream id of chatID.
	Tail(ctx context.Context, chatID string) (string, bool, error)
	ListStreams(ctx context.Context, chatID string) ([]StreamRecord, error)
}

type ChatStore interface {
	SaveChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (Chat, bool, error)
}

type MessageStore interface {
	SaveMessages(ctx context.Context, msgs ...Message) error
	GetMessage(ctx context.Context, id string) (Message, bool, error)
	// ListMessages returns a chat's messages oldest first.
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
}

type FeedbackStore interface {
	SaveFeedback(ctx context.Context, records ...FeedbackRecord) error
	ListFeedback(ctx context.Context, messageID string) ([]FeedbackRecord, error)
}

// Store bundles every persistence concern of the service.
type Store interface {
	StreamIDRegistry
	ChatStore
	MessageStore
	FeedbackStore
	Close() error
}

var (
	// ErrStorageUnavailable matches (errors.Is) any failure to reach the backing store.
	ErrStorageUnavailable = stderrors.New("storage unavailable")
	ErrStreamIDConflict   = stderrors.New("stream id already registered for another chat")
)

// StorageError wraps a backend failure and matches ErrStorageUnavailable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "chatstore: " + e.Op + ": storage unavailable"
	}
	return "chatstore: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
