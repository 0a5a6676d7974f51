package resumable

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

const DefaultStaleAfter = 15 * time.Second

// MessageLister is the part of the message store the policy reads.
type MessageLister interface {
	ListMessages(ctx context.Context, chatID string) ([]chatstore.Message, error)
}

// Reconstruction tells which branch of the policy produced a stream.
type Reconstruction string

const (
	// ReconstructedEmpty is an empty completed stream.
	ReconstructedEmpty Reconstruction = "empty"
	// ReconstructedMessage replays the last generated message.
	ReconstructedMessage Reconstruction = "message"
)

// ReconstructionPolicy answers a resume request the side-channel cannot serve.
// A generated message persisted at most StaleAfter before the request is
// replayed as a single append-message event; otherwise the stream is empty.
type ReconstructionPolicy struct {
	Messages   MessageLister
	StaleAfter time.Duration
}

func (p ReconstructionPolicy) staleAfter() time.Duration {
	if p.StaleAfter <= 0 {
		return DefaultStaleAfter
	}
	return p.StaleAfter
}

func (p ReconstructionPolicy) Reconstruct(ctx context.Context, chatID string, requestedAt time.Time) (datastream.Stream, Reconstruction, error) {
	if p.Messages == nil {
		return nil, "", errors.New("resumable: reconstruction policy has no message store")
	}
	msgs, err := p.Messages.ListMessages(ctx, chatID)
	if err != nil {
		return nil, "", err
	}
	if len(msgs) == 0 {
		return datastream.Empty(), ReconstructedEmpty, nil
	}
	last := msgs[len(msgs)-1]
	if !last.Role.Generated() {
		return datastream.Empty(), ReconstructedEmpty, nil
	}
	if requestedAt.Sub(last.CreatedAt) > p.staleAfter() {
		return datastream.Empty(), ReconstructedEmpty, nil
	}
	ev, err := wire.AppendMessage(last)
	if err != nil {
		return nil, "", err
	}
	return datastream.OneShot(ev), ReconstructedMessage, nil
}
