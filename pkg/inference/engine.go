// Package inference wraps a token generation engine into a lazy, cancellable
// sequence of wire events and records what was produced.
package inference

import (
	"context"

	"github.com/go-go-golems/feedbackstream/pkg/prompts"
)

type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
)

// Chunk is one ordered delta produced by an engine. A chunk carrying a
// FinishReason reports why the generation stopped; it may have no delta.
type Chunk struct {
	Kind         ChunkKind
	Delta        string
	FinishReason string
}

// ChunkStream yields chunks until io.EOF. Close aborts the underlying call and
// may be called more than once.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

// Engine starts a generation. The returned stream is bound to ctx.
type Engine interface {
	Stream(ctx context.Context, req Request) (ChunkStream, error)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	Model    string
	System   string
	Messages []Message
}

// NewFeedbackRequest builds the request asking for feedback on text, with the
// system prompt selected by language.
func NewFeedbackRequest(catalog *prompts.Catalog, model, language, text string) Request {
	if catalog == nil {
		catalog = prompts.Default()
	}
	return Request{
		Model:  model,
		System: catalog.FeedbackSystemPrompt(language),
		Messages: []Message{
			{Role: RoleUser, Content: text},
		},
	}
}
