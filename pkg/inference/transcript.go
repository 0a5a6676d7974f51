package inference

import (
	"strings"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
)

// Transcript is the accumulated output of one completed generation.
type Transcript struct {
	// MessageID identifies the generated message.
	MessageID    string
	Parts        []chatstore.ContentPart
	FinishReason string
}

// Append adds a chunk, merging it into the last part when the kind matches.
func (t *Transcript) Append(c Chunk) {
	if c.Delta == "" {
		return
	}
	typ := chatstore.PartText
	if c.Kind == ChunkReasoning {
		typ = chatstore.PartReasoning
	}
	if n := len(t.Parts); n > 0 && t.Parts[n-1].Type == typ {
		t.Parts[n-1].Text += c.Delta
		return
	}
	t.Parts = append(t.Parts, chatstore.ContentPart{Type: typ, Text: c.Delta})
}

// Text concatenates all text parts.
func (t Transcript) Text() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.Type == chatstore.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
