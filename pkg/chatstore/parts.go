package chatstore

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	// PartUnknown marks a stored part whose type this service does not handle.
	// The raw JSON is kept so re-encoding is lossless.
	PartUnknown PartType = "unknown"
)

// ContentPart is one typed piece of message content. Parts are decoded once,
// when they cross the storage boundary.
type ContentPart struct {
	Type PartType
	Text string
	Raw  json.RawMessage
}

type partJSON struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

func TextPart(text string) ContentPart      { return ContentPart{Type: PartText, Text: text} }
func ReasoningPart(text string) ContentPart { return ContentPart{Type: PartReasoning, Text: text} }

func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case PartText:
		return json.Marshal(partJSON{Type: string(PartText), Text: p.Text})
	case PartReasoning:
		return json.Marshal(partJSON{Type: string(PartReasoning), Reasoning: p.Text})
	default:
		if len(p.Raw) > 0 {
			return p.Raw, nil
		}
		return nil, errors.Errorf("chatstore: cannot encode part of type %q without raw payload", p.Type)
	}
}

func (p *ContentPart) UnmarshalJSON(b []byte) error {
	var pj partJSON
	if err := json.Unmarshal(b, &pj); err != nil {
		// not an object; keep it verbatim
		*p = ContentPart{Type: PartUnknown, Raw: append(json.RawMessage(nil), b...)}
		return nil
	}
	switch PartType(pj.Type) {
	case PartText:
		*p = ContentPart{Type: PartText, Text: pj.Text}
	case PartReasoning:
		text := pj.Reasoning
		if text == "" {
			text = pj.Text
		}
		*p = ContentPart{Type: PartReasoning, Text: text}
	default:
		*p = ContentPart{Type: PartUnknown, Raw: append(json.RawMessage(nil), b...)}
	}
	return nil
}

// DecodeParts decodes a stored parts array. A payload that is not a JSON array
// is an error; individual unrecognised parts become PartUnknown.
func DecodeParts(raw []byte) ([]ContentPart, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.Wrap(err, "chatstore: decode parts")
	}
	return parts, nil
}

func EncodeParts(parts []ContentPart) ([]byte, error) {
	if parts == nil {
		parts = []ContentPart{}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: encode parts")
	}
	return b, nil
}

// FirstText returns the text of the first part when it is a non-empty text
// part. Messages whose leading part is anything else have no extractable text.
func FirstText(parts []ContentPart) (string, bool) {
	if len(parts) == 0 || parts[0].Type != PartText || parts[0].Text == "" {
		return "", false
	}
	return parts[0].Text, true
}
