package chatstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeParts_KnownAndUnknown(t *testing.T) {
	parts, err := DecodeParts([]byte(`[
		{"type":"text","text":"hello"},
		{"type":"reasoning","reasoning":"because"},
		{"type":"image","url":"https://example.com/x.png"}
	]`))
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, TextPart("hello"), parts[0])
	require.Equal(t, ReasoningPart("because"), parts[1])
	require.Equal(t, PartUnknown, parts[2].Type)

	b, err := EncodeParts(parts)
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"type":"text","text":"hello"},
		{"type":"reasoning","reasoning":"because"},
		{"type":"image","url":"https://example.com/x.png"}
	]`, string(b))
}

func TestDecodeParts_NotAnArray(t *testing.T) {
	_, err := DecodeParts([]byte(`{"type":"text"}`))
	require.Error(t, err)

	parts, err := DecodeParts(nil)
	require.NoError(t, err)
	require.Empty(t, parts)
}

func TestFirstText(t *testing.T) {
	text, ok := FirstText([]ContentPart{TextPart("first"), TextPart("second")})
	require.True(t, ok)
	require.Equal(t, "first", text)

	_, ok = FirstText([]ContentPart{ReasoningPart("x"), TextPart("y")})
	require.False(t, ok)

	_, ok = FirstText([]ContentPart{TextPart("")})
	require.False(t, ok)

	_, ok = FirstText(nil)
	require.False(t, ok)
}
