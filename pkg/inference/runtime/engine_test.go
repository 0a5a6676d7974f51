package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/inference/fake"
)

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(EngineSettings{Type: "fake", FakeText: "a b", FakeDelay: "1ms"}, nil)
	require.NoError(t, err)
	require.IsType(t, &fake.Engine{}, eng)

	_, err = NewEngine(EngineSettings{Type: "fake", FakeDelay: "soon"}, nil)
	require.Error(t, err)

	_, err = NewEngine(EngineSettings{Type: "geppetto"}, nil)
	require.Error(t, err)

	_, err = NewEngine(EngineSettings{Type: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func TestNewEngineSection(t *testing.T) {
	s, err := NewEngineSection()
	require.NoError(t, err)
	require.Equal(t, EngineSlug, s.GetSlug())
}
