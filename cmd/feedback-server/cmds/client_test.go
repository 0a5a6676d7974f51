package cmds

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

func TestPrintEvents(t *testing.T) {
	var body bytes.Buffer
	for _, e := range []wire.Event{wire.TextDelta("Be "), wire.TextDelta("precise."), wire.Finish("stop")} {
		frame, err := wire.Encode(e)
		require.NoError(t, err)
		body.Write(frame)
	}

	var out bytes.Buffer
	require.NoError(t, printEvents(wire.NewDecoder(bytes.NewReader(body.Bytes())), false, &out))
	require.Equal(t, "Be precise.\n", out.String())

	out.Reset()
	require.NoError(t, printEvents(wire.NewDecoder(bytes.NewReader(body.Bytes())), true, &out))
	require.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 3)
}

func TestDoStream_StatusHandling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("chatId") {
		case "none":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, `{"code":"forbidden:chat"}`, http.StatusForbidden)
		}
	}))
	defer srv.Close()

	s := &clientSettings{Token: "secret", ChatID: "none"}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"?chatId=none", nil)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, doStream(req, s, &out))
	require.Equal(t, "nothing to resume\n", out.String())

	s.ChatID = "other"
	req, err = http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"?chatId=other", nil)
	require.NoError(t, err)
	err = doStream(req, s, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "forbidden:chat")
}

func TestOpenStore(t *testing.T) {
	s, err := openStore("")
	require.NoError(t, err)
	_, ok := s.(*chatstore.InMemoryStore)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s, err = openStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	_, ok = s.(*chatstore.SQLiteStore)
	require.True(t, ok)
	require.NoError(t, s.Close())
}
