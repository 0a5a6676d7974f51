package webchat

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerSettings_Authenticator(t *testing.T) {
	s := ServerSettings{AuthTokens: []string{"t1=alice"}, TrustedHeader: "X-User"}
	a, err := s.Authenticator()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t1")
	req.Header.Set("X-User", "bob")
	id, ok, err := a.Authenticate(req)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", id.UserID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User", "bob")
	id, ok, err = a.Authenticate(req)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bob", id.UserID)

	_, err = ServerSettings{AuthTokens: []string{"missing-user"}}.Authenticator()
	require.Error(t, err)
}

func TestServerSettings_ShutdownTimeout(t *testing.T) {
	d, err := ServerSettings{}.ShutdownTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = ServerSettings{ShutdownTimeout: "5s"}.ShutdownTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	_, err = ServerSettings{ShutdownTimeout: "soon"}.ShutdownTimeoutDuration()
	require.Error(t, err)
}

func TestNewServerSection(t *testing.T) {
	section, err := NewServerSection()
	require.NoError(t, err)
	require.Equal(t, ServerSlug, section.GetSlug())
}
