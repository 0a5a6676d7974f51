package webchat

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/auth"
)

const ServerSlug = "server"

type ServerSettings struct {
	Addr            string   `glazed:"addr"`
	DB              string   `glazed:"db"`
	AuthTokens      []string `glazed:"auth-tokens"`
	TrustedHeader   string   `glazed:"trusted-header"`
	EnableWS        bool     `glazed:"enable-ws"`
	AllowedOrigins  []string `glazed:"allowed-origins"`
	ShutdownTimeout string   `glazed:"shutdown-timeout"`
}

func NewServerSection() (schema.Section, error) {
	return schema.NewSection(
		ServerSlug,
		"Feedback HTTP server",
		schema.WithFields(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8080"), fields.WithHelp("HTTP listen address")),
			fields.New("db", fields.TypeString, fields.WithDefault("feedbackstream.db"), fields.WithHelp("SQLite database file (empty = in-memory store)")),
			fields.New("auth-tokens", fields.TypeStringList, fields.WithDefault([]string{}), fields.WithHelp("Bearer tokens as token=user")),
			fields.New("trusted-header", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Header carrying the user id set by an authenticating proxy")),
			fields.New("enable-ws", fields.TypeBool, fields.WithDefault(true), fields.WithHelp("Serve the websocket resume endpoint")),
			fields.New("allowed-origins", fields.TypeStringList, fields.WithDefault([]string{}), fields.WithHelp("Origins allowed to open websockets (empty = same origin only)")),
			fields.New("shutdown-timeout", fields.TypeString, fields.WithDefault("30s"), fields.WithHelp("Grace period for in-flight requests on shutdown")),
		),
	)
}

// Authenticator builds the request authenticator: bearer tokens first, then
// the trusted header.
func (s ServerSettings) Authenticator() (auth.Authenticator, error) {
	tokens, err := auth.ParseTokens(s.AuthTokens)
	if err != nil {
		return nil, err
	}
	chain := auth.Chain{}
	if len(tokens) > 0 {
		chain = append(chain, tokens)
	}
	if s.TrustedHeader != "" {
		chain = append(chain, auth.TrustedHeader(s.TrustedHeader))
	}
	return chain, nil
}

func (s ServerSettings) ShutdownTimeoutDuration() (time.Duration, error) {
	if s.ShutdownTimeout == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid shutdown-timeout %q", s.ShutdownTimeout)
	}
	return d, nil
}
