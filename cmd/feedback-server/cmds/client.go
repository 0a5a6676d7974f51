package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
	"github.com/go-go-golems/feedbackstream/pkg/webchat"
)

type clientSettings struct {
	BaseURL   string `glazed:"base-url"`
	Token     string `glazed:"token"`
	ChatID    string `glazed:"chat-id"`
	MessageID string `glazed:"message-id"`
	Language  string `glazed:"language"`
	Raw       bool   `glazed:"raw"`
}

type RequestCommand struct {
	*cmds.CommandDescription
}

type ResumeCommand struct {
	*cmds.CommandDescription
}

var (
	_ cmds.WriterCommand = (*RequestCommand)(nil)
	_ cmds.WriterCommand = (*ResumeCommand)(nil)
)

func NewRequestCommand() (*RequestCommand, error) {
	desc := cmds.NewCommandDescription(
		"request",
		cmds.WithShort("Request feedback on a stored prompt and print the stream"),
		cmds.WithFlags(
			fields.New("base-url", fields.TypeString, fields.WithDefault("http://localhost:8080"), fields.WithHelp("Feedback server URL")),
			fields.New("token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Bearer token")),
			fields.New("chat-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Chat id")),
			fields.New("message-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Id of the user message to review")),
			fields.New("language", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Feedback language code")),
			fields.New("raw", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print every event as JSON")),
		),
	)
	return &RequestCommand{CommandDescription: desc}, nil
}

func NewResumeCommand() (*ResumeCommand, error) {
	desc := cmds.NewCommandDescription(
		"resume",
		cmds.WithShort("Resume the latest feedback stream of a chat"),
		cmds.WithFlags(
			fields.New("base-url", fields.TypeString, fields.WithDefault("http://localhost:8080"), fields.WithHelp("Feedback server URL")),
			fields.New("token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Bearer token")),
			fields.New("chat-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Chat id")),
			fields.New("raw", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print every event as JSON")),
		),
	)
	return &ResumeCommand{CommandDescription: desc}, nil
}

func (c *RequestCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &clientSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.MessageID == "" {
		return errors.New("--message-id is required")
	}
	body, err := json.Marshal(map[string]string{"chatId": s.ChatID, "messageId": s.MessageID, "language": s.Language})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.BaseURL, "/")+"/api/feedback", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doStream(req, s, w)
}

func (c *ResumeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &clientSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	u := strings.TrimRight(s.BaseURL, "/") + "/api/feedback?chatId=" + url.QueryEscape(s.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return doStream(req, s, w)
}

func doStream(req *http.Request, s *clientSettings, w io.Writer) error {
	if s.ChatID == "" {
		return errors.New("--chat-id is required")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	req.Header.Set("Accept", wire.ContentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "feedback request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_, _ = fmt.Fprintln(w, "nothing to resume")
		return nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("feedback request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if id := resp.Header.Get(webchat.StreamIDHeader); id != "" && s.Raw {
		_, _ = fmt.Fprintf(w, "# stream %s\n", id)
	}
	return printEvents(wire.NewDecoder(resp.Body), s.Raw, w)
}

func printEvents(dec *wire.Decoder, raw bool, w io.Writer) error {
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if raw {
			b, err := wire.Marshal(ev)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(w, string(b))
			continue
		}
		switch ev.Kind {
		case wire.KindTextDelta:
			_, _ = io.WriteString(w, ev.Delta)
		case wire.KindAppendMessage:
			_, _ = fmt.Fprintf(w, "[message] %s\n", string(ev.Message))
		case wire.KindError:
			_, _ = fmt.Fprintf(w, "\n[error] %s\n", ev.ErrorText)
		case wire.KindFinish:
			_, _ = fmt.Fprintln(w)
		}
	}
}
