package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
)

// SeedCommand writes a chat with one user message, for trying the API
// against a fresh database.
type SeedCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SeedCommand)(nil)

type SeedSettings struct {
	DB     string `glazed:"db"`
	User   string `glazed:"user"`
	Public bool   `glazed:"public"`
	Prompt string `glazed:"prompt"`
}

func NewSeedCommand() (*SeedCommand, error) {
	desc := cmds.NewCommandDescription(
		"seed",
		cmds.WithShort("Store a chat and a user message to request feedback on"),
		cmds.WithFlags(
			fields.New("db", fields.TypeString, fields.WithDefault("feedbackstream.db"), fields.WithHelp("SQLite database file")),
			fields.New("user", fields.TypeString, fields.WithDefault("dev"), fields.WithHelp("Owner of the chat")),
			fields.New("public", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Make the chat public")),
		),
		cmds.WithArguments(
			fields.New("prompt", fields.TypeString, fields.WithDefault("Write a haiku about the sea."), fields.WithHelp("Text of the user message")),
		),
	)
	return &SeedCommand{CommandDescription: desc}, nil
}

func (c *SeedCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &SeedSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if strings.TrimSpace(s.DB) == "" {
		return errors.New("seeding an in-memory store has no effect, set --db")
	}
	store, err := openStore(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	visibility := chatstore.VisibilityPrivate
	if s.Public {
		visibility = chatstore.VisibilityPublic
	}
	chat := chatstore.Chat{ID: uuid.NewString(), UserID: s.User, Title: "seeded chat", Visibility: visibility}
	if err := store.SaveChat(ctx, chat); err != nil {
		return errors.Wrap(err, "save chat")
	}
	msg := chatstore.Message{
		ID:     uuid.NewString(),
		ChatID: chat.ID,
		Role:   chatstore.RoleUser,
		Parts:  []chatstore.ContentPart{chatstore.TextPart(s.Prompt)},
	}
	if err := store.SaveMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "save message")
	}
	_, _ = fmt.Fprintf(w, "chat-id:    %s\nmessage-id: %s\nuser:       %s\n", chat.ID, msg.ID, chat.UserID)
	return nil
}
