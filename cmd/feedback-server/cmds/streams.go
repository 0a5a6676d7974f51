package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type StreamsCommand struct {
	*cmds.CommandDescription
}

type StreamsSettings struct {
	DB     string `glazed:"db"`
	ChatID string `glazed:"chat-id"`
}

func NewStreamsCommand() (*StreamsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"streams",
		cmds.WithShort("List the stream ids registered for a chat"),
		cmds.WithLong("List the stream log of a chat, oldest first. The last row is the stream a resume request targets."),
		cmds.WithFlags(
			fields.New("db", fields.TypeString, fields.WithDefault("feedbackstream.db"), fields.WithHelp("SQLite database file")),
		),
		cmds.WithArguments(
			fields.New("chat-id", fields.TypeString, fields.WithHelp("Chat id")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &StreamsCommand{CommandDescription: desc}, nil
}

func (c *StreamsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &StreamsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.ChatID == "" {
		return errors.New("chat-id is required")
	}
	store, err := openStore(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.ListStreams(ctx, s.ChatID)
	if err != nil {
		return errors.Wrap(err, "list streams")
	}
	for i, r := range records {
		row := types.NewRow(
			types.MRP("chat_id", r.ChatID),
			types.MRP("stream_id", r.StreamID),
			types.MRP("created_at", r.CreatedAt),
			types.MRP("latest", i == len(records)-1),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &StreamsCommand{}
