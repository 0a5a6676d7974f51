package runtime

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/inference"
	"github.com/go-go-golems/feedbackstream/pkg/inference/fake"
	"github.com/go-go-golems/feedbackstream/pkg/inference/geppetto"
)

const EngineSlug = "feedback-engine"

const (
	EngineGeppetto = "geppetto"
	EngineFake     = "fake"
)

// EngineSettings selects the generation engine. Provider, model and API keys
// of the geppetto engine come from the geppetto sections.
type EngineSettings struct {
	Type        string `glazed:"engine"`
	FakeText    string `glazed:"fake-text"`
	FakeDelay   string `glazed:"fake-delay"`
	PromptsFile string `glazed:"prompts-file"`
}

func NewEngineSection() (schema.Section, error) {
	return schema.NewSection(
		EngineSlug,
		"Feedback engine",
		schema.WithFields(
			fields.New("engine", fields.TypeString, fields.WithDefault(EngineGeppetto), fields.WithHelp("Engine type (geppetto, fake)")),
			fields.New("fake-text", fields.TypeString, fields.WithDefault("Your prompt is clear. Consider adding the intended audience and the desired output length."), fields.WithHelp("Text emitted by the fake engine")),
			fields.New("fake-delay", fields.TypeString, fields.WithDefault("50ms"), fields.WithHelp("Delay between fake engine chunks")),
			fields.New("prompts-file", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML prompt catalog overriding the embedded one")),
		),
	)
}

// NewEngine builds the configured engine. parsed carries the geppetto
// sections and is only read for the geppetto engine.
func NewEngine(s EngineSettings, parsed *values.Values) (inference.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "", EngineGeppetto:
		if parsed == nil {
			return nil, errors.New("geppetto engine needs parsed geppetto sections")
		}
		eng, err := geppetto.NewFromParsedValues(parsed)
		if err != nil {
			return nil, errors.Wrap(err, "engine init failed")
		}
		return eng, nil
	case EngineFake:
		delay, err := parseDuration(s.FakeDelay)
		if err != nil {
			return nil, errors.Wrap(err, "fake-delay")
		}
		var opts []fake.Option
		if delay > 0 {
			opts = append(opts, fake.WithDelay(delay))
		}
		return fake.Text(s.FakeText, opts...), nil
	default:
		return nil, errors.Errorf("unknown engine: %s", s.Type)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
