// Package prompts holds the system prompts used to ask the model for feedback
// on a user's prompt.
package prompts

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalogYAML []byte

type Catalog struct {
	DefaultLanguage string            `yaml:"default-language"`
	Feedback        string            `yaml:"feedback"`
	Languages       map[string]string `yaml:"languages"`
	Fallback        string            `yaml:"fallback"`
}

func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrap(err, "prompts: parse catalog")
	}
	if strings.TrimSpace(c.Feedback) == "" {
		return nil, errors.New("prompts: catalog has no feedback prompt")
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	normalized := make(map[string]string, len(c.Languages))
	for k, v := range c.Languages {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	c.Languages = normalized
	c.Feedback = strings.TrimRight(c.Feedback, "\n")
	return &c, nil
}

// LoadFile reads a catalog from disk. An empty path returns the embedded catalog.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "prompts: read %s", path)
	}
	return Parse(b)
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultCatalogYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// FeedbackSystemPrompt returns the base prompt for the default language and
// prefixes a language instruction for every other language.
func (c *Catalog) FeedbackSystemPrompt(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == c.DefaultLanguage {
		return c.Feedback
	}
	instruction, ok := c.Languages[lang]
	if !ok {
		instruction = strings.ReplaceAll(c.Fallback, "{language}", language)
	}
	if strings.TrimSpace(instruction) == "" {
		return c.Feedback
	}
	return instruction + "\n\n" + c.Feedback
}

func FeedbackSystemPrompt(language string) string {
	return Default().FeedbackSystemPrompt(language)
}
