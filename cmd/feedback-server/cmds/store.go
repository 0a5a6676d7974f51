package cmds

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
)

// openStore opens the SQLite store at path, or an in-memory store for an empty path.
func openStore(path string) (chatstore.Store, error) {
	if strings.TrimSpace(path) == "" {
		log.Warn().Msg("no database configured, using an in-memory chat store")
		return chatstore.NewInMemoryStore(), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	s, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open chat store %s", path)
	}
	return s, nil
}
