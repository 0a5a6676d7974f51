package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages(chat_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS streams (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS streams_by_chat ON streams(chat_id, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS feedback_by_message ON feedback(message_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Register(ctx context.Context, streamID, chatID string) error {
	if s == nil || s.db == nil {
		return unavailable("register", errors.New("db is nil"))
	}
	streamID, chatID = strings.TrimSpace(streamID), strings.TrimSpace(chatID)
	if streamID == "" || chatID == "" {
		return errors.New("sqlite chat store: streamID and chatID are required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO streams(stream_id, chat_id, created_at_ms)
		VALUES(?, ?, ?)
	`, streamID, chatID, s.now().UnixMilli())
	if err != nil {
		return unavailable("register", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var owner string
	err = s.db.QueryRowContext(ctx, `SELECT chat_id FROM streams WHERE stream_id = ?`, streamID).Scan(&owner)
	if err != nil {
		return unavailable("register", err)
	}
	if owner != chatID {
		return errors.Wrapf(ErrStreamIDConflict, "stream %s", streamID)
	}
	return nil
}

func (s *SQLiteStore) Tail(ctx context.Context, chatID string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, unavailable("tail", errors.New("db is nil"))
	}
	var streamID string
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id FROM streams WHERE chat_id = ? ORDER BY seq DESC LIMIT 1
	`, strings.TrimSpace(chatID)).Scan(&streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("tail", err)
	}
	return streamID, true, nil
}

func (s *SQLiteStore) ListStreams(ctx context.Context, chatID string) ([]StreamRecord, error) {
	if s == nil || s.db == nil {
		return nil, unavailable("list streams", errors.New("db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, chat_id, created_at_ms FROM streams WHERE chat_id = ? ORDER BY seq ASC
	`, strings.TrimSpace(chatID))
	if err != nil {
		return nil, unavailable("list streams", err)
	}
	defer func() { _ = rows.Close() }()

	items := []StreamRecord{}
	for rows.Next() {
		var (
			item StreamRecord
			ms   int64
		)
		if err := rows.Scan(&item.StreamID, &item.ChatID, &ms); err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(ms)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list streams", err)
	}
	return items, nil
}

func (s *SQLiteStore) SaveChat(ctx context.Context, chat Chat) error {
	if s == nil || s.db == nil {
		return unavailable("save chat", errors.New("db is nil"))
	}
	if strings.TrimSpace(chat.ID) == "" {
		return errors.New("sqlite chat store: chat id is empty")
	}
	if chat.Visibility == "" {
		chat.Visibility = VisibilityPrivate
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(id, user_id, title, visibility, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			visibility = excluded.visibility
	`, chat.ID, chat.UserID, chat.Title, string(chat.Visibility), chat.CreatedAt.UnixMilli())
	if err != nil {
		return unavailable("save chat", err)
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (Chat, bool, error) {
	if s == nil || s.db == nil {
		return Chat{}, false, unavailable("get chat", errors.New("db is nil"))
	}
	var (
		chat       Chat
		visibility string
		ms         int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, visibility, created_at_ms FROM chats WHERE id = ?
	`, strings.TrimSpace(id)).Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, unavailable("get chat", err)
	}
	chat.Visibility = Visibility(visibility)
	chat.CreatedAt = time.UnixMilli(ms)
	return chat, true, nil
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs ...Message) error {
	if s == nil || s.db == nil {
		return unavailable("save messages", errors.New("db is nil"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("save messages", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ChatID) == "" {
			return errors.New("sqlite chat store: message id and chat id are required")
		}
		parts, err := EncodeParts(m.Parts)
		if err != nil {
			return err
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages(id, chat_id, role, parts, created_at_ms)
			VALUES(?, ?, ?, ?, ?)
		`, m.ID, m.ChatID, string(m.Role), string(parts), m.CreatedAt.UnixMilli()); err != nil {
			return unavailable("save messages", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("save messages", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	if s == nil || s.db == nil {
		return Message{}, false, unavailable("get message", errors.New("db is nil"))
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, parts, created_at_ms FROM messages WHERE id = ?
	`, strings.TrimSpace(id))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, unavailable("list messages", errors.New("db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, parts, created_at_ms
		FROM messages WHERE chat_id = ?
		ORDER BY created_at_ms ASC, rowid ASC
	`, strings.TrimSpace(chatID))
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	items := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return items, nil
}

func (s *SQLiteStore) SaveFeedback(ctx context.Context, records ...FeedbackRecord) error {
	if s == nil || s.db == nil {
		return unavailable("save feedback", errors.New("db is nil"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("save feedback", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.MessageID) == "" {
			return errors.New("sqlite chat store: feedback id and message id are required")
		}
		parts, err := EncodeParts(r.Parts)
		if err != nil {
			return err
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback(id, message_id, chat_id, parts, created_at_ms)
			VALUES(?, ?, ?, ?, ?)
		`, r.ID, r.MessageID, r.ChatID, string(parts), r.CreatedAt.UnixMilli()); err != nil {
			return unavailable("save feedback", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("save feedback", err)
	}
	return nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, messageID string) ([]FeedbackRecord, error) {
	if s == nil || s.db == nil {
		return nil, unavailable("list feedback", errors.New("db is nil"))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, chat_id, parts, created_at_ms
		FROM feedback WHERE message_id = ?
		ORDER BY created_at_ms ASC, rowid ASC
	`, strings.TrimSpace(messageID))
	if err != nil {
		return nil, unavailable("list feedback", err)
	}
	defer func() { _ = rows.Close() }()

	items := []FeedbackRecord{}
	for rows.Next() {
		var (
			r     FeedbackRecord
			parts string
			ms    int64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ChatID, &parts, &ms); err != nil {
			return nil, err
		}
		if r.Parts, err = DecodeParts([]byte(parts)); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(ms)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list feedback", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m     Message
		role  string
		parts string
		ms    int64
	)
	if err := row.Scan(&m.ID, &m.ChatID, &role, &parts, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, unavailable("scan message", err)
	}
	decoded, err := DecodeParts([]byte(parts))
	if err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.Parts = decoded
	m.CreatedAt = time.UnixMilli(ms)
	return m, nil
}
