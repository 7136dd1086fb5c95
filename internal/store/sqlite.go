package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"taskpilot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	user_id     TEXT NOT NULL,
	provider    TEXT NOT NULL,
	ciphertext  TEXT NOT NULL,
	preview     TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 1,
	test_status TEXT NOT NULL DEFAULT 'pending',
	last_tested INTEGER,
	test_error  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS ai_settings (
	user_id            TEXT PRIMARY KEY,
	preferred_provider TEXT NOT NULL DEFAULT '',
	preferred_model    TEXT NOT NULL DEFAULT '',
	temperature        REAL NOT NULL,
	max_tokens         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	title         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq              INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	tokens           INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id, seq);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("db path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) PutCredential(ctx context.Context, rec CredentialRecord) error {
	if rec.UserID == "" || rec.Provider == "" {
		return errors.New("store: user id and provider are required")
	}
	if rec.TestStatus == "" {
		rec.TestStatus = TestPending
	}

	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, provider, ciphertext, preview, active, test_status, last_tested, test_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			preview = excluded.preview,
			active = excluded.active,
			test_status = excluded.test_status,
			last_tested = excluded.last_tested,
			test_error = excluded.test_error,
			updated_at = excluded.updated_at`,
		rec.UserID, string(rec.Provider), rec.Ciphertext, rec.Preview, rec.Active,
		string(rec.TestStatus), nullableTime(rec.LastTested), rec.TestError, now, now)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

const credentialColumns = `user_id, provider, ciphertext, preview, active, test_status, last_tested, test_error, created_at, updated_at`

func (s *SQLite) GetCredential(ctx context.Context, userID string, id models.ProviderID) (CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM api_keys WHERE user_id = ? AND provider = ?`, userID, string(id))
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialRecord{}, ErrNotFound
	}
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("load credential: %w", err)
	}
	return rec, nil
}

func (s *SQLite) ListCredentials(ctx context.Context, userID string) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM api_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]CredentialRecord, 0)
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteCredential(ctx context.Context, userID string, id models.ProviderID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, string(id))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLite) UpdateCredentialTest(ctx context.Context, userID string, id models.ProviderID, status TestStatus, testedAt time.Time, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET test_status = ?, last_tested = ?, test_error = ?
		WHERE user_id = ? AND provider = ?`,
		string(status), testedAt.UnixNano(), message, userID, string(id))
	if err != nil {
		return fmt.Errorf("record credential test: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLite) GetSettings(ctx context.Context, userID string) (Settings, error) {
	var (
		out       = Settings{UserID: userID}
		provider  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT preferred_provider, preferred_model, temperature, max_tokens, updated_at
		FROM ai_settings WHERE user_id = ?`, userID).
		Scan(&provider, &out.PreferredModel, &out.Temperature, &out.MaxTokens, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out.PreferredProvider = models.ProviderID(provider)
	out.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return out, nil
}

func (s *SQLite) PutSettings(ctx context.Context, settings Settings) error {
	if settings.UserID == "" {
		return errors.New("store: user id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_settings (user_id, preferred_provider, preferred_model, temperature, max_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_provider = excluded.preferred_provider,
			preferred_model = excluded.preferred_model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			updated_at = excluded.updated_at`,
		settings.UserID, string(settings.PreferredProvider), settings.PreferredModel,
		settings.Temperature, settings.MaxTokens, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("store settings: %w", err)
	}
	return nil
}

func (s *SQLite) CreateConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" || c.UserID == "" {
		return errors.New("store: conversation id and user id are required")
	}
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, provider, model, total_tokens, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		c.ID, c.UserID, c.Title, string(c.Provider), c.Model, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, user_id, title, provider, model, total_tokens, message_count, created_at, updated_at`

func (s *SQLite) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func (s *SQLite) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendMessage(ctx context.Context, msg ConversationMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, total_tokens = total_tokens + ?, updated_at = ?
		WHERE id = ?`, msg.Tokens, now, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, seq, role, content, tokens, response_time_ms, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_id = ?), ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.ConversationID, string(msg.Role), msg.Content, msg.Tokens, msg.ResponseTimeMS, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, response_time_ms, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationMessage, 0)
	for rows.Next() {
		var (
			m         ConversationMessage
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Tokens, &m.ResponseTimeMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (CredentialRecord, error) {
	var (
		rec        CredentialRecord
		provider   string
		status     string
		lastTested sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&rec.UserID, &provider, &rec.Ciphertext, &rec.Preview, &rec.Active, &status, &lastTested, &rec.TestError, &createdAt, &updatedAt); err != nil {
		return CredentialRecord{}, err
	}
	rec.Provider = models.ProviderID(provider)
	rec.TestStatus = TestStatus(status)
	if lastTested.Valid {
		t := time.Unix(0, lastTested.Int64).UTC()
		rec.LastTested = &t
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		c         Conversation
		provider  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &provider, &c.Model, &c.TotalTokens, &c.MessageCount, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.Provider = models.ProviderID(provider)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
