package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chathub/models"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const legacyReasoningLike = "%[推理过程]%"

// SQLStore keeps users, credentials, conversations and messages in
// Postgres (lib/pq) or SQLite (modernc).
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var (
	_ ChatStore       = (*SQLStore)(nil)
	_ CredentialStore = (*SQLStore)(nil)
	_ UserStore       = (*SQLStore)(nil)
	_ ModelStore      = (*SQLStore)(nil)
)

// OpenSQLStore connects, pings and migrates the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var connStr string
	switch driver {
	case "postgres":
		connStr = postgresConnString(dsn)
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		connStr = dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, dialect: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func postgresConnString(uri string) string {
	if strings.Contains(uri, "sslmode=") {
		return uri
	}
	if strings.Contains(uri, "://") {
		if strings.Contains(uri, "?") {
			return uri + "&sslmode=disable"
		}
		return uri + "?sslmode=disable"
	}
	return uri + " sslmode=disable"
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idType, tsType, trueLit, floatType := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "1", "REAL"
	if s.dialect == "postgres" {
		idType, tsType, trueLit, floatType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "TRUE", "DOUBLE PRECISION"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id %[1]s,
			username TEXT NOT NULL UNIQUE,
			token TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT %[3]s,
			created_at %[2]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id %[1]s,
			model_provider TEXT NOT NULL,
			api_key TEXT NOT NULL,
			base_url TEXT,
			is_active BOOLEAN NOT NULL DEFAULT %[3]s,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id %[1]s,
			user_id BIGINT NOT NULL,
			conversation_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id %[1]s,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			timestamp %[2]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id %[1]s,
			model_name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			model_provider TEXT NOT NULL,
			model_type TEXT NOT NULL DEFAULT 'chat',
			max_tokens INTEGER NOT NULL DEFAULT 4096,
			supports_streaming BOOLEAN NOT NULL DEFAULT %[3]s,
			supports_function_calling BOOLEAN NOT NULL,
			supports_vision BOOLEAN NOT NULL,
			input_price_per_1k %[4]s NOT NULL DEFAULT 0,
			output_price_per_1k %[4]s NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT %[3]s,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys (model_provider, is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, idType, tsType, trueLit, floatType)); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- credentials ---

func (s *SQLStore) FindActiveCredential(ctx context.Context, providerID string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, model_provider, api_key, COALESCE(base_url, ''), is_active, created_at, updated_at
		FROM api_keys
		WHERE model_provider = ? AND is_active = ? AND api_key <> ''
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`), providerID, true)

	var c models.Credential
	err := row.Scan(&c.ID, &c.Provider, &c.APIKey, &c.BaseURL, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	var baseURL sql.NullString
	if cred.BaseURL != "" {
		baseURL = sql.NullString{String: cred.BaseURL, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO api_keys (model_provider, api_key, base_url, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		cred.Provider, cred.APIKey, baseURL, cred.IsActive, cred.CreatedAt, cred.UpdatedAt,
	).Scan(&cred.ID)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// --- users ---

func (s *SQLStore) FindUserByToken(ctx context.Context, token string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, username, token, is_active, created_at FROM users WHERE token = ?`), token,
	).Scan(&u.ID, &u.Username, &u.Token, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO users (username, token, is_active, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		user.Username, user.Token, user.IsActive, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// --- model catalog ---

const modelColumns = `id, model_name, display_name, model_provider, model_type, max_tokens,
	supports_streaming, supports_function_calling, supports_vision,
	input_price_per_1k, output_price_per_1k, description, is_active, sort_order, created_at, updated_at`

// ListModels returns catalog entries ordered by sort_order, newest first
// within the same sort_order.
func (s *SQLStore) ListModels(ctx context.Context, filter ModelFilter) ([]models.ModelInfo, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}
	if filter.Provider != "" {
		where = append(where, "model_provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Type != "" {
		where = append(where, "model_type = ?")
		args = append(args, filter.Type)
	}
	query := `SELECT ` + modelColumns + ` FROM models`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sort_order ASC, created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]models.ModelInfo, 0)
	for rows.Next() {
		var m models.ModelInfo
		err := rows.Scan(&m.ID, &m.ModelName, &m.DisplayName, &m.Provider, &m.Type, &m.MaxTokens,
			&m.SupportsStreaming, &m.SupportsFunctionCalling, &m.SupportsVision,
			&m.InputPricePer1K, &m.OutputPricePer1K, &m.Description, &m.IsActive, &m.SortOrder,
			&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutModel inserts a catalog entry or, when model_name already exists,
// replaces its fields and keeps its id and created_at.
func (s *SQLStore) PutModel(ctx context.Context, m *models.ModelInfo) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Type == "" {
		m.Type = "chat"
	}

	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO models (model_name, display_name, model_provider, model_type, max_tokens,
			supports_streaming, supports_function_calling, supports_vision,
			input_price_per_1k, output_price_per_1k, description, is_active, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_name) DO UPDATE SET
			display_name = excluded.display_name,
			model_provider = excluded.model_provider,
			model_type = excluded.model_type,
			max_tokens = excluded.max_tokens,
			supports_streaming = excluded.supports_streaming,
			supports_function_calling = excluded.supports_function_calling,
			supports_vision = excluded.supports_vision,
			input_price_per_1k = excluded.input_price_per_1k,
			output_price_per_1k = excluded.output_price_per_1k,
			description = excluded.description,
			is_active = excluded.is_active,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at
		RETURNING id`),
		m.ModelName, m.DisplayName, m.Provider, m.Type, m.MaxTokens,
		m.SupportsStreaming, m.SupportsFunctionCalling, m.SupportsVision,
		m.InputPricePer1K, m.OutputPricePer1K, m.Description, m.IsActive, m.SortOrder, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("put model %q: %w", m.ModelName, err)
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM models WHERE id = ?`), m.ID).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("reload model %q: %w", m.ModelName, err)
	}
	return nil
}

// --- conversations ---

const conversationColumns = `id, user_id, conversation_id, title, model, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }, c *models.Conversation, extra ...any) error {
	dest := append([]any{&c.ID, &c.UserID, &c.ConversationID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt}, extra...)
	return row.Scan(dest...)
}

func (s *SQLStore) FindConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`), conversationID)

	var c models.Conversation
	err := scanConversation(row, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) Begin() UnitOfWork {
	return &sqlUnit{store: s}
}

type sqlUnit struct {
	pendingWrites
	store *SQLStore
}

func (u *sqlUnit) Commit(ctx context.Context) error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	defer func() { u.done = true }()
	if u.empty() {
		return nil
	}

	s := u.store
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if c := u.conversation; c != nil {
		// A concurrent turn may have created the same conversation first.
		err := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO conversations (user_id, conversation_id, title, model, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id) DO NOTHING
			RETURNING id`),
			c.UserID, c.ConversationID, c.Title, c.Model, c.CreatedAt, c.UpdatedAt,
		).Scan(&c.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}

	for _, m := range u.messages {
		var reasoning sql.NullString
		if m.Reasoning != nil {
			reasoning = sql.NullString{String: *m.Reasoning, Valid: true}
		}
		err := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO messages (conversation_id, role, content, reasoning, timestamp)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			m.ConversationID, m.Role, m.Content, reasoning, m.Timestamp,
		).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	for _, t := range u.touches {
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE conversations SET updated_at = ? WHERE conversation_id = ? AND updated_at < ?`),
			t.at, t.conversationID, t.at)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- history ---

func (s *SQLStore) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT c.id, c.user_id, c.conversation_id, c.title, c.model, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.conversation_id AND m.role = ?
		WHERE c.user_id = ?
		GROUP BY c.id, c.user_id, c.conversation_id, c.title, c.model, c.created_at, c.updated_at
		ORDER BY c.updated_at DESC, c.id DESC`), models.RoleUser, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var cs models.ConversationSummary
		if err := scanConversation(rows, &cs.Conversation, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return s.queryMessages(ctx, `WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`, conversationID)
}

func (s *SQLStore) ListLegacyMessages(ctx context.Context) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		WHERE role = ? AND (reasoning IS NULL OR TRIM(reasoning) = '') AND content LIKE ?
		ORDER BY id ASC`, models.RoleAssistant, legacyReasoningLike)
}

func (s *SQLStore) queryMessages(ctx context.Context, where string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, conversation_id, role, content, reasoning, timestamp FROM messages `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var reasoning sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &reasoning, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if reasoning.Valid {
			r := reasoning.String
			m.Reasoning = &r
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateMessageSplit(ctx context.Context, msg *models.Message) error {
	var reasoning sql.NullString
	if msg.Reasoning != nil {
		reasoning = sql.NullString{String: *msg.Reasoning, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET content = ?, reasoning = ? WHERE id = ?`),
		msg.Content, reasoning, msg.ID)
	if err != nil {
		return fmt.Errorf("update message %d: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLStore) RenameConversation(ctx context.Context, conversationID, title string, at time.Time) (*models.Conversation, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`),
		title, at, conversationID)
	if err != nil {
		return nil, fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.FindConversation(ctx, conversationID)
}

func (s *SQLStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE conversation_id = ?`), conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
