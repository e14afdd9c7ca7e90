// Package sqlite implements loom.Store on pure-Go SQLite. Zero CGO
// required; the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			active_leaf_message_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			is_complete INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL,
			attachments TEXT,
			manifest_id TEXT NOT NULL DEFAULT '',
			UNIQUE(chat_id, parent_message_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS active_streams (
			chat_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			graph TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS provider_settings (
			provider TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (provider, key)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(chat_id, parent_message_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Chats ---

// CreateChat inserts a new chat.
func (s *Store) CreateChat(ctx context.Context, chat loom.Chat) error {
	start := time.Now()
	s.logger.Debug("sqlite: create chat", "id", chat.ID, "agent_id", chat.AgentID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, agent_id, model, active_leaf_message_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.AgentID, chat.Model, chat.ActiveLeafMessageID, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create chat failed", "id", chat.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create chat: %w", err)
	}
	s.logger.Debug("sqlite: create chat ok", "id", chat.ID, "duration", time.Since(start))
	return nil
}

// GetChat returns a chat by ID.
func (s *Store) GetChat(ctx context.Context, id string) (loom.Chat, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get chat", "id", id)

	var c loom.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, agent_id, model, active_leaf_message_id, created_at, updated_at
		 FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.AgentID, &c.Model, &c.ActiveLeafMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loom.Chat{}, &loom.NotFoundError{Kind: "chat", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get chat failed", "id", id, "error", err, "duration", time.Since(start))
		return loom.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	s.logger.Debug("sqlite: get chat ok", "id", id, "duration", time.Since(start))
	return c, nil
}

// SetActiveLeaf moves a chat's active-leaf pointer.
func (s *Store) SetActiveLeaf(ctx context.Context, chatID, messageID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set active leaf", "chat_id", chatID, "message_id", messageID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET active_leaf_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, time.Now().Unix(), chatID,
	)
	if err != nil {
		s.logger.Error("sqlite: set active leaf failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set active leaf: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.NotFoundError{Kind: "chat", ID: chatID}
	}
	s.logger.Debug("sqlite: set active leaf ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

// UpdateChatModel updates the chat's persisted model id.
func (s *Store) UpdateChatModel(ctx context.Context, chatID, model string) error {
	start := time.Now()
	s.logger.Debug("sqlite: update chat model", "chat_id", chatID, "model", model)

	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET model = ?, updated_at = ? WHERE id = ?`,
		model, time.Now().Unix(), chatID,
	)
	if err != nil {
		s.logger.Error("sqlite: update chat model failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update chat model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.NotFoundError{Kind: "chat", ID: chatID}
	}
	s.logger.Debug("sqlite: update chat model ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

// --- Messages ---

// AppendMessage inserts a message, assigning its sibling sequence as
// max(sequence)+1 inside a transaction. The single shared connection plus
// the UNIQUE(chat_id, parent_message_id, sequence) constraint keep the
// sequence gapless under concurrent writers.
func (s *Store) AppendMessage(ctx context.Context, msg loom.ChatMessage) (loom.ChatMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "id", msg.ID, "chat_id", msg.ChatID, "role", msg.Role, "parent", msg.ParentMessageID)

	var attachJSON *string
	if len(msg.Attachments) > 0 {
		data, _ := json.Marshal(msg.Attachments)
		v := string(data)
		attachJSON = &v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE chat_id = ? AND parent_message_id = ?`,
		msg.ChatID, msg.ParentMessageID,
	).Scan(&msg.Sequence)
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt, msg.ParentMessageID,
		boolToInt(msg.IsComplete), msg.Sequence, attachJSON, msg.ManifestID,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return loom.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return loom.ChatMessage{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", msg.ID, "sequence", msg.Sequence, "duration", time.Since(start))
	return msg, nil
}

// GetMessage returns one message of a chat.
func (s *Store) GetMessage(ctx context.Context, chatID, id string) (loom.ChatMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get message", "chat_id", chatID, "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id
		 FROM messages WHERE chat_id = ? AND id = ?`, chatID, id)
	msg, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return loom.ChatMessage{}, &loom.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get message failed", "id", id, "error", err, "duration", time.Since(start))
		return loom.ChatMessage{}, fmt.Errorf("get message: %w", err)
	}
	s.logger.Debug("sqlite: get message ok", "id", id, "duration", time.Since(start))
	return msg, nil
}

// MessageChildren returns the children of parentID ordered by sequence.
// An empty parentID selects root messages.
func (s *Store) MessageChildren(ctx context.Context, chatID, parentID string) ([]loom.ChatMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: message children", "chat_id", chatID, "parent", parentID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id
		 FROM messages WHERE chat_id = ? AND parent_message_id = ?
		 ORDER BY sequence`, chatID, parentID)
	if err != nil {
		s.logger.Error("sqlite: message children failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("message children: %w", err)
	}
	defer rows.Close()

	var msgs []loom.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	s.logger.Debug("sqlite: message children ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, rows.Err()
}

// UpdateMessageContent rewrites a message's content and completion flag.
func (s *Store) UpdateMessageContent(ctx context.Context, chatID, id, content string, isComplete bool) error {
	start := time.Now()
	s.logger.Debug("sqlite: update message content", "chat_id", chatID, "id", id, "is_complete", isComplete)

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, is_complete = ? WHERE chat_id = ? AND id = ?`,
		content, boolToInt(isComplete), chatID, id,
	)
	if err != nil {
		s.logger.Error("sqlite: update message content failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update message content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.NotFoundError{Kind: "message", ID: id}
	}
	s.logger.Debug("sqlite: update message content ok", "id", id, "duration", time.Since(start))
	return nil
}

// SetMessageManifest pins a workspace manifest to a message.
func (s *Store) SetMessageManifest(ctx context.Context, chatID, id, manifestID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set message manifest", "chat_id", chatID, "id", id, "manifest_id", manifestID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET manifest_id = ? WHERE chat_id = ? AND id = ?`,
		manifestID, chatID, id,
	)
	if err != nil {
		s.logger.Error("sqlite: set message manifest failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set message manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loom.NotFoundError{Kind: "message", ID: id}
	}
	s.logger.Debug("sqlite: set message manifest ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Active streams ---

// UpsertActiveStream writes the durable mirror row for an in-flight run.
func (s *Store) UpsertActiveStream(ctx context.Context, row loom.ActiveStreamRow) error {
	start := time.Now()
	s.logger.Debug("sqlite: upsert active stream", "chat_id", row.ChatID, "status", row.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO active_streams (chat_id, message_id, run_id, status, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.ChatID, row.MessageID, row.RunID, row.Status, row.ErrorMessage, row.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert active stream failed", "chat_id", row.ChatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("upsert active stream: %w", err)
	}
	s.logger.Debug("sqlite: upsert active stream ok", "chat_id", row.ChatID, "duration", time.Since(start))
	return nil
}

// DeleteActiveStream removes a chat's mirror row.
func (s *Store) DeleteActiveStream(ctx context.Context, chatID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete active stream", "chat_id", chatID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM active_streams WHERE chat_id = ?`, chatID)
	if err != nil {
		s.logger.Error("sqlite: delete active stream failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete active stream: %w", err)
	}
	s.logger.Debug("sqlite: delete active stream ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

// ListActiveStreams returns every mirror row.
func (s *Store) ListActiveStreams(ctx context.Context) ([]loom.ActiveStreamRow, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list active streams")

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, run_id, status, error_message, updated_at FROM active_streams`)
	if err != nil {
		s.logger.Error("sqlite: list active streams failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var out []loom.ActiveStreamRow
	for rows.Next() {
		var r loom.ActiveStreamRow
		if err := rows.Scan(&r.ChatID, &r.MessageID, &r.RunID, &r.Status, &r.ErrorMessage, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan active stream: %w", err)
		}
		out = append(out, r)
	}
	s.logger.Debug("sqlite: list active streams ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// --- Agents ---

// SaveAgent inserts or replaces an agent record.
func (s *Store) SaveAgent(ctx context.Context, rec loom.AgentRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save agent", "id", rec.ID, "name", rec.Name, "nodes", len(rec.Graph.Nodes))

	graphJSON, err := json.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (id, name, graph, updated_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, string(graphJSON), rec.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save agent failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save agent: %w", err)
	}
	s.logger.Debug("sqlite: save agent ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// GetAgent returns an agent record by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (loom.AgentRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get agent", "id", id)

	var rec loom.AgentRecord
	var graphJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, graph, updated_at FROM agents WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &graphJSON, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loom.AgentRecord{}, &loom.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get agent failed", "id", id, "error", err, "duration", time.Since(start))
		return loom.AgentRecord{}, fmt.Errorf("get agent: %w", err)
	}
	if err := json.Unmarshal([]byte(graphJSON), &rec.Graph); err != nil {
		return loom.AgentRecord{}, fmt.Errorf("decode graph: %w", err)
	}
	s.logger.Debug("sqlite: get agent ok", "id", id, "duration", time.Since(start))
	return rec, nil
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete agent", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete agent failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete agent: %w", err)
	}
	s.logger.Debug("sqlite: delete agent ok", "id", id, "duration", time.Since(start))
	return nil
}

// ListAgents returns every saved agent ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]loom.AgentRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list agents")

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, graph, updated_at FROM agents ORDER BY name`)
	if err != nil {
		s.logger.Error("sqlite: list agents failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var recs []loom.AgentRecord
	for rows.Next() {
		var rec loom.AgentRecord
		var graphJSON string
		if err := rows.Scan(&rec.ID, &rec.Name, &graphJSON, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(graphJSON), &rec.Graph); err != nil {
			return nil, fmt.Errorf("decode graph %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	s.logger.Debug("sqlite: list agents ok", "count", len(recs), "duration", time.Since(start))
	return recs, rows.Err()
}

// --- Models + provider settings ---

// GetModel returns a model record by ID.
func (s *Store) GetModel(ctx context.Context, id string) (loom.ModelRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get model", "id", id)

	var m loom.ModelRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, display_name FROM models WHERE id = ?`, id,
	).Scan(&m.ID, &m.Provider, &m.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return loom.ModelRecord{}, &loom.NotFoundError{Kind: "model", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get model failed", "id", id, "error", err, "duration", time.Since(start))
		return loom.ModelRecord{}, fmt.Errorf("get model: %w", err)
	}
	s.logger.Debug("sqlite: get model ok", "id", id, "duration", time.Since(start))
	return m, nil
}

// ListModels returns every model record.
func (s *Store) ListModels(ctx context.Context) ([]loom.ModelRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list models")

	rows, err := s.db.QueryContext(ctx, `SELECT id, provider, display_name FROM models ORDER BY id`)
	if err != nil {
		s.logger.Error("sqlite: list models failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var models []loom.ModelRecord
	for rows.Next() {
		var m loom.ModelRecord
		if err := rows.Scan(&m.ID, &m.Provider, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}
	s.logger.Debug("sqlite: list models ok", "count", len(models), "duration", time.Since(start))
	return models, rows.Err()
}

// GetProviderSetting returns one provider setting, "" when unset.
func (s *Store) GetProviderSetting(ctx context.Context, provider, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM provider_settings WHERE provider = ? AND key = ?`, provider, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get provider setting: %w", err)
	}
	return value, nil
}

// SetProviderSetting stores one provider setting.
func (s *Store) SetProviderSetting(ctx context.Context, provider, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO provider_settings (provider, key, value) VALUES (?, ?, ?)`,
		provider, key, value,
	)
	if err != nil {
		return fmt.Errorf("set provider setting: %w", err)
	}
	return nil
}

// --- Key-value config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get config", "key", key)

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: get config not found", "key", key, "duration", time.Since(start))
		return "", nil
	}
	if err != nil {
		s.logger.Error("sqlite: get config failed", "key", key, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("get config: %w", err)
	}
	s.logger.Debug("sqlite: get config ok", "key", key, "duration", time.Since(start))
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set config", "key", key)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		s.logger.Error("sqlite: set config failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set config: %w", err)
	}
	s.logger.Debug("sqlite: set config ok", "key", key, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for advanced callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanMessage reads one message row through a Scan function, decoding the
// attachments JSON.
func scanMessage(scan func(...any) error) (loom.ChatMessage, error) {
	var m loom.ChatMessage
	var isComplete int
	var attachJSON sql.NullString
	err := scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt, &m.ParentMessageID,
		&isComplete, &m.Sequence, &attachJSON, &m.ManifestID)
	if err != nil {
		return loom.ChatMessage{}, err
	}
	m.IsComplete = isComplete != 0
	if attachJSON.Valid && attachJSON.String != "" {
		_ = json.Unmarshal([]byte(attachJSON.String), &m.Attachments)
	}
	return m, nil
}
