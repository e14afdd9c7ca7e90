// Package postgres implements loom.Store using PostgreSQL, for deployments
// where several processes share one database.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
)

// Store implements loom.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			active_leaf_message_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			sequence INTEGER NOT NULL,
			attachments JSONB,
			manifest_id TEXT NOT NULL DEFAULT '',
			UNIQUE (chat_id, parent_message_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages(chat_id, parent_message_id)`,

		`CREATE TABLE IF NOT EXISTS active_streams (
			chat_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			graph JSONB NOT NULL,
			updated_at BIGINT NOT NULL
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
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// --- Chats ---

func (s *Store) CreateChat(ctx context.Context, chat loom.Chat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, title, agent_id, model, active_leaf_message_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		chat.ID, chat.Title, chat.AgentID, chat.Model, chat.ActiveLeafMessageID, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (loom.Chat, error) {
	var c loom.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, agent_id, model, active_leaf_message_id, created_at, updated_at
		 FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.AgentID, &c.Model, &c.ActiveLeafMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Chat{}, &loom.NotFoundError{Kind: "chat", ID: id}
	}
	if err != nil {
		return loom.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) SetActiveLeaf(ctx context.Context, chatID, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET active_leaf_message_id = $1, updated_at = EXTRACT(EPOCH FROM now())::BIGINT WHERE id = $2`,
		messageID, chatID,
	)
	if err != nil {
		return fmt.Errorf("set active leaf: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.NotFoundError{Kind: "chat", ID: chatID}
	}
	return nil
}

func (s *Store) UpdateChatModel(ctx context.Context, chatID, model string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET model = $1, updated_at = EXTRACT(EPOCH FROM now())::BIGINT WHERE id = $2`,
		model, chatID,
	)
	if err != nil {
		return fmt.Errorf("update chat model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.NotFoundError{Kind: "chat", ID: chatID}
	}
	return nil
}

// --- Messages ---

// AppendMessage assigns the sibling sequence inside a transaction. The
// SELECT takes a FOR UPDATE lock on the sibling rows so two concurrent
// writers under the same parent serialize; the UNIQUE constraint backs
// that up.
func (s *Store) AppendMessage(ctx context.Context, msg loom.ChatMessage) (loom.ChatMessage, error) {
	var attachJSON []byte
	if len(msg.Attachments) > 0 {
		attachJSON, _ = json.Marshal(msg.Attachments)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages
		 WHERE chat_id = $1 AND parent_message_id = $2 FOR UPDATE`,
		msg.ChatID, msg.ParentMessageID,
	).Scan(&msg.Sequence)
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt, msg.ParentMessageID,
		msg.IsComplete, msg.Sequence, attachJSON, msg.ManifestID,
	)
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return loom.ChatMessage{}, fmt.Errorf("commit tx: %w", err)
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, chatID, id string) (loom.ChatMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id
		 FROM messages WHERE chat_id = $1 AND id = $2`, chatID, id)
	msg, err := scanMessage(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.ChatMessage{}, &loom.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		return loom.ChatMessage{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *Store) MessageChildren(ctx context.Context, chatID, parentID string) ([]loom.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, role, content, created_at, parent_message_id, is_complete, sequence, attachments, manifest_id
		 FROM messages WHERE chat_id = $1 AND parent_message_id = $2
		 ORDER BY sequence`, chatID, parentID)
	if err != nil {
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
	return msgs, rows.Err()
}

func (s *Store) UpdateMessageContent(ctx context.Context, chatID, id, content string, isComplete bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $1, is_complete = $2 WHERE chat_id = $3 AND id = $4`,
		content, isComplete, chatID, id,
	)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.NotFoundError{Kind: "message", ID: id}
	}
	return nil
}

func (s *Store) SetMessageManifest(ctx context.Context, chatID, id, manifestID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET manifest_id = $1 WHERE chat_id = $2 AND id = $3`,
		manifestID, chatID, id,
	)
	if err != nil {
		return fmt.Errorf("set message manifest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &loom.NotFoundError{Kind: "message", ID: id}
	}
	return nil
}

// --- Active streams ---

func (s *Store) UpsertActiveStream(ctx context.Context, row loom.ActiveStreamRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO active_streams (chat_id, message_id, run_id, status, error_message, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chat_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at`,
		row.ChatID, row.MessageID, row.RunID, row.Status, row.ErrorMessage, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert active stream: %w", err)
	}
	return nil
}

func (s *Store) DeleteActiveStream(ctx context.Context, chatID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM active_streams WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete active stream: %w", err)
	}
	return nil
}

func (s *Store) ListActiveStreams(ctx context.Context) ([]loom.ActiveStreamRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, message_id, run_id, status, error_message, updated_at FROM active_streams`)
	if err != nil {
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
	return out, rows.Err()
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, rec loom.AgentRecord) error {
	graphJSON, err := json.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, graph, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, graph = EXCLUDED.graph, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Name, graphJSON, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (loom.AgentRecord, error) {
	var rec loom.AgentRecord
	var graphJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, graph, updated_at FROM agents WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Name, &graphJSON, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.AgentRecord{}, &loom.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return loom.AgentRecord{}, fmt.Errorf("get agent: %w", err)
	}
	if err := json.Unmarshal(graphJSON, &rec.Graph); err != nil {
		return loom.AgentRecord{}, fmt.Errorf("decode graph: %w", err)
	}
	return rec, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]loom.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, graph, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var recs []loom.AgentRecord
	for rows.Next() {
		var rec loom.AgentRecord
		var graphJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &graphJSON, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal(graphJSON, &rec.Graph); err != nil {
			return nil, fmt.Errorf("decode graph %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Models + provider settings ---

func (s *Store) GetModel(ctx context.Context, id string) (loom.ModelRecord, error) {
	var m loom.ModelRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, display_name FROM models WHERE id = $1`, id,
	).Scan(&m.ID, &m.Provider, &m.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.ModelRecord{}, &loom.NotFoundError{Kind: "model", ID: id}
	}
	if err != nil {
		return loom.ModelRecord{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

func (s *Store) ListModels(ctx context.Context) ([]loom.ModelRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, provider, display_name FROM models ORDER BY id`)
	if err != nil {
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
	return models, rows.Err()
}

func (s *Store) GetProviderSetting(ctx context.Context, provider, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM provider_settings WHERE provider = $1 AND key = $2`, provider, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get provider setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetProviderSetting(ctx context.Context, provider, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_settings (provider, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (provider, key) DO UPDATE SET value = EXCLUDED.value`,
		provider, key, value,
	)
	if err != nil {
		return fmt.Errorf("set provider setting: %w", err)
	}
	return nil
}

// --- Key-value config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

func scanMessage(scan func(...any) error) (loom.ChatMessage, error) {
	var m loom.ChatMessage
	var attachJSON []byte
	err := scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt, &m.ParentMessageID,
		&m.IsComplete, &m.Sequence, &attachJSON, &m.ManifestID)
	if err != nil {
		return loom.ChatMessage{}, err
	}
	if len(attachJSON) > 0 {
		_ = json.Unmarshal(attachJSON, &m.Attachments)
	}
	return m, nil
}
