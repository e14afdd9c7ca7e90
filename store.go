package loom

import (
	"context"
	"encoding/json"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Chat is one conversation. ActiveLeafMessageID points at the message that
// marks the visible end of the branching DAG; the root-to-leaf path is the
// visible conversation.
type Chat struct {
	ID                  string
	Title               string
	AgentID             string
	Model               string
	ActiveLeafMessageID string
	CreatedAt           int64
	UpdatedAt           int64
}

// ChatMessage is one node of a chat's message DAG. Siblings share a parent
// and are ordered by Sequence (starting at 1). Content is either plain text
// or a JSON array of ContentBlocks.
type ChatMessage struct {
	ID              string
	ChatID          string
	Role            string
	Content         string
	CreatedAt       int64
	ParentMessageID string
	IsComplete      bool
	Sequence        int
	Attachments     []Attachment
	ManifestID      string
}

// Attachment is a file carried alongside a message. Data is populated on
// upload; BlobHash after the content lands in the chat's blob store.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	BlobHash  string `json:"blob_hash,omitempty"`
}

// Content block types.
const (
	BlockText      = "text"
	BlockToolCall  = "tool-call"
	BlockReasoning = "reasoning"
	BlockError     = "error"
	BlockRenderer  = "renderer"
)

// ContentBlock is one element of a structured assistant message.
type ContentBlock struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	Status  string          `json:"status,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// DecodeBlocks parses message content as a ContentBlock array. Returns
// (nil, false) for plain-text content.
func DecodeBlocks(content string) ([]ContentBlock, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// EncodeBlocks serializes blocks for storage as message content.
func EncodeBlocks(blocks []ContentBlock) string {
	b, err := json.Marshal(blocks)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// StripTrailingErrors removes error blocks from the tail of a block list.
// Used when continuing an assistant message: the retry should not re-seed
// the failure.
func StripTrailingErrors(blocks []ContentBlock) []ContentBlock {
	end := len(blocks)
	for end > 0 && blocks[end-1].Type == BlockError {
		end--
	}
	return blocks[:end]
}

// Stream statuses persisted in the active_streams mirror.
const (
	StreamStatusStreaming  = "streaming"
	StreamStatusPausedHITL = "paused_hitl"
	StreamStatusCompleted  = "completed"
	StreamStatusError      = "error"
	StreamStatusCancelled  = "cancelled"
)

// ActiveStreamRow mirrors an in-flight run to durable storage so a process
// restart can reason about orphans.
type ActiveStreamRow struct {
	ChatID       string
	MessageID    string
	RunID        string
	Status       string
	ErrorMessage string
	UpdatedAt    int64
}

// AgentRecord is a saved agent: a name plus its graph JSON.
type AgentRecord struct {
	ID        string
	Name      string
	Graph     Graph
	UpdatedAt int64
}

// ModelRecord identifies a model available to chats, keyed "provider:model".
type ModelRecord struct {
	ID          string
	Provider    string
	DisplayName string
}

// Store abstracts persistence for chats, messages, active-stream mirrors,
// agents, models, and provider settings. Implementations must make
// AppendMessage transactional: the assigned sibling sequence is
// max(sibling.sequence)+1 with no gaps under concurrent writers.
type Store interface {
	// --- Chats ---
	CreateChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (Chat, error)
	SetActiveLeaf(ctx context.Context, chatID, messageID string) error
	UpdateChatModel(ctx context.Context, chatID, model string) error

	// --- Messages ---
	// AppendMessage inserts msg, assigning Sequence among its siblings
	// inside a transaction, and returns the stored message.
	AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
	GetMessage(ctx context.Context, chatID, id string) (ChatMessage, error)
	// MessageChildren returns the children of parentID ordered by sequence.
	// An empty parentID selects root messages.
	MessageChildren(ctx context.Context, chatID, parentID string) ([]ChatMessage, error)
	UpdateMessageContent(ctx context.Context, chatID, id, content string, isComplete bool) error
	SetMessageManifest(ctx context.Context, chatID, id, manifestID string) error

	// --- Active streams ---
	UpsertActiveStream(ctx context.Context, row ActiveStreamRow) error
	DeleteActiveStream(ctx context.Context, chatID string) error
	ListActiveStreams(ctx context.Context) ([]ActiveStreamRow, error)

	// --- Agents ---
	SaveAgent(ctx context.Context, rec AgentRecord) error
	GetAgent(ctx context.Context, id string) (AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]AgentRecord, error)

	// --- Models + provider settings ---
	GetModel(ctx context.Context, id string) (ModelRecord, error)
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetProviderSetting(ctx context.Context, provider, key string) (string, error)
	SetProviderSetting(ctx context.Context, provider, key, value string) error

	// --- Key-value config ---
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
