package loom

import (
	"context"
	"log/slog"
)

// WorkspaceWriter rewrites a chat's workspace directory to match a
// manifest. The blob package provides the implementation.
type WorkspaceWriter interface {
	Apply(ctx context.Context, chatID, manifestID string) error
}

// Tree exposes the conversation DAG operations on top of a Store: path and
// sibling queries, active-leaf maintenance, and the branching use-cases
// behind start / retry / edit / continue.
type Tree struct {
	store     Store
	workspace WorkspaceWriter
	logger    *slog.Logger
}

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// WithTreeLogger sets the structured logger.
func WithTreeLogger(l *slog.Logger) TreeOption {
	return func(t *Tree) { t.logger = l }
}

// WithWorkspace attaches the workspace materializer used by
// MaterializeToBranch.
func WithWorkspace(w WorkspaceWriter) TreeOption {
	return func(t *Tree) { t.workspace = w }
}

// NewTree builds the tree API over a store.
func NewTree(store Store, opts ...TreeOption) *Tree {
	t := &Tree{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MessagePath returns the root-to-leaf path ending at leafID.
func (t *Tree) MessagePath(ctx context.Context, chatID, leafID string) ([]ChatMessage, error) {
	var reversed []ChatMessage
	id := leafID
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, Validationf("tree: parent cycle at message %s", id)
		}
		seen[id] = true
		msg, err := t.store.GetMessage(ctx, chatID, id)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, msg)
		id = msg.ParentMessageID
	}
	path := make([]ChatMessage, len(reversed))
	for i, m := range reversed {
		path[len(reversed)-1-i] = m
	}
	return path, nil
}

// Siblings returns the ordered children of a message's parent, including
// the message itself.
func (t *Tree) Siblings(ctx context.Context, chatID, messageID string) ([]ChatMessage, error) {
	msg, err := t.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	return t.store.MessageChildren(ctx, chatID, msg.ParentMessageID)
}

// LeafDescendant walks downward from messageID to a leaf. It prefers the
// child on the path to the chat's active leaf; off the active path it
// follows the highest-sequence child.
func (t *Tree) LeafDescendant(ctx context.Context, chatID, messageID string) (ChatMessage, error) {
	msg, err := t.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return ChatMessage{}, err
	}

	onActivePath := make(map[string]bool)
	if chat, err := t.store.GetChat(ctx, chatID); err == nil && chat.ActiveLeafMessageID != "" {
		if path, err := t.MessagePath(ctx, chatID, chat.ActiveLeafMessageID); err == nil {
			for _, m := range path {
				onActivePath[m.ID] = true
			}
		}
	}

	for {
		children, err := t.store.MessageChildren(ctx, chatID, msg.ID)
		if err != nil {
			return ChatMessage{}, err
		}
		if len(children) == 0 {
			return msg, nil
		}
		next := children[len(children)-1] // highest sequence
		for _, c := range children {
			if onActivePath[c.ID] {
				next = c
				break
			}
		}
		msg = next
	}
}

// SetActiveLeaf atomically moves the chat's active-leaf pointer. The target
// must be a leaf: the active path never has branches below its end.
func (t *Tree) SetActiveLeaf(ctx context.Context, chatID, messageID string) error {
	children, err := t.store.MessageChildren(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return Validationf("tree: message %s is not a leaf", messageID)
	}
	return t.store.SetActiveLeaf(ctx, chatID, messageID)
}

// StartTurn appends the user message as a child of the current active leaf
// and creates an empty assistant child under it. The active leaf moves to
// the assistant message.
func (t *Tree) StartTurn(ctx context.Context, chatID, userContent string, attachments []Attachment) (user, assistant ChatMessage, err error) {
	chat, err := t.store.GetChat(ctx, chatID)
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	user, err = t.store.AppendMessage(ctx, ChatMessage{
		ID:              NewID(),
		ChatID:          chatID,
		Role:            RoleUser,
		Content:         userContent,
		CreatedAt:       NowUnix(),
		ParentMessageID: chat.ActiveLeafMessageID,
		IsComplete:      true,
		Attachments:     attachments,
	})
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	assistant, err = t.newAssistantChild(ctx, chatID, user.ID, "")
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	return user, assistant, t.store.SetActiveLeaf(ctx, chatID, assistant.ID)
}

// RetryBranch creates a new assistant sibling of the assistant being
// retried (same parent, next sequence) and moves the active leaf to it.
func (t *Tree) RetryBranch(ctx context.Context, chatID, assistantID string) (ChatMessage, error) {
	prev, err := t.store.GetMessage(ctx, chatID, assistantID)
	if err != nil {
		return ChatMessage{}, err
	}
	if prev.Role != RoleAssistant {
		return ChatMessage{}, Validationf("tree: retry target %s is not an assistant message", assistantID)
	}
	sibling, err := t.newAssistantChild(ctx, chatID, prev.ParentMessageID, "")
	if err != nil {
		return ChatMessage{}, err
	}
	return sibling, t.store.SetActiveLeaf(ctx, chatID, sibling.ID)
}

// EditUserMessage creates a new user sibling of the edited message carrying
// the new content, an empty assistant child under it, and re-materializes
// the workspace for the new branch.
func (t *Tree) EditUserMessage(ctx context.Context, chatID, messageID, newContent string, attachments []Attachment) (user, assistant ChatMessage, err error) {
	prev, err := t.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	if prev.Role != RoleUser {
		return ChatMessage{}, ChatMessage{}, Validationf("tree: edit target %s is not a user message", messageID)
	}
	user, err = t.store.AppendMessage(ctx, ChatMessage{
		ID:              NewID(),
		ChatID:          chatID,
		Role:            RoleUser,
		Content:         newContent,
		CreatedAt:       NowUnix(),
		ParentMessageID: prev.ParentMessageID,
		IsComplete:      true,
		Attachments:     attachments,
	})
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	assistant, err = t.newAssistantChild(ctx, chatID, user.ID, "")
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	if err := t.store.SetActiveLeaf(ctx, chatID, assistant.ID); err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}
	if err := t.MaterializeToBranch(ctx, chatID, user.ID); err != nil {
		t.logger.Warn("tree: workspace materialization failed", "chat_id", chatID, "message_id", user.ID, "error", err)
	}
	return user, assistant, nil
}

// ContinueBranch creates a new assistant sibling seeded with the existing
// content blocks, error blocks stripped from the tail. Streaming appends
// to the seeded blocks.
func (t *Tree) ContinueBranch(ctx context.Context, chatID, assistantID string) (ChatMessage, []ContentBlock, error) {
	prev, err := t.store.GetMessage(ctx, chatID, assistantID)
	if err != nil {
		return ChatMessage{}, nil, err
	}
	if prev.Role != RoleAssistant {
		return ChatMessage{}, nil, Validationf("tree: continue target %s is not an assistant message", assistantID)
	}
	var seed []ContentBlock
	if blocks, ok := DecodeBlocks(prev.Content); ok {
		seed = StripTrailingErrors(blocks)
	} else if prev.Content != "" {
		seed = []ContentBlock{{Type: BlockText, Content: prev.Content}}
	}
	sibling, err := t.newAssistantChild(ctx, chatID, prev.ParentMessageID, EncodeBlocks(seed))
	if err != nil {
		return ChatMessage{}, nil, err
	}
	return sibling, seed, t.store.SetActiveLeaf(ctx, chatID, sibling.ID)
}

// MaterializeToBranch resolves the manifest pinned on targetID, or its
// nearest ancestor that has one, and rewrites the chat workspace to match.
func (t *Tree) MaterializeToBranch(ctx context.Context, chatID, targetID string) error {
	if t.workspace == nil {
		return nil
	}
	id := targetID
	for id != "" {
		msg, err := t.store.GetMessage(ctx, chatID, id)
		if err != nil {
			return err
		}
		if msg.ManifestID != "" {
			return t.workspace.Apply(ctx, chatID, msg.ManifestID)
		}
		id = msg.ParentMessageID
	}
	// No manifest anywhere on the path: the workspace stays as-is.
	return nil
}

func (t *Tree) newAssistantChild(ctx context.Context, chatID, parentID, content string) (ChatMessage, error) {
	return t.store.AppendMessage(ctx, ChatMessage{
		ID:              NewID(),
		ChatID:          chatID,
		Role:            RoleAssistant,
		Content:         content,
		CreatedAt:       NowUnix(),
		ParentMessageID: parentID,
		IsComplete:      false,
	})
}
