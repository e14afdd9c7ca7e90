package loom

import (
	"context"
	"errors"
	"testing"
)

type fakeWorkspace struct {
	applied []string // "chatID/manifestID"
}

func (f *fakeWorkspace) Apply(_ context.Context, chatID, manifestID string) error {
	f.applied = append(f.applied, chatID+"/"+manifestID)
	return nil
}

func newTestTree(t *testing.T) (*Tree, *memStore, string) {
	t.Helper()
	st := newMemStore()
	ctx := context.Background()
	if err := st.CreateChat(ctx, Chat{ID: "c1", Title: "test"}); err != nil {
		t.Fatal(err)
	}
	return NewTree(st), st, "c1"
}

func TestStartTurn(t *testing.T) {
	tree, st, chatID := newTestTree(t)
	ctx := context.Background()

	user, assistant, err := tree.StartTurn(ctx, chatID, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != RoleUser || !user.IsComplete || user.ParentMessageID != "" {
		t.Errorf("user = %+v", user)
	}
	if assistant.Role != RoleAssistant || assistant.IsComplete || assistant.ParentMessageID != user.ID {
		t.Errorf("assistant = %+v", assistant)
	}

	chat, _ := st.GetChat(ctx, chatID)
	if chat.ActiveLeafMessageID != assistant.ID {
		t.Errorf("active leaf = %s, want %s", chat.ActiveLeafMessageID, assistant.ID)
	}

	// A second turn chains under the first assistant.
	user2, _, err := tree.StartTurn(ctx, chatID, "again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if user2.ParentMessageID != assistant.ID {
		t.Errorf("second user parent = %s", user2.ParentMessageID)
	}
}

func TestRetryBranch(t *testing.T) {
	tree, st, chatID := newTestTree(t)
	ctx := context.Background()

	user, assistant, err := tree.StartTurn(ctx, chatID, "q", nil)
	if err != nil {
		t.Fatal(err)
	}

	retry, err := tree.RetryBranch(ctx, chatID, assistant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retry.ParentMessageID != user.ID {
		t.Errorf("retry parent = %s, want %s", retry.ParentMessageID, user.ID)
	}
	if retry.Sequence <= assistant.Sequence {
		t.Errorf("retry sequence %d not after %d", retry.Sequence, assistant.Sequence)
	}
	chat, _ := st.GetChat(ctx, chatID)
	if chat.ActiveLeafMessageID != retry.ID {
		t.Error("active leaf did not move to retry branch")
	}

	// Retrying a user message is rejected.
	if _, err := tree.RetryBranch(ctx, chatID, user.ID); err == nil {
		t.Error("retry of user message accepted")
	}
}

func TestEditUserMessage(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	st.CreateChat(ctx, Chat{ID: "c1"})
	ws := &fakeWorkspace{}
	tree := NewTree(st, WithWorkspace(ws))

	user, assistant, err := tree.StartTurn(ctx, "c1", "original", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Pin a manifest on the original user message so the edited branch
	// re-materializes from it.
	st.SetMessageManifest(ctx, "c1", user.ID, "man-1")

	edited, newAsst, err := tree.EditUserMessage(ctx, "c1", user.ID, "revised", nil)
	if err != nil {
		t.Fatal(err)
	}
	if edited.ParentMessageID != user.ParentMessageID {
		t.Errorf("edited parent = %s", edited.ParentMessageID)
	}
	if edited.Content != "revised" {
		t.Errorf("content = %s", edited.Content)
	}
	if newAsst.ParentMessageID != edited.ID {
		t.Errorf("assistant parent = %s", newAsst.ParentMessageID)
	}

	// Old branch intact.
	if _, err := st.GetMessage(ctx, "c1", assistant.ID); err != nil {
		t.Error("old assistant lost")
	}

	// The edited message has no manifest; the nearest ancestor does not
	// exist (root), so no workspace apply happens for this branch.
	if len(ws.applied) != 0 {
		t.Errorf("applied = %v", ws.applied)
	}
}

func TestEditRematerializesFromAncestor(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	st.CreateChat(ctx, Chat{ID: "c1"})
	ws := &fakeWorkspace{}
	tree := NewTree(st, WithWorkspace(ws))

	_, asst1, err := tree.StartTurn(ctx, "c1", "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	st.SetMessageManifest(ctx, "c1", asst1.ID, "man-1")

	user2, _, err := tree.StartTurn(ctx, "c1", "second", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Editing the second user message walks up to asst1's manifest.
	if _, _, err := tree.EditUserMessage(ctx, "c1", user2.ID, "second revised", nil); err != nil {
		t.Fatal(err)
	}
	if len(ws.applied) != 1 || ws.applied[0] != "c1/man-1" {
		t.Errorf("applied = %v", ws.applied)
	}
}

func TestContinueBranch(t *testing.T) {
	tree, st, chatID := newTestTree(t)
	ctx := context.Background()

	_, assistant, err := tree.StartTurn(ctx, chatID, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	blocks := []ContentBlock{
		{Type: BlockText, Content: "partial answer"},
		{Type: BlockError, Content: "stream died"},
	}
	st.UpdateMessageContent(ctx, chatID, assistant.ID, EncodeBlocks(blocks), false)

	sibling, seed, err := tree.ContinueBranch(ctx, chatID, assistant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) != 1 || seed[0].Type != BlockText {
		t.Errorf("seed = %+v", seed)
	}
	if sibling.ParentMessageID != assistant.ParentMessageID {
		t.Error("sibling has wrong parent")
	}
	got, _ := st.GetMessage(ctx, chatID, sibling.ID)
	decoded, ok := DecodeBlocks(got.Content)
	if !ok || len(decoded) != 1 || decoded[0].Content != "partial answer" {
		t.Errorf("persisted seed = %q", got.Content)
	}
}

func TestContinueBranchWrapsPlainContent(t *testing.T) {
	tree, st, chatID := newTestTree(t)
	ctx := context.Background()

	_, assistant, err := tree.StartTurn(ctx, chatID, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	st.UpdateMessageContent(ctx, chatID, assistant.ID, "plain text answer", false)

	_, seed, err := tree.ContinueBranch(ctx, chatID, assistant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) != 1 || seed[0].Type != BlockText || seed[0].Content != "plain text answer" {
		t.Errorf("seed = %+v", seed)
	}
}

func TestSetActiveLeafRejectsNonLeaf(t *testing.T) {
	tree, _, chatID := newTestTree(t)
	ctx := context.Background()

	user, assistant, err := tree.StartTurn(ctx, chatID, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	var ve *ValidationError
	if err := tree.SetActiveLeaf(ctx, chatID, user.ID); !errors.As(err, &ve) {
		t.Errorf("non-leaf accepted: %v", err)
	}
	if err := tree.SetActiveLeaf(ctx, chatID, assistant.ID); err != nil {
		t.Errorf("leaf rejected: %v", err)
	}
}

func TestMessagePath(t *testing.T) {
	tree, _, chatID := newTestTree(t)
	ctx := context.Background()

	u1, a1, _ := tree.StartTurn(ctx, chatID, "one", nil)
	u2, a2, _ := tree.StartTurn(ctx, chatID, "two", nil)

	path, err := tree.MessagePath(ctx, chatID, a2.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{u1.ID, a1.ID, u2.ID, a2.ID}
	if len(path) != len(want) {
		t.Fatalf("path length = %d", len(path))
	}
	for i, id := range want {
		if path[i].ID != id {
			t.Errorf("path[%d] = %s, want %s", i, path[i].ID, id)
		}
	}
}

func TestMessagePathDetectsCycle(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	st.CreateChat(ctx, Chat{ID: "c1"})
	// Hand-built cycle: a -> b -> a.
	st.messages[msgKey("c1", "a")] = ChatMessage{ID: "a", ChatID: "c1", ParentMessageID: "b"}
	st.messages[msgKey("c1", "b")] = ChatMessage{ID: "b", ChatID: "c1", ParentMessageID: "a"}

	tree := NewTree(st)
	_, err := tree.MessagePath(ctx, "c1", "a")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
}

func TestLeafDescendant(t *testing.T) {
	tree, st, chatID := newTestTree(t)
	ctx := context.Background()

	user, asst1, _ := tree.StartTurn(ctx, chatID, "q", nil)
	retry, _ := tree.RetryBranch(ctx, chatID, asst1.ID)

	// Active path runs through the retry; walking down from the user
	// message follows it.
	leaf, err := tree.LeafDescendant(ctx, chatID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if leaf.ID != retry.ID {
		t.Errorf("leaf = %s, want active-path %s", leaf.ID, retry.ID)
	}

	// Point the active leaf at the first branch; the walk follows it back.
	st.SetActiveLeaf(ctx, chatID, asst1.ID)
	leaf, err = tree.LeafDescendant(ctx, chatID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if leaf.ID != asst1.ID {
		t.Errorf("leaf = %s, want %s", leaf.ID, asst1.ID)
	}
}
