package blob

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ChatSpace manages the per-chat workspace directories backed by the blob
// store: snapshot the current file state into a manifest, and re-materialize
// a directory from a manifest when the conversation branches.
type ChatSpace struct {
	root      string
	blobs     *Store
	manifests *Manifests
	logger    *slog.Logger
}

// ChatSpaceOption configures a ChatSpace.
type ChatSpaceOption func(*ChatSpace)

// WithChatSpaceLogger sets the structured logger.
func WithChatSpaceLogger(l *slog.Logger) ChatSpaceOption {
	return func(c *ChatSpace) { c.logger = l }
}

// NewChatSpace builds a workspace manager. Workspaces live at
// <root>/<chat id>.
func NewChatSpace(root string, blobs *Store, manifests *Manifests, opts ...ChatSpaceOption) (*ChatSpace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create workspace root: %w", err)
	}
	c := &ChatSpace{root: root, blobs: blobs, manifests: manifests, logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns (creating if needed) the chat's workspace directory.
func (c *ChatSpace) Dir(chatID string) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("blob: empty chat id")
	}
	dir := filepath.Join(c.root, chatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create workspace: %w", err)
	}
	return dir, nil
}

// Snapshot walks the chat's workspace, stores every file's content in the
// blob store, and saves a manifest pinning the state.
func (c *ChatSpace) Snapshot(ctx context.Context, chatID string) (Manifest, error) {
	dir, err := c.Dir(chatID)
	if err != nil {
		return Manifest{}, err
	}
	manifest := Manifest{ChatID: chatID, CreatedAt: time.Now().Unix()}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		normalized, err := NormalizePath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hash, err := c.blobs.Put(data)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Path: normalized,
			Hash: hash,
			Size: int64(len(data)),
		})
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	saved, err := c.manifests.Save(manifest)
	if err != nil {
		return Manifest{}, err
	}
	c.logger.Debug("blob: snapshot taken", "chat_id", chatID, "manifest_id", saved.ID, "files", len(saved.Files))
	return saved, nil
}

// Apply rewrites the chat's workspace to exactly match a manifest: files in
// the manifest are written from the blob store, files not in it are removed.
// Implements the tree's workspace writer.
func (c *ChatSpace) Apply(ctx context.Context, chatID, manifestID string) error {
	manifest, err := c.manifests.Load(manifestID)
	if err != nil {
		return err
	}
	dir, err := c.Dir(chatID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(manifest.Files))
	for _, f := range manifest.Files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		normalized, err := NormalizePath(f.Path)
		if err != nil {
			return err
		}
		keep[normalized] = true
		data, err := c.blobs.Get(f.Hash)
		if err != nil {
			return fmt.Errorf("blob: manifest %s file %s: %w", manifestID, f.Path, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(normalized))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(dst), ".apply-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			os.Remove(tmp.Name())
			return err
		}
	}

	// Second pass: drop everything the manifest does not pin.
	var stale []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		normalized, err := NormalizePath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if !keep[normalized] {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	removeEmptyDirs(dir)

	c.logger.Debug("blob: workspace applied",
		"chat_id", chatID, "manifest_id", manifestID, "files", len(manifest.Files), "removed", len(stale))
	return nil
}

// StoreAttachment writes an attachment's bytes into the blob store and the
// chat workspace under its (normalized) name, returning the blob hash.
func (c *ChatSpace) StoreAttachment(chatID, name string, data []byte) (string, error) {
	hash, err := c.blobs.Put(data)
	if err != nil {
		return "", err
	}
	normalized, err := NormalizePath(name)
	if err != nil {
		return "", err
	}
	dir, err := c.Dir(chatID)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.FromSlash(normalized))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return hash, nil
}

// removeEmptyDirs prunes directories left empty after stale files were
// removed. Best effort; the walk order guarantees children before parents.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i]) // fails while non-empty, which is fine
	}
}
