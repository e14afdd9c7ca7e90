// Package blob provides content-addressed file storage for chats: a
// sha256-keyed blob store, file manifests that pin a workspace state to a
// message, and the per-chat workspace directories materialized from them.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Store is a content-addressed blob store on the local filesystem. Blobs
// live at <root>/<first two hex chars>/<hash>; writes go through a temp
// file and rename so a crash never leaves a partial blob under its final
// name. Identical content stores once.
type Store struct {
	root   string
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore opens (creating if needed) a blob store rooted at dir.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	s := &Store{root: dir, logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put stores data and returns its hex sha256 hash. Storing content that
// already exists is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	final := s.path(hash)
	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("blob: shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("blob: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	s.logger.Debug("blob: stored", "hash", hash, "bytes", len(data))
	return hash, nil
}

// PutReader stores a stream, hashing while spooling through a temp file.
func (s *Store) PutReader(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("blob: temp file: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: close: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	final := s.path(hash)
	if _, err := os.Stat(final); err == nil {
		os.Remove(tmp.Name())
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: shard dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return hash, nil
}

// Get reads a blob by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob: %s: %w", hash, ErrNotFound)
	}
	return data, err
}

// Has reports whether a blob exists.
func (s *Store) Has(hash string) bool {
	if checkHash(hash) != nil {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// checkHash rejects anything that is not a lowercase hex sha256, keeping
// path construction safe.
func checkHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("blob: malformed hash %q", hash)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("blob: malformed hash %q", hash)
		}
	}
	return nil
}
