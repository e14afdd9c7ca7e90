package blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// ManifestFile is one file pinned by a manifest.
type ManifestFile struct {
	// Path is slash-separated, relative, NFC-normalized.
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest pins the full file state of a chat workspace at one point in the
// conversation. Messages reference manifests by id; branching to a message
// re-materializes the workspace from its manifest.
type Manifest struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	CreatedAt int64          `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// NormalizePath canonicalizes a manifest path: NFC unicode form, forward
// slashes, no leading slash. Rejects absolute paths and traversal so two
// snapshots of the same tree compare equal byte-for-byte.
func NormalizePath(p string) (string, error) {
	p = norm.NFC.String(p)
	p = strings.ReplaceAll(p, "\\", "/")
	clean := filepath.ToSlash(filepath.Clean("/" + p))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("blob: empty manifest path %q", p)
	}
	if strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("blob: path escapes workspace: %q", p)
	}
	return clean, nil
}

// Manifests stores manifests as JSON files next to the blob shards.
type Manifests struct {
	dir string
}

// NewManifests opens (creating if needed) a manifest store rooted at dir.
func NewManifests(dir string) (*Manifests, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create manifest dir: %w", err)
	}
	return &Manifests{dir: dir}, nil
}

// Save assigns the manifest an id if unset, sorts its files by path, and
// persists it. Returns the saved manifest.
func (m *Manifests) Save(manifest Manifest) (Manifest, error) {
	if manifest.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Manifest{}, fmt.Errorf("blob: manifest id: %w", err)
		}
		manifest.ID = id.String()
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("blob: encode manifest: %w", err)
	}
	final := filepath.Join(m.dir, manifest.ID+".json")
	tmp, err := os.CreateTemp(m.dir, ".manifest-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("blob: temp manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Manifest{}, fmt.Errorf("blob: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Manifest{}, fmt.Errorf("blob: close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return Manifest{}, fmt.Errorf("blob: rename manifest: %w", err)
	}
	return manifest, nil
}

// Load reads a manifest by id.
func (m *Manifests) Load(id string) (Manifest, error) {
	if strings.ContainsAny(id, "/\\") || id == "" {
		return Manifest{}, fmt.Errorf("blob: malformed manifest id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if os.IsNotExist(err) {
		return Manifest{}, fmt.Errorf("blob: manifest %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("blob: decode manifest %s: %w", id, err)
	}
	return manifest, nil
}
