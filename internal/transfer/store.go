package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates a name that would escape the store root.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ValidatePath checks that a received filename is a relative path that stays
// inside the directory it is written to, and returns it cleaned.
func ValidatePath(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(name, "/") {
		return "", ErrDirectoryTraversal
	}
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleaned, nil
}

// DirStore writes received files below a root directory, creating
// intermediate directories as needed.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root, which must be a directory.
func NewDirStore(root string) (*DirStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot access destination directory '%s': %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("destination path '%s' is not a directory", root)
	}
	return &DirStore{root: root}, nil
}

// Put writes data to root/name, replacing an existing file.
func (d *DirStore) Put(name string, data []byte) error {
	rel, err := ValidatePath(name)
	if err != nil {
		return fmt.Errorf("rejecting %q: %w", name, err)
	}
	dst := filepath.Join(d.root, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DirStore.Put",
		"path":     dst,
		"size":     len(data),
	}).Debug("Stored received file")
	return nil
}

// Path returns where name would be stored.
func (d *DirStore) Path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// MemoryStore keeps received files in memory.
type MemoryStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

func (m *MemoryStore) Put(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

// Get returns a stored file.
func (m *MemoryStore) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

// Len returns the number of stored files.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
