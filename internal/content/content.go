// Package content turns files, directories and app archives into the named
// byte buffers a transfer sends.
package content

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"badgexfer/internal/protocol"

	"github.com/zeebo/blake3"
)

// Item is one file ready to be sent.
type Item struct {
	// Name is the path on the badge, slash separated.
	Name string
	Data []byte
	// Digest is the hex BLAKE3-256 of Data.
	Digest string
}

// NewItem validates name and computes the digest of data.
func NewItem(name string, data []byte) (Item, error) {
	if err := protocol.ValidFilename(name); err != nil {
		return Item{}, fmt.Errorf("%q: %w", name, err)
	}
	return Item{Name: name, Data: data, Digest: Digest(data)}, nil
}

// Digest returns the hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Size returns the length of the item's data.
func (i Item) Size() int {
	return len(i.Data)
}

// Join builds a badge path from a prefix and a relative path. An empty
// prefix leaves rel unchanged.
func Join(prefix, rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

// FromFile reads the file at p. An empty name uses the file's base name.
func FromFile(p, name string) (Item, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Item{}, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if name == "" {
		name = filepath.Base(p)
	}
	return NewItem(name, data)
}

// FromDir reads every regular file below dir, skipping dot files and dot
// directories. Items are named prefix/<relative path> and sorted by name.
func FromDir(dir, prefix string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		item, err := FromFile(p, Join(prefix, rel))
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// TotalSize sums the sizes of items.
func TotalSize(items []Item) int64 {
	var n int64
	for _, it := range items {
		n += int64(it.Size())
	}
	return n
}
