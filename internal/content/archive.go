package content

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxArchiveEntry bounds a single file unpacked from an archive.
const MaxArchiveEntry = 4 << 20

var (
	ErrUnknownArchive = errors.New("archive is neither gzip nor zstd compressed")
	ErrUnsafeEntry    = errors.New("archive entry escapes its directory")
	ErrEntryTooLarge  = errors.New("archive entry too large")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// FromTarGz unpacks a gzip compressed tar stream. Regular files become items
// named prefix/<entry path>; everything else is skipped.
func FromTarGz(r io.Reader, prefix string) ([]Item, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()
	return fromTar(zr, prefix)
}

// FromTarZst unpacks a zstd compressed tar stream.
func FromTarZst(r io.Reader, prefix string) ([]Item, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer zr.Close()
	return fromTar(zr, prefix)
}

// FromArchive picks the decompressor from the stream's magic bytes.
func FromArchive(r io.Reader, prefix string) ([]Item, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && len(head) < len(gzipMagic) {
		return nil, fmt.Errorf("failed to read archive header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FromTarGz(br, prefix)
	case bytes.HasPrefix(head, zstdMagic):
		return FromTarZst(br, prefix)
	default:
		return nil, ErrUnknownArchive
	}
}

func fromTar(r io.Reader, prefix string) ([]Item, error) {
	tr := tar.NewReader(r)
	var items []Item

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("%s: %w", hdr.Name, ErrUnsafeEntry)
		}
		if path.Base(name)[0] == '.' {
			continue
		}
		if hdr.Size > MaxArchiveEntry {
			return nil, fmt.Errorf("%s (%d bytes): %w", hdr.Name, hdr.Size, ErrEntryTooLarge)
		}

		data, err := io.ReadAll(io.LimitReader(tr, MaxArchiveEntry))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		item, err := NewItem(Join(prefix, name), data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}
