package imagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aozorahub/imagecache/internal/catalog"
	"github.com/aozorahub/imagecache/internal/logctx"
	"github.com/dustin/go-humanize"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// ErrNotFound is returned by Resolve when no file exists for a hash.
var ErrNotFound = errors.New("image not found")

// probeExtensions is the fixed order Resolve tries when locating a hash on
// disk. The write invariant guarantees at most one of them exists; if several
// do, the first match wins and the violation is logged.
var probeExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// StoredImage describes one content-addressed file on disk.
type StoredImage struct {
	Hash     string
	Category catalog.Category
	Ext      string
	Path     string
	Size     int64

	// Existed reports that the bytes were already stored and the write was a no-op.
	Existed bool
}

// Store is a content-addressed image store. Files live under
// <root>/<category>/<hash[:2]>/<hash><ext> and are immutable once written:
// writes go to a temp file and are renamed into place, so readers never
// observe partial content.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory all categories live under.
func (s *Store) Root() string {
	return s.root
}

// Write persists data under its SHA-256 content hash. Writing the same bytes
// twice is a no-op after the first: the existing file is returned with
// Existed set, regardless of which extension it was stored with.
func (s *Store) Write(ctx context.Context, category catalog.Category, data []byte) (StoredImage, error) {
	logger := logctx.LoggerFromContext(ctx)

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.Resolve(ctx, category, hash); err == nil {
		return StoredImage{
			Hash:     hash,
			Category: category,
			Ext:      filepath.Ext(existing),
			Path:     existing,
			Size:     int64(len(data)),
			Existed:  true,
		}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return StoredImage{}, fmt.Errorf("failed to probe existing image: %w", err)
	}

	ext := extensionFor(data)
	dir := filepath.Join(s.root, string(category), hash[:2])

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return StoredImage{}, fmt.Errorf("failed to create image directory: %w", err)
	}

	target := filepath.Join(dir, hash+ext)

	tmp, err := os.CreateTemp(dir, "."+hash+".tmp-*")
	if err != nil {
		return StoredImage{}, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return StoredImage{}, fmt.Errorf("failed to write image bytes: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return StoredImage{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		os.Remove(tmp.Name())

		return StoredImage{}, fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())

		return StoredImage{}, fmt.Errorf("failed to move image into place: %w", err)
	}

	logger.Debug("stored image",
		"category", category,
		"hash", hash,
		"size", humanize.Bytes(uint64(len(data))),
	)

	return StoredImage{
		Hash:     hash,
		Category: category,
		Ext:      ext,
		Path:     target,
		Size:     int64(len(data)),
	}, nil
}

// Resolve returns the on-disk path for a hash, probing extensions in the
// documented fixed order. Returns ErrNotFound when the subdirectory is absent
// or no extension matches. The hash arrives from the URL path, so anything
// that is not lowercase hex is rejected before it can touch the filesystem.
func (s *Store) Resolve(ctx context.Context, category catalog.Category, hash string) (string, error) {
	if !validHash(hash) {
		return "", ErrNotFound
	}

	dir := filepath.Join(s.root, string(category), hash[:2])
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("failed to stat image directory: %w", err)
	}

	var matches []string

	for _, ext := range probeExtensions {
		path := filepath.Join(dir, hash+ext)
		if _, err := os.Stat(path); err == nil {
			matches = append(matches, path)
		}
	}

	if len(matches) == 0 {
		return "", ErrNotFound
	}

	// Should not happen: Write keeps at most one file per (category, hash).
	if len(matches) > 1 {
		logctx.LoggerFromContext(ctx).Warn("multiple extensions on disk for one hash",
			"category", category,
			"hash", hash,
			"matches", len(matches),
		)
	}

	return matches[0], nil
}

// ListHashes enumerates every hash currently stored under a category.
func (s *Store) ListHashes(category catalog.Category) (map[string]struct{}, error) {
	return s.listHashesIn(filepath.Join(s.root, string(category)))
}

// ListOrphanedHashes enumerates hashes previously moved aside by the orphan sweep.
func (s *Store) ListOrphanedHashes(category catalog.Category) (map[string]struct{}, error) {
	return s.listHashesIn(filepath.Join(s.root, category.OrphanDir()))
}

func (s *Store) listHashesIn(dir string) (map[string]struct{}, error) {
	hashes := make(map[string]struct{})

	subdirs, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return hashes, nil
		}

		return nil, fmt.Errorf("failed to read category directory: %w", err)
	}

	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(dir, sub.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read shard directory %s: %w", sub.Name(), err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			name := entry.Name()
			hashes[strings.TrimSuffix(name, filepath.Ext(name))] = struct{}{}
		}
	}

	return hashes, nil
}

// MoveToOrphaned relocates a stored file into the category's orphan
// directory, preserving the two-level layout.
func (s *Store) MoveToOrphaned(ctx context.Context, category catalog.Category, hash string) error {
	src, err := s.Resolve(ctx, category, hash)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, category.OrphanDir(), hash[:2])
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create orphan directory: %w", err)
	}

	if err := os.Rename(src, filepath.Join(dir, filepath.Base(src))); err != nil {
		return fmt.Errorf("failed to move image to orphan directory: %w", err)
	}

	return nil
}

// DeleteAll removes a category's entire tree. Used only by the clear path.
func (s *Store) DeleteAll(category catalog.Category) error {
	return os.RemoveAll(filepath.Join(s.root, string(category)))
}

// DeleteOrphaned removes a category's orphan tree. Used only by the clear path.
func (s *Store) DeleteOrphaned(category catalog.Category) error {
	return os.RemoveAll(filepath.Join(s.root, category.OrphanDir()))
}

// validHash reports whether hash looks like a hex content digest long enough
// to shard into a two-level directory.
func validHash(hash string) bool {
	if len(hash) < 2 {
		return false
	}

	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// extensionFor picks a file extension from the sniffed content type,
// defaulting to .jpg when the bytes are not a recognized image format.
func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}

	return ".jpg"
}
