package catalog

import (
	"context"
	"fmt"
)

// Category is the top-level partition of stored images.
type Category string

const (
	CategoryCovers  Category = "covers"
	CategoryAvatars Category = "avatars"
)

// Categories lists every known category in a stable order.
var Categories = []Category{CategoryCovers, CategoryAvatars}

// ParseCategory validates transport input before it ever touches the filesystem.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryCovers, CategoryAvatars:
		return Category(s), nil
	}

	return "", fmt.Errorf("%w: %s", ErrInvalidCategory, s)
}

// OrphanDir returns the directory name holding files that are no longer
// referenced by any catalog item.
func (c Category) OrphanDir() string {
	return "orphaned_" + string(c)
}

func (c Category) String() string {
	return string(c)
}

// ImageRef identifies one wanted image derived from the item catalog.
// It is immutable and never persisted; the catalog rows are the source of truth.
type ImageRef struct {
	URL      string
	Category Category
	OwnerID  string
	Year     int
}

// Key identifies the ref inside a run's ledger. Two refs for the same owner
// and category are the same logical item even if the URL changed upstream.
func (r ImageRef) Key() string {
	return string(r.Category) + ":" + r.OwnerID
}

// Catalog enumerates the images the downloader should have locally.
type Catalog interface {
	// ListImageRefs returns refs for every item, filtered to a single year
	// when year is non-nil.
	ListImageRefs(ctx context.Context, year *int) ([]ImageRef, error)
}
