package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aozorahub/imagecache/internal/catalog"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func insertItem(t *testing.T, db *sql.DB, id string, year int, coverURL, avatarURL string) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO items (id, title, release_year, cover_url, avatar_url) VALUES (?, ?, ?, ?, ?)`,
		id, "item "+id, year, coverURL, avatarURL,
	)
	require.NoError(t, err)
}

func TestItemRepository_ListImageRefs(t *testing.T) {
	db := newTestDB(t)
	repo := NewItemRepository(db)

	insertItem(t, db, "1", 2023, "http://img/cover1", "http://img/avatar1")
	insertItem(t, db, "2", 2023, "http://img/cover2", "")
	insertItem(t, db, "3", 2024, "", "http://img/avatar3")

	refs, err := repo.ListImageRefs(context.Background(), nil)
	require.NoError(t, err)

	// One ref per non-empty URL: 2 covers + 2 avatars.
	assert.Len(t, refs, 4)

	byKey := make(map[string]catalog.ImageRef, len(refs))
	for _, ref := range refs {
		byKey[ref.Key()] = ref
	}

	assert.Equal(t, "http://img/cover1", byKey["covers:1"].URL)
	assert.Equal(t, "http://img/avatar1", byKey["avatars:1"].URL)
	assert.Equal(t, "http://img/cover2", byKey["covers:2"].URL)
	assert.Equal(t, "http://img/avatar3", byKey["avatars:3"].URL)
	assert.NotContains(t, byKey, "avatars:2")
	assert.NotContains(t, byKey, "covers:3")

	assert.Equal(t, 2023, byKey["covers:1"].Year)
	assert.Equal(t, 2024, byKey["avatars:3"].Year)
}

func TestItemRepository_ListImageRefsFilteredByYear(t *testing.T) {
	db := newTestDB(t)
	repo := NewItemRepository(db)

	insertItem(t, db, "1", 2023, "http://img/cover1", "")
	insertItem(t, db, "2", 2024, "http://img/cover2", "")

	year := 2023
	refs, err := repo.ListImageRefs(context.Background(), &year)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "covers:1", refs[0].Key())
}

func TestItemRepository_ListImageRefsEmptyCatalog(t *testing.T) {
	repo := NewItemRepository(newTestDB(t))

	refs, err := repo.ListImageRefs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestItemRepository_NullURLColumns(t *testing.T) {
	db := newTestDB(t)
	repo := NewItemRepository(db)

	_, err := db.Exec(`INSERT INTO items (id, title) VALUES ('1', 'nulls everywhere')`)
	require.NoError(t, err)

	refs, err := repo.ListImageRefs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestInstrumentedItemRepository_PassesThrough(t *testing.T) {
	db := newTestDB(t)
	insertItem(t, db, "1", 2023, "http://img/cover1", "")

	// A nil telemetry receiver must not get in the way.
	repo := NewInstrumentedItemRepository(db, nil)

	refs, err := repo.ListImageRefs(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}
