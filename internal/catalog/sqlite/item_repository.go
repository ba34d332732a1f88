package sqlite

import (
	"context"
	"database/sql"

	"github.com/aozorahub/imagecache/internal/catalog"
)

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(dbConn *sql.DB) *ItemRepository {
	return &ItemRepository{db: dbConn}
}

// ListImageRefs returns one reference per non-empty image URL on each catalog
// item. A nil year lists the whole catalog; otherwise only items released in
// that year are considered.
func (r *ItemRepository) ListImageRefs(ctx context.Context, year *int) ([]catalog.ImageRef, error) {
	query := `SELECT id, release_year, cover_url, avatar_url FROM items`
	args := []any{}

	if year != nil {
		query += ` WHERE release_year = ?`
		args = append(args, *year)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []catalog.ImageRef

	for rows.Next() {
		var (
			id          string
			releaseYear sql.NullInt64
			coverURL    sql.NullString
			avatarURL   sql.NullString
		)

		if err := rows.Scan(&id, &releaseYear, &coverURL, &avatarURL); err != nil {
			return nil, err
		}

		var itemYear int
		if releaseYear.Valid {
			itemYear = int(releaseYear.Int64)
		}

		if coverURL.Valid && coverURL.String != "" {
			refs = append(refs, catalog.ImageRef{
				URL:      coverURL.String,
				Category: catalog.CategoryCovers,
				OwnerID:  id,
				Year:     itemYear,
			})
		}

		if avatarURL.Valid && avatarURL.String != "" {
			refs = append(refs, catalog.ImageRef{
				URL:      avatarURL.String,
				Category: catalog.CategoryAvatars,
				OwnerID:  id,
				Year:     itemYear,
			})
		}
	}

	return refs, rows.Err()
}
