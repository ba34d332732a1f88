package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		input   string
		want    Category
		wantErr bool
	}{
		{"covers", CategoryCovers, false},
		{"avatars", CategoryAvatars, false},
		{"posters", "", true},
		{"", "", true},
		{"Covers", "", true},
		{"orphaned_covers", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCategory(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidCategory)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCategory_OrphanDir(t *testing.T) {
	assert.Equal(t, "orphaned_covers", CategoryCovers.OrphanDir())
	assert.Equal(t, "orphaned_avatars", CategoryAvatars.OrphanDir())
}

func TestImageRef_Key(t *testing.T) {
	ref := ImageRef{URL: "http://img/1", Category: CategoryCovers, OwnerID: "42"}
	assert.Equal(t, "covers:42", ref.Key())

	// The key ignores the URL: a changed upstream URL is still the same item.
	moved := ref
	moved.URL = "http://img/other"
	assert.Equal(t, ref.Key(), moved.Key())
}
