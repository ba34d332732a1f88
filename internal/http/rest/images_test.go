package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aozorahub/imagecache/internal/catalog"
	"github.com/aozorahub/imagecache/internal/downloader"
	"github.com/aozorahub/imagecache/internal/imagestore"
	"github.com/aozorahub/imagecache/internal/ledger"
)

type mockOrchestrator struct {
	startErr  error
	clearErr  error
	stats     ledger.DownloadStatus
	startYear *int
	started   bool
	cleared   bool
}

func (m *mockOrchestrator) Start(ctx context.Context, year *int) error {
	m.started = true
	m.startYear = year

	return m.startErr
}

func (m *mockOrchestrator) Stats() ledger.DownloadStatus {
	return m.stats
}

func (m *mockOrchestrator) Clear(ctx context.Context) error {
	m.cleared = true

	return m.clearErr
}

type mockResolver struct {
	path     string
	err      error
	resolved bool
}

func (m *mockResolver) Resolve(ctx context.Context, category catalog.Category, hash string) (string, error) {
	m.resolved = true

	return m.path, m.err
}

func serve(t *testing.T, handler *ImageHandler, method, target string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()

	handler.Routes().ServeHTTP(rec, req)

	var body apiResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}

	return rec, body
}

func TestHandleStart(t *testing.T) {
	orch := &mockOrchestrator{}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/start")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "success", body.Status)
	assert.True(t, orch.started)
	assert.Nil(t, orch.startYear)
}

func TestHandleStart_WithYear(t *testing.T) {
	orch := &mockOrchestrator{}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/start?year=2023")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, body.Message, "2023")
	require.NotNil(t, orch.startYear)
	assert.Equal(t, 2023, *orch.startYear)
}

func TestHandleStart_InvalidYear(t *testing.T) {
	orch := &mockOrchestrator{}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/start?year=twenty")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", body.Status)
	assert.False(t, orch.started)
}

func TestHandleStart_RunInProgress(t *testing.T) {
	orch := &mockOrchestrator{startErr: downloader.ErrRunInProgress}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/start")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "error", body.Status)
}

func TestHandleStart_EnumerationFailure(t *testing.T) {
	orch := &mockOrchestrator{startErr: errors.New("failed to enumerate catalog: db locked")}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/start")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body.Message, "db locked")
}

func TestHandleStatus(t *testing.T) {
	orch := &mockOrchestrator{stats: ledger.DownloadStatus{
		Total:     3,
		Succeeded: 1,
		Failed:    1,
		Skipped:   1,
		Items: map[string]ledger.ItemStatus{
			"covers:1": {Outcome: ledger.OutcomeSucceeded, Hash: "abc"},
		},
	}}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodGet, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body.Status)

	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), data["total"])
	assert.Equal(t, float64(1), data["succeeded"])
}

func TestHandleClear(t *testing.T) {
	orch := &mockOrchestrator{}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/clear")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body.Status)
	assert.True(t, orch.cleared)

	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "download_status.json", data["status_file"])

	paths, ok := data["cleared_paths"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{
		filepath.Join("images", "covers"),
		filepath.Join("images", "avatars"),
		filepath.Join("images", "orphaned_covers"),
		filepath.Join("images", "orphaned_avatars"),
	}, paths)
}

func TestHandleClear_RunInProgress(t *testing.T) {
	orch := &mockOrchestrator{clearErr: downloader.ErrRunInProgress}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/clear")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "error", body.Status)
}

func TestHandleClear_PartialFailure(t *testing.T) {
	orch := &mockOrchestrator{clearErr: errors.New("delete covers: permission denied")}
	handler := NewImageHandler(orch, &mockResolver{}, nil)

	rec, body := serve(t, handler, http.MethodPost, "/clear")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body.Message, "permission denied")
}

func TestHandleLocalImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc.jpg")
	require.NoError(t, os.WriteFile(path, append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 16)...), 0644))

	resolver := &mockResolver{path: path}
	handler := NewImageHandler(&mockOrchestrator{}, resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/local/covers/abc", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.True(t, resolver.resolved)
}

func TestHandleLocalImage_InvalidCategory(t *testing.T) {
	resolver := &mockResolver{}
	handler := NewImageHandler(&mockOrchestrator{}, resolver, nil)

	rec, body := serve(t, handler, http.MethodGet, "/local/posters/abc")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", body.Status)
	assert.False(t, resolver.resolved, "invalid categories must be rejected before any lookup")
}

func TestHandleLocalImage_NotFound(t *testing.T) {
	resolver := &mockResolver{err: imagestore.ErrNotFound}
	handler := NewImageHandler(&mockOrchestrator{}, resolver, nil)

	rec, body := serve(t, handler, http.MethodGet, "/local/covers/deadbeef")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", body.Status)
}

func TestHandleLocalImage_ResolveFailure(t *testing.T) {
	resolver := &mockResolver{err: errors.New("io error")}
	handler := NewImageHandler(&mockOrchestrator{}, resolver, nil)

	rec, body := serve(t, handler, http.MethodGet, "/local/covers/deadbeef")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", body.Status)
}

func TestMediaTypeForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a/b/abc.jpg", "image/jpeg"},
		{"a/b/abc.jpeg", "image/jpeg"},
		{"a/b/abc.png", "image/png"},
		{"a/b/abc.webp", "image/webp"},
		{"a/b/abc.gif", "image/gif"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, mediaTypeForPath(tt.path))
		})
	}
}
