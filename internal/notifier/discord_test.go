package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_RunFinished(t *testing.T) {
	var (
		gotMethod      string
		gotContentType string
		gotBody        []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := &DiscordNotifier{WebhookURL: server.URL, Client: server.Client()}

	err := n.RunFinished(context.Background(), RunSummary{
		RunID:     "run-1",
		Succeeded: 2,
		Failed:    1,
		Skipped:   1,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Contains(t, payload["content"], "run-1")
	assert.Contains(t, payload["content"], "2 succeeded")
	assert.Contains(t, payload["content"], "1 failed")
	assert.Contains(t, payload["content"], "1 skipped")
}

func TestDiscordNotifier_ItemFailed(t *testing.T) {
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	n := &DiscordNotifier{WebhookURL: server.URL, Client: server.Client()}

	err := n.ItemFailed(context.Background(), "covers:42", errors.New("timeout fetching http://img/42"))
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Contains(t, payload["content"], "covers:42")
	assert.Contains(t, payload["content"], "timeout")
}

func TestDiscordNotifier_WebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	n := &DiscordNotifier{WebhookURL: server.URL, Client: server.Client()}

	err := n.ItemFailed(context.Background(), "covers:1", errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestDiscordNotifier_MissingWebhookURL(t *testing.T) {
	n := &DiscordNotifier{}

	err := n.ItemFailed(context.Background(), "covers:1", errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL")
}
