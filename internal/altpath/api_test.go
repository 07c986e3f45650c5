package altpath

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pricewatch-io/harvester/internal/engine"
)

func TestAttemptFetchesRecords(t *testing.T) {
	t.Parallel()

	var gotAuth, gotKey, gotTerm string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/records", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.URL.Query().Get("key")
		gotTerm = r.URL.Query().Get("term")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records": [
			{"name": "Widget", "price": "9.99"},
			{"name": "", "price": ""}
		]}`))
	}))
	defer ts.Close()

	client, err := New(Config{BaseURL: ts.URL, APIKey: "secret"})
	require.NoError(t, err)

	item := engine.WorkItem{
		Key:     "grocery:widget:0",
		Payload: engine.Payload{SearchTerm: "widget"},
	}
	rows, err := client.Attempt(context.Background(), item)
	require.NoError(t, err)
	// The all-empty record is filtered out like a placeholder page row.
	require.Len(t, rows, 1)
	require.Equal(t, "Widget", rows[0]["name"])
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "grocery:widget:0", gotKey)
	require.Equal(t, "widget", gotTerm)
}

func TestAttemptNonOKStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	client, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	_, err = client.Attempt(context.Background(), engine.WorkItem{Key: "item-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
}

func TestAttemptHonorsContext(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	client, err := New(Config{BaseURL: ts.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Attempt(ctx, engine.WorkItem{Key: "item-1"})
	require.Error(t, err)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
