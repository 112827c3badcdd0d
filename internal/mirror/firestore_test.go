package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type fakeFirestore struct {
	mu      sync.Mutex
	commits []map[string]any
	lists   []string
}

func (f *fakeFirestore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/documents:commit"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.commits = append(f.commits, body)
		_, _ = w.Write([]byte(`{"writeResults":[{"updateTime":"2025-01-02T03:04:05Z"}],"commitTime":"2025-01-02T03:04:05Z"}`))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/documents/users/u1/items"):
		f.lists = append(f.lists, r.URL.Query().Get("pageToken"))
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"documents":[{
				"name":"projects/p/databases/(default)/documents/users/u1/items/b1_a.png",
				"fields":{
					"title":{"stringValue":"Dance card"},
					"processed":{"integerValue":"4"},
					"processed_at":{"timestampValue":"2025-01-02T03:04:05Z"},
					"raw_metadata":{"mapValue":{"fields":{"printer":{"stringValue":"Teich"}}}}
				}}],"nextPageToken":"page2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"documents":[{"name":"projects/p/databases/(default)/documents/users/u1/items/b1_b.png","fields":{"title":{"stringValue":"Ticket"}}}]}`))
	default:
		http.NotFound(w, r)
	}
}

func newFakeRemote(t *testing.T) (*FirestoreRemote, *fakeFirestore) {
	t.Helper()
	fake := &fakeFirestore{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	remote, err := NewFirestoreRemote(context.Background(), "p", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return remote, fake
}

func TestFirestoreRemote_Put(t *testing.T) {
	remote, fake := newFakeRemote(t)

	err := remote.Put(context.Background(), "users/u1/batches", "b1", map[string]any{
		"batch_id":   "b1",
		"processed":  int64(0),
		"created_at": time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		"nested":     map[string]any{"flag": false},
	})
	require.NoError(t, err)

	require.Len(t, fake.commits, 1)
	writes := fake.commits[0]["writes"].([]any)
	require.Len(t, writes, 1)
	write := writes[0].(map[string]any)

	update := write["update"].(map[string]any)
	assert.Equal(t, "projects/p/databases/(default)/documents/users/u1/batches/b1", update["name"])
	fields := update["fields"].(map[string]any)
	assert.Equal(t, map[string]any{"stringValue": "b1"}, fields["batch_id"])
	assert.Equal(t, map[string]any{"integerValue": "0"}, fields["processed"])
	assert.Equal(t, map[string]any{"timestampValue": "2025-01-02T03:04:05Z"}, fields["created_at"])
	nested := fields["nested"].(map[string]any)["mapValue"].(map[string]any)["fields"].(map[string]any)
	assert.Equal(t, map[string]any{"booleanValue": false}, nested["flag"])

	transforms := write["updateTransforms"].([]any)
	require.Len(t, transforms, 1)
	assert.Equal(t, ServerTimeField, transforms[0].(map[string]any)["fieldPath"])
	assert.Equal(t, "REQUEST_TIME", transforms[0].(map[string]any)["setToServerValue"])
}

func TestFirestoreRemote_ListPages(t *testing.T) {
	remote, fake := newFakeRemote(t)

	docs, err := remote.List(context.Background(), "users/u1/items")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, []string{"", "page2"}, fake.lists)

	assert.Equal(t, "b1_a.png", docs[0].ID)
	assert.Equal(t, "Dance card", docs[0].Fields["title"])
	assert.Equal(t, int64(4), docs[0].Fields["processed"])
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), docs[0].Fields["processed_at"])
	assert.Equal(t, map[string]any{"printer": "Teich"}, docs[0].Fields["raw_metadata"])
	assert.Equal(t, "b1_b.png", docs[1].ID)
}

func TestNewFirestoreRemote_RequiresProject(t *testing.T) {
	_, err := NewFirestoreRemote(context.Background(), "", "", option.WithoutAuthentication())
	assert.Error(t, err)
}
