package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestArchiveUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	local := filepath.Join(t.TempDir(), "2025_85.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF-1.4 archived"), 0o600))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/attachments/o")
		assert.Equal(t, "legiswatch/avulso/2025_85.pdf", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "%PDF-1.4 archived")
		assert.Contains(t, string(body), "text/xml")

		fmt.Fprintln(w, `{ "name": "legiswatch/avulso/2025_85.pdf", "bucket": "attachments" }`)
	})

	store := newTestStore(t, handler, Config{Bucket: "attachments", Prefix: "/legiswatch/"})
	uri, err := store.Archive(context.Background(), local, "avulso/2025_85.pdf", "text/xml")
	require.NoError(t, err)
	assert.Equal(t, "gs://attachments/legiswatch/avulso/2025_85.pdf", uri)
}

func TestArchiveServerError(t *testing.T) {
	t.Parallel()

	local := filepath.Join(t.TempDir(), "x.pdf")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "attachments"})
	_, err := store.Archive(context.Background(), local, "x.pdf", "")
	assert.Error(t, err)
}

func TestArchiveMissingFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler(), Config{Bucket: "attachments"})
	_, err := store.Archive(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"), "missing.pdf", "application/pdf")
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	assert.Error(t, err)
}
