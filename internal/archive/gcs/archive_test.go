package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/crawl-logs/o")
		assert.Equal(t, "isuzu/abc.log", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "Spider closed")
		fmt.Fprintln(w, `{"name":"isuzu/abc.log","bucket":"crawl-logs"}`)
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	archive, err := New(client, Config{Bucket: "crawl-logs"})
	require.NoError(t, err)

	uri, err := archive.PutObject(context.Background(), "isuzu/abc.log", "text/plain", []byte("Spider closed"))
	require.NoError(t, err)
	assert.Equal(t, "gs://crawl-logs/isuzu/abc.log", uri)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
