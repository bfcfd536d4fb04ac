package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_FullHandshake(t *testing.T) {
	var pollCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "handle-1"})
	})
	mux.HandleFunc("/uploads/handle-1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.NotEmpty(t, r.Header.Get("Content-Range"))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			pollCount++
			status := "processing"
			if pollCount >= 2 {
				status = "complete"
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "href": "/blobs/abc"})
		}
	})
	mux.HandleFunc("/uploads/handle-1/commit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	up, err := New(srv.URL, "tok", 4, 1*time.Millisecond)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.rpm")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	artifact, err := up.Upload(context.Background(), types.Artifact{Name: "pkg.rpm", LocalPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/blobs/abc", artifact.Href)
	assert.Len(t, artifact.SHA256, 64)
}

func TestUpload_MissingFile(t *testing.T) {
	up, err := New("http://example.invalid", "", 0, 0)
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), types.Artifact{LocalPath: "/does/not/exist"})
	assert.Error(t, err)
	var uploadErr *types.UploadError
	assert.ErrorAs(t, err, &uploadErr)
}

func TestUploadAll_ContinuesPastFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	up, err := New(srv.URL, "", 0, time.Millisecond)
	require.NoError(t, err)

	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.log")
	require.NoError(t, os.WriteFile(ok, []byte("log"), 0o644))

	_, err = up.UploadAll(context.Background(), []types.Artifact{
		{LocalPath: ok},
		{LocalPath: "/missing/file"},
	})
	assert.Error(t, err)
}

func TestCompressLog(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "build.log")
	require.NoError(t, os.WriteFile(src, []byte("line one\nline two\n"), 0o644))

	gzPath, err := CompressLog(src)
	require.NoError(t, err)
	assert.Equal(t, src+".gz", gzPath)
	assert.FileExists(t, gzPath)
	assert.NoFileExists(t, src)
}
