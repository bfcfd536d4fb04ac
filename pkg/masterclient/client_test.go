package masterclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTask_ReturnsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/build_tasks/get_task", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task": map[string]any{
				"id":       42,
				"build_id": 7,
				"arch":     "x86_64",
				"ref":      map[string]any{"url": "https://git/repo", "kind": "git"},
				"platform": map[string]any{"name": "el9", "type": "rpm"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api", "secret-token", "node-1", time.Second)
	require.NoError(t, err)

	task, ok, err := c.GetTask(context.Background(), []string{"x86_64"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, task.ID)
	assert.Equal(t, types.RefKindGit, task.Ref.Kind)
	assert.Equal(t, types.PlatformRPM, task.Platform.Type)
}

func TestGetTask_NoContentMeansNoTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	task, ok, err := c.GetTask(context.Background(), []string{"x86_64"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, task)
}

func TestBuildDone_409IsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	err = c.BuildDone(context.Background(), 1, types.TaskStatusDone, nil, "")
	assert.NoError(t, err)
}

func TestCall_RetriesOnRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "node-1", 5*time.Second)
	require.NoError(t, err)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond

	err = c.Ping(context.Background(), nil)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestCall_NonRetryableErrorStops(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	err = c.Ping(context.Background(), nil)
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestCheckRetry_ConflictNeverRetried(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusConflict}
	retry, err := checkRetry(context.Background(), resp, nil)
	assert.NoError(t, err)
	assert.False(t, retry)
}
