package buildersupervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/buildnode/pkg/masterclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ taskID int64 }

func (f fakeSource) CurrentTaskID() int64 { return f.taskID }

func TestActiveTasks_FiltersIdleWorkers(t *testing.T) {
	s := &Supervisor{workers: []TaskSource{fakeSource{0}, fakeSource{7}, fakeSource{0}, fakeSource{9}}}
	assert.ElementsMatch(t, []int64{7, 9}, s.activeTasks())
}

func TestRun_PingsUntilCancelled(t *testing.T) {
	var pings int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pings, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	master, err := masterclient.New(srv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	s := New(master, []TaskSource{fakeSource{5}})
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = s.Run(ctx)
	assert.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&pings), int32(0))
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	master, err := masterclient.New(srv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	s := New(master, nil)
	s.interval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = s.Run(ctx)
	assert.NoError(t, err)
}
