package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/masterclient"
	"github.com/cuemby/buildnode/pkg/types"
	"github.com/cuemby/buildnode/pkg/uploader"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlyLogs_FiltersNonLogArtifacts(t *testing.T) {
	artifacts := []types.Artifact{
		{Name: "pkg.rpm", Type: types.ArtifactRPM},
		{Name: "build.log", Type: types.ArtifactBuildLog},
		{Name: "root.log", Type: types.ArtifactBuildLog},
		{Name: "pkg.srpm", Type: types.ArtifactSRPM},
	}

	logs := onlyLogs(artifacts)

	assert.Len(t, logs, 2)
	for _, a := range logs {
		assert.Equal(t, types.ArtifactBuildLog, a.Type)
	}
}

func TestOnlyLogs_EmptyInput(t *testing.T) {
	assert.Nil(t, onlyLogs(nil))
}

func TestEnvironmentConfigForTask_PlainBuild(t *testing.T) {
	repos := []types.Repository{{Name: "repo-a"}, {Name: "repo-b"}}
	task := &types.Task{
		Arch:         "x86_64",
		Platform:     types.Platform{Name: "el9"},
		Repositories: repos,
	}

	cfg := environmentConfigForTask(task)

	assert.Equal(t, "x86_64", cfg.Arch)
	assert.Equal(t, "el9", cfg.DistTag)
	assert.Equal(t, repos, cfg.Repositories)
	assert.Nil(t, cfg.PluginFlags)
}

func TestEnvironmentConfigForTask_SecureBootSetsPluginFlag(t *testing.T) {
	task := &types.Task{
		Arch:       "aarch64",
		Platform:   types.Platform{Name: "el9"},
		SecureBoot: true,
	}

	cfg := environmentConfigForTask(task)

	assert.Equal(t, "enabled", cfg.PluginFlags["secure_boot"])
}

func TestFinish_UploadsRenderedConfigOnEveryOutcome(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "node-1.cfg")
	require.NoError(t, os.WriteFile(configPath, []byte("config { }"), 0o644))

	uploadMux := http.NewServeMux()
	uploadMux.HandleFunc("/uploads", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"handle":"h"}`))
	})
	uploadMux.HandleFunc("/uploads/h", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"status":"complete","href":"/blobs/cfg"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	uploadMux.HandleFunc("/uploads/h/commit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	uploadSrv := httptest.NewServer(uploadMux)
	defer uploadSrv.Close()

	var reportedBody map[string]any
	masterSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&reportedBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer masterSrv.Close()

	up, err := uploader.New(uploadSrv.URL, "", 0, time.Millisecond)
	require.NoError(t, err)
	master, err := masterclient.New(masterSrv.URL, "", "node-1", time.Second)
	require.NoError(t, err)

	w := &Worker{uploader: up, master: master, logger: log.WithComponent("test")}
	task := &types.Task{ID: 1}

	outcomes := []BuildOutcome{
		Done(nil, nil),
		Failed("compile error", nil),
		Excluded("armhfp excluded"),
	}
	for _, outcome := range outcomes {
		reportedBody = nil
		w.finish(context.Background(), task, outcome, zerolog.Nop(), time.Now(), configPath)

		require.NotNil(t, reportedBody)
		artifacts, _ := reportedBody["artifacts"].([]any)
		var names []string
		for _, a := range artifacts {
			entry := a.(map[string]any)
			names = append(names, entry["name"].(string))
			if entry["name"] == "node-1.cfg" {
				assert.Equal(t, "config", entry["type"])
			}
		}
		assert.Contains(t, names, "node-1.cfg", "outcome %s", outcome.Status())
	}
}
