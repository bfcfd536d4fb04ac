package masterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/metrics"
	"github.com/cuemby/buildnode/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// retryableStatuses and retryableMethods mirror the master protocol's own
// retry policy so a build node backs off the same way regardless of which
// HTTP client ends up talking to the master.
var (
	retryableStatuses = map[int]bool{413: true, 429: true, 502: true, 503: true, 504: true}
	retryableMethods  = map[string]bool{http.MethodGet: true, http.MethodPost: true}
)

const (
	totalRetries  = 5
	backoffMin    = 1 * time.Second
	backoffMax    = 16 * time.Second
	defaultTimeout = 30 * time.Second
)

// Client talks to the master's build node API.
type Client struct {
	http    *retryablehttp.Client
	baseURL *url.URL
	token   string
	nodeID  string
	logger  zerolog.Logger
}

// New builds a Client. baseURL is the master's API root (e.g.
// https://build-master.example.com/api/v1/); token is the bearer JWT parsed
// out of the node's credentials file.
func New(baseURL, token, nodeID string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse master url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = totalRetries
	rc.RetryWaitMin = backoffMin
	rc.RetryWaitMax = backoffMax
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:    rc,
		baseURL: parsed,
		token:   token,
		nodeID:  nodeID,
		logger:  log.WithComponent("masterclient"),
	}, nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		// Connection-level failures (timeouts, resets, DNS) are always worth
		// a retry.
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusConflict {
		return false, nil
	}
	if !retryableMethods[resp.Request.Method] {
		return false, nil
	}
	return retryableStatuses[resp.StatusCode], nil
}

// taskEnvelope is the wire shape of a get_task response.
type taskEnvelope struct {
	Task *wireTask `json:"task"`
}

type wireTask struct {
	ID               int64             `json:"id"`
	BuildID          int64             `json:"build_id"`
	Arch             string            `json:"arch"`
	Ref              wireTaskRef       `json:"ref"`
	Platform         wirePlatform      `json:"platform"`
	Repositories     []types.Repository `json:"repositories"`
	CreatedBy        string            `json:"created_by"`
	ProvenanceHashes map[string]string `json:"provenance_hashes"`
	SecureBoot       bool              `json:"is_secure_boot"`
}

type wireTaskRef struct {
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	GitRef     string `json:"git_ref"`
	CommitHash string `json:"commit_hash"`
}

type wirePlatform struct {
	Name string         `json:"name"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// GetTask asks the master for the next task this node should build, for any
// of the supported architectures. ok is false when the master has no task
// available right now (not an error condition).
func (c *Client) GetTask(ctx context.Context, supportedArches []string) (task *types.Task, ok bool, err error) {
	body := map[string]any{
		"supported_arches": supportedArches,
		"node_id":          c.nodeID,
	}
	var env taskEnvelope
	status, err := c.call(ctx, http.MethodPost, "build_tasks/get_task", body, &env)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNoContent || env.Task == nil {
		return nil, false, nil
	}
	t := env.Task
	return &types.Task{
		ID:      t.ID,
		BuildID: t.BuildID,
		Arch:    t.Arch,
		Ref: types.TaskRef{
			URL:        t.Ref.URL,
			Kind:       types.RefKind(t.Ref.Kind),
			GitRef:     t.Ref.GitRef,
			CommitHash: t.Ref.CommitHash,
		},
		Platform: types.Platform{
			Name: t.Platform.Name,
			Type: types.PlatformType(t.Platform.Type),
			Data: t.Platform.Data,
		},
		Repositories:     t.Repositories,
		CreatedBy:        t.CreatedBy,
		ProvenanceHashes: t.ProvenanceHashes,
		SecureBoot:       t.SecureBoot,
	}, true, nil
}

// Ping reports liveness and the set of tasks currently being built.
func (c *Client) Ping(ctx context.Context, activeTaskIDs []int64) error {
	body := map[string]any{
		"node_id":         c.nodeID,
		"active_tasks":    activeTaskIDs,
	}
	_, err := c.call(ctx, http.MethodPost, "build_node/ping", body, nil)
	return err
}

// artifactWire is the wire shape of an uploaded artifact reference.
type artifactWire struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Href           string `json:"href"`
	SHA256         string `json:"sha256"`
	ProvenanceHash string `json:"provenance_hash,omitempty"`
}

// BuildDone reports a task's terminal status and its uploaded artifacts. A
// 409 response (another report already closed the task) is swallowed.
func (c *Client) BuildDone(ctx context.Context, taskID int64, status types.TaskStatus, artifacts []types.Artifact, reason string) error {
	wireArtifacts := make([]artifactWire, 0, len(artifacts))
	for _, a := range artifacts {
		wireArtifacts = append(wireArtifacts, artifactWire{
			Name:           a.Name,
			Type:           string(a.Type),
			Href:           a.Href,
			SHA256:         a.SHA256,
			ProvenanceHash: a.ProvenanceHash,
		})
	}
	body := map[string]any{
		"status":    string(status),
		"artifacts": wireArtifacts,
	}
	if reason != "" {
		body["reason"] = reason
	}
	path := fmt.Sprintf("build_tasks/%d/build_done", taskID)
	_, err := c.call(ctx, http.MethodPost, path, body, nil)
	return err
}

// call performs one master RPC, recording metrics and translating a 409 into
// a non-error, empty response the way the original node's __call_master
// does for already-closed tasks.
func (c *Client) call(ctx context.Context, method, path string, reqBody any, out any) (int, error) {
	timer := metrics.NewTimer()
	endpoint := strings.SplitN(path, "/", 2)[0]
	outcome := "error"
	defer func() {
		timer.ObserveDurationVec(metrics.MasterRequestDuration, endpoint)
		metrics.MasterRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	}()

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("master request failed")
		return 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		outcome = "conflict"
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusNoContent {
		outcome = "success"
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(data))
	}

	outcome = "success"
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			outcome = "error"
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
