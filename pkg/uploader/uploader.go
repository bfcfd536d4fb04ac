package uploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/metrics"
	"github.com/cuemby/buildnode/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Uploader pushes local files to the content store and returns their
// permanent Artifact reference.
type Uploader struct {
	http        *http.Client
	baseURL     *url.URL
	token       string
	chunkSize   int64
	pollInterval time.Duration
	logger      zerolog.Logger
}

// New builds an Uploader. baseURL is the content store's API root.
func New(baseURL, token string, chunkSize int64, pollInterval time.Duration) (*Uploader, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upload endpoint: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = 8 << 20
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Uploader{
		http:         &http.Client{Timeout: 0},
		baseURL:      parsed,
		token:        token,
		chunkSize:    chunkSize,
		pollInterval: pollInterval,
		logger:       log.WithComponent("uploader"),
	}, nil
}

type reserveResponse struct {
	Handle string `json:"handle"`
}

type pollResponse struct {
	Status string `json:"status"`
	Href   string `json:"href"`
}

// Upload sends localPath to the content store and returns the resulting
// Artifact with Href/SHA256 populated. It uploads whatever it is given;
// filtering a failed build's artifacts down to logs is done by the caller.
func (u *Uploader) Upload(ctx context.Context, artifact types.Artifact) (types.Artifact, error) {
	info, err := os.Stat(artifact.LocalPath)
	if err != nil {
		return artifact, &types.UploadError{Failed: []string{artifact.LocalPath}, Cause: err}
	}

	sum, err := sha256File(artifact.LocalPath)
	if err != nil {
		return artifact, &types.UploadError{Failed: []string{artifact.LocalPath}, Cause: err}
	}
	artifact.SHA256 = sum

	handle, err := u.reserve(ctx, info.Size())
	if err != nil {
		metrics.UploadFailuresTotal.Inc()
		return artifact, &types.UploadError{Failed: []string{artifact.LocalPath}, Cause: err}
	}

	if err := u.putChunks(ctx, handle, artifact.LocalPath, info.Size()); err != nil {
		metrics.UploadFailuresTotal.Inc()
		return artifact, &types.UploadError{Failed: []string{artifact.LocalPath}, Cause: err}
	}
	metrics.UploadBytesTotal.Add(float64(info.Size()))

	href, err := u.commitAndPoll(ctx, handle, sum)
	if err != nil {
		metrics.UploadFailuresTotal.Inc()
		return artifact, &types.UploadError{Failed: []string{artifact.LocalPath}, Cause: err}
	}
	artifact.Href = href
	return artifact, nil
}

// UploadAll uploads every artifact, continuing past individual failures and
// returning the ones that failed wrapped in a single UploadError so the
// caller can still report whichever succeeded.
func (u *Uploader) UploadAll(ctx context.Context, artifacts []types.Artifact) ([]types.Artifact, error) {
	var uploaded []types.Artifact
	var failed []string
	var lastErr error
	for _, a := range artifacts {
		result, err := u.Upload(ctx, a)
		if err != nil {
			failed = append(failed, a.LocalPath)
			lastErr = err
			u.logger.Error().Err(err).Str("path", a.LocalPath).Msg("artifact upload failed")
			continue
		}
		uploaded = append(uploaded, result)
	}
	if len(failed) > 0 {
		return uploaded, &types.UploadError{Failed: failed, Cause: lastErr}
	}
	return uploaded, nil
}

// CompressLog gzips src in place, replacing it with src+".gz". The worker's
// upload path does not call it; logs are uploaded uncompressed.
func CompressLog(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dstPath := src + ".gz"
	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	_ = os.Remove(src)
	return dstPath, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (u *Uploader) reserve(ctx context.Context, size int64) (string, error) {
	body, _ := json.Marshal(map[string]int64{"size": size})
	req, err := u.newRequest(ctx, http.MethodPost, "uploads", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("reserve upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("reserve upload returned %d: %s", resp.StatusCode, data)
	}
	var out reserveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode reserve response: %w", err)
	}
	return out.Handle, nil
}

func (u *Uploader) putChunks(ctx context.Context, handle, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for offset := int64(0); offset < size; offset += u.chunkSize {
		end := offset + u.chunkSize
		if end > size {
			end = size
		}
		chunk := make([]byte, end-offset)
		if _, err := io.ReadFull(f, chunk); err != nil {
			return fmt.Errorf("read chunk at %d: %w", offset, err)
		}
		if err := u.putChunk(ctx, handle, offset, end-1, size, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) putChunk(ctx context.Context, handle string, start, end, total int64, chunk []byte) error {
	req, err := u.newRequest(ctx, http.MethodPut, "uploads/"+handle, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("put chunk %d-%d: %w", start, end, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("put chunk %d-%d returned %d: %s", start, end, resp.StatusCode, data)
	}
	return nil
}

func (u *Uploader) commitAndPoll(ctx context.Context, handle, sha256sum string) (string, error) {
	body, _ := json.Marshal(map[string]string{"sha256": sha256sum})
	req, err := u.newRequest(ctx, http.MethodPost, "uploads/"+handle+"/commit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("commit upload: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("commit upload returned %d", resp.StatusCode)
	}

	ticker := time.NewTicker(u.pollInterval)
	defer ticker.Stop()
	for {
		status, href, err := u.poll(ctx, handle)
		if err != nil {
			return "", err
		}
		switch status {
		case "complete", "done":
			return href, nil
		case "failed":
			return "", fmt.Errorf("content store rejected upload %s", handle)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (u *Uploader) poll(ctx context.Context, handle string) (status, href string, err error) {
	req, err := u.newRequest(ctx, http.MethodGet, "uploads/"+handle, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("poll upload: %w", err)
	}
	defer resp.Body.Close()
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode poll response: %w", err)
	}
	return out.Status, out.Href, nil
}

func (u *Uploader) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := *u.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	return req, nil
}
