// Package clients holds the typed adapters for external services: the
// upstream VOD platform, the resilient HTTP downloader and the alert webhook.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/flexvod/caption-api/errors"
)

// ReachabilityTimeout bounds the health probe against the VOD platform.
const ReachabilityTimeout = 5 * time.Second

// VODRecord is a single VOD entry on the upstream platform.
type VODRecord struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	FileURL  string  `json:"file_url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// CaptionRef points at a caption artifact already attached to a VOD.
type CaptionRef struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	URL      string `json:"url"`
}

// VODAPI is the four-method surface the pipeline consumes, plus the
// reachability probe. No other component talks to the upstream directly.
type VODAPI interface {
	ListRecentVODs(ctx context.Context, limit int) ([]VODRecord, error)
	GetVOD(ctx context.Context, id string) (VODRecord, error)
	GetVODCaptions(ctx context.Context, id string) ([]CaptionRef, error)
	UploadVideoFile(ctx context.Context, id, path string) error
	UploadCaptionFile(ctx context.Context, id, path string) error
	TestReachability(ctx context.Context) error
}

// VODClient is the production VODAPI over the upstream HTTP API.
type VODClient struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

func NewVODClient(baseURL, token string) *VODClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	client.Logger = nil

	return &VODClient{baseURL: baseURL, token: token, httpClient: client}
}

func (c *VODClient) ListRecentVODs(ctx context.Context, limit int) ([]VODRecord, error) {
	var out []VODRecord
	path := fmt.Sprintf("/api/vods?limit=%d", limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VODClient) GetVOD(ctx context.Context, id string) (VODRecord, error) {
	var out VODRecord
	err := c.getJSON(ctx, "/api/vods/"+url.PathEscape(id), &out)
	return out, err
}

func (c *VODClient) GetVODCaptions(ctx context.Context, id string) ([]CaptionRef, error) {
	var out []CaptionRef
	err := c.getJSON(ctx, "/api/vods/"+url.PathEscape(id)+"/captions", &out)
	return out, err
}

func (c *VODClient) UploadVideoFile(ctx context.Context, id, path string) error {
	return c.uploadFile(ctx, "/api/vods/"+url.PathEscape(id)+"/video", path, "video/mp4")
}

func (c *VODClient) UploadCaptionFile(ctx context.Context, id, path string) error {
	return c.uploadFile(ctx, "/api/vods/"+url.PathEscape(id)+"/captions", path, "application/octet-stream")
}

// TestReachability succeeds iff the platform health path answers 2xx within
// the probe timeout.
func (c *VODClient) TestReachability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ReachabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return xerrors.E(xerrors.KindAPIUnreachable, err)
	}
	resp, err := c.httpClient.HTTPClient.Do(req)
	if err != nil {
		return xerrors.E(xerrors.KindAPIUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf(xerrors.KindAPIError, "health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *VODClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return xerrors.E(xerrors.KindAPIUnreachable, err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return xerrors.E(xerrors.KindAPIUnreachable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.E(xerrors.KindMalformed, err)
	}
	return nil
}

func (c *VODClient) uploadFile(ctx context.Context, path, filePath, contentType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return xerrors.E(xerrors.KindUploadFailed, err)
	}
	defer f.Close()

	// os.File is a ReadSeeker, so retryablehttp can rewind between attempts.
	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+path, f)
	if err != nil {
		return xerrors.E(xerrors.KindUploadFailed, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *VODClient) do(ctx context.Context, req *retryablehttp.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: the platform is
		// unreachable and the pipeline should defer, not fail.
		return nil, xerrors.E(xerrors.KindAPIUnreachable, err)
	}
	return resp, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.Errorf(xerrors.KindAuth, "status %d", status)
	case status == http.StatusNotFound:
		return xerrors.Errorf(xerrors.KindNotFound, "status %d", status)
	default:
		return xerrors.Errorf(xerrors.KindAPIError, "status %d", status)
	}
}
