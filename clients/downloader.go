package clients

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
	"github.com/flexvod/caption-api/store"
)

const (
	downloadChunkSize    = 8 * 1024
	progressLogInterval  = 10 << 20
	DefaultMaxAuxLength  = 50 << 20  // auxiliary artifacts
	DefaultMaxMediaBytes = 20 << 30  // raw broadcast recordings
)

// downloadExtensions are URL suffixes accepted without a recognizable
// content type.
var downloadExtensions = []string{
	".mp4", ".mov", ".mkv", ".m4v", ".avi", ".ts", ".wmv", ".mpeg", ".pdf", ".scc", ".srt", ".vtt",
}

// Downloader fetches remote artifacts with preflight checks, bounded retry
// and a shared HEAD-probe cache.
type Downloader struct {
	Cache    *store.DownloadCache
	Counters *store.Counters

	HTTPClient *http.Client
	// MaxAuxLength caps auxiliary downloads; MaxMediaLength caps raw media.
	MaxAuxLength   int64
	MaxMediaLength int64

	// NewBackOff builds the per-download retry policy. Tests swap it for a
	// zero-delay policy.
	NewBackOff func() backoff.BackOff
}

func NewDownloader(cache *store.DownloadCache, counters *store.Counters, attemptTimeout time.Duration) *Downloader {
	if attemptTimeout == 0 {
		attemptTimeout = 30 * time.Minute
	}
	return &Downloader{
		Cache:          cache,
		Counters:       counters,
		HTTPClient:     &http.Client{Timeout: attemptTimeout},
		MaxAuxLength:   DefaultMaxAuxLength,
		MaxMediaLength: DefaultMaxMediaBytes,
		NewBackOff:     defaultBackOff,
	}
}

// defaultBackOff delays 2s, 4s, 8s, 16s, capped at 30s.
func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 30 * time.Second
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	return policy
}

// Download fetches an auxiliary artifact (caption files, agendas).
func (d *Downloader) Download(ctx context.Context, rawURL, destPath string) error {
	return d.download(ctx, rawURL, destPath, d.MaxAuxLength)
}

// DownloadMedia fetches a raw recording, which gets the higher size bound.
func (d *Downloader) DownloadMedia(ctx context.Context, rawURL, destPath string) error {
	return d.download(ctx, rawURL, destPath, d.MaxMediaLength)
}

func (d *Downloader) download(ctx context.Context, rawURL, destPath string, maxLength int64) error {
	start := time.Now()
	defer func() {
		metrics.Metrics.DownloadDurationSec.Observe(time.Since(start).Seconds())
	}()

	if err := d.preflight(ctx, rawURL, destPath, maxLength); err != nil {
		d.Counters.Inc(ctx, metrics.DownloadFailed, "")
		return err
	}

	operation := func() error {
		d.Counters.Inc(ctx, metrics.DownloadAttempt, "")
		err := d.fetch(ctx, rawURL, destPath)
		if err != nil && !xerrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// Up to 5 attempts, transient errors only.
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(d.NewBackOff(), ctx), 4)); err != nil {
		d.Counters.Inc(ctx, metrics.DownloadFailed, "")
		return err
	}

	if err := verifyDownload(destPath); err != nil {
		d.Counters.Inc(ctx, metrics.DownloadFailed, "")
		return err
	}
	d.Counters.Inc(ctx, metrics.DownloadSuccess, "")
	return nil
}

func (d *Downloader) preflight(ctx context.Context, rawURL, destPath string, maxLength int64) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return xerrors.E(xerrors.KindMalformed, err)
	}

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return xerrors.E(xerrors.KindStorageUnavailable, err)
	}
	if !writableDir(destDir) {
		return xerrors.Errorf(xerrors.KindStorageReadonly, "destination %s is not writable", destDir)
	}

	if probe, ok := d.Cache.Get(ctx, rawURL); ok {
		if !probe.OK {
			return xerrors.Errorf(xerrors.KindVerificationFailed,
				"cached preflight rejection (%s) for %s", probe.Reason, rawURL)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return xerrors.E(xerrors.KindMalformed, err)
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return xerrors.Errorf(xerrors.KindAPIError, "HEAD %s returned %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !acceptableContent(contentType, rawURL) {
		d.Cache.Put(ctx, store.DownloadProbe{URL: rawURL, OK: false, Reason: "type", ContentType: contentType})
		return xerrors.Errorf(xerrors.KindVerificationFailed,
			"unacceptable content type %q for %s", contentType, rawURL)
	}
	if resp.ContentLength > maxLength {
		d.Cache.Put(ctx, store.DownloadProbe{URL: rawURL, OK: false, Reason: "size", ContentLength: resp.ContentLength})
		return xerrors.Errorf(xerrors.KindVerificationFailed,
			"content length %d exceeds limit %d for %s", resp.ContentLength, maxLength, rawURL)
	}

	d.Cache.Put(ctx, store.DownloadProbe{
		URL: rawURL, OK: true, ContentType: contentType, ContentLength: resp.ContentLength,
	})
	return nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return xerrors.E(xerrors.KindMalformed, err)
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return xerrors.Errorf(xerrors.KindAPIError, "GET %s returned %d", rawURL, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return xerrors.E(xerrors.KindStorageUnavailable, err)
	}
	defer out.Close()

	var written, lastLogged int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				_ = os.Remove(destPath)
				return xerrors.E(xerrors.KindStorageUnavailable, writeErr)
			}
			written += int64(n)
			if written-lastLogged >= progressLogInterval {
				lastLogged = written
				log.LogNoVideoID("download progress", "url", rawURL, "bytes", written)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			_ = os.Remove(destPath)
			return classifyNetErr(readErr)
		}
	}
}

func verifyDownload(destPath string) error {
	info, err := os.Stat(destPath)
	if err != nil {
		return xerrors.Errorf(xerrors.KindVerificationFailed, "downloaded file missing: %v", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(destPath)
		return xerrors.Errorf(xerrors.KindVerificationFailed, "downloaded file %s is empty", destPath)
	}
	return nil
}

func acceptableContent(contentType, rawURL string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if mediaType == "application/pdf" || strings.HasPrefix(mediaType, "video/") {
		return true
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	lower := strings.ToLower(path)
	for _, ext := range downloadExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.E(xerrors.KindTimeout, err)
	}
	var urlErr *url.Error
	if goerrors.As(err, &urlErr) {
		return xerrors.E(xerrors.KindTransientNetwork, err)
	}
	if goerrors.Is(err, io.ErrUnexpectedEOF) {
		return xerrors.E(xerrors.KindTransientNetwork, err)
	}
	return xerrors.E(xerrors.KindTransientNetwork, fmt.Errorf("network error: %w", err))
}

func writableDir(dir string) bool {
	f, err := os.CreateTemp(dir, ".caption-api-write-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
