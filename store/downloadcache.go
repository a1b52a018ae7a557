package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const downloadCachePrefix = "dlcache:"

// DownloadProbe is a cached HEAD-preflight result. A fresh entry with OK=false
// short-circuits the download with the cached reason; OK=true lets the GET
// proceed without another HEAD.
type DownloadProbe struct {
	URL           string `json:"url"`
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"` // "type" or "size" when !OK
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
}

// DownloadCache stores preflight probes in the shared store so workers do not
// repeat HEAD requests against the same URL within the TTL window.
type DownloadCache struct {
	kv  KV
	ttl time.Duration
}

func NewDownloadCache(kv KV, ttl time.Duration) *DownloadCache {
	return &DownloadCache{kv: kv, ttl: ttl}
}

func (c *DownloadCache) Get(ctx context.Context, url string) (DownloadProbe, bool) {
	raw, err := c.kv.Get(ctx, downloadCachePrefix+hashURL(url))
	if err != nil {
		return DownloadProbe{}, false
	}
	var probe DownloadProbe
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return DownloadProbe{}, false
	}
	return probe, true
}

func (c *DownloadCache) Put(ctx context.Context, probe DownloadProbe) {
	raw, err := json.Marshal(probe)
	if err != nil {
		return
	}
	// Best effort; an unreachable store just means an extra HEAD later.
	_ = c.kv.SetEx(ctx, downloadCachePrefix+hashURL(probe.URL), string(raw), c.ttl)
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}
