package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/discovery"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
	"github.com/flexvod/caption-api/registry"
)

// DiscoverArgs parameterize a discovery fire. FilterTitles is the operator
// opt-in for city title patterns; without it every qualifying surface video
// is a candidate.
type DiscoverArgs struct {
	Priority     bool `json:"priority"`
	FilterTitles bool `json:"filter_titles,omitempty"`
}

// DiscoverSummary is the discover.all_cities task output.
type DiscoverSummary struct {
	Scanned  int            `json:"scanned"`
	Enqueued int            `json:"enqueued"`
	PerCity  map[string]int `json:"per_city,omitempty"`
}

func (c *Coordinator) handleDiscoverAllCities(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args DiscoverArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, err
	}

	queue := c.Broker.DefaultQueue
	if args.Priority {
		queue = c.Broker.PriorityQueue
	}

	summary := DiscoverSummary{PerCity: map[string]int{}}
	for _, city := range c.Registry.Cities() {
		scanned, enqueued := c.discoverCity(ctx, city, args, queue, c.PerCityLimit)
		summary.Scanned += scanned
		summary.Enqueued += enqueued
		if enqueued > 0 {
			summary.PerCity[city.ID] = enqueued
		}
	}
	log.LogNoVideoID("discovery fire complete",
		"scanned", summary.Scanned, "enqueued", summary.Enqueued, "priority", args.Priority)
	return summary, nil
}

// discoverCity runs the three-layer dedup over one city's candidates and
// submits up to limit pipelines. Layer order: active worker tasks, then the
// ledger, then the caption predicate.
func (c *Coordinator) discoverCity(ctx context.Context, city registry.City, args DiscoverArgs, queue string, limit int) (scanned, enqueued int) {
	candidates := discovery.Scanner{}.Scan(city.MountPath, city.ID, c.ScanLimit)
	active := c.Broker.ActivePaths(ctx)

	for _, cand := range candidates {
		scanned++
		c.Counters.Inc(ctx, metrics.AutoprioritizeScanned, "")

		// Candidates past the enqueue limit still count as scanned.
		if enqueued >= limit {
			continue
		}

		if args.FilterTitles && !city.MatchesTitle(filepath.Base(cand.Path)) {
			continue
		}
		if containsPath(active, cand.Path) {
			c.Counters.Inc(ctx, metrics.AutoprioritizeSkippedAlreadyQued, "")
			continue
		}
		if c.Ledger.Has(ctx, cand.Path) {
			c.Counters.Inc(ctx, metrics.AutoprioritizeSkippedAlreadyQued, "")
			continue
		}
		if discovery.HasCaption(cand.Path, discovery.OutputDir(city.MountPath)) {
			c.Counters.Inc(ctx, metrics.AutoprioritizeSkippedCaptioned, "")
			continue
		}

		videoID := fmt.Sprintf("flex_%s_%d", city.ID, enqueued)
		_, err := c.Broker.Submit(ctx, broker.TaskProcessSingle,
			ProcessArgs{VideoID: videoID, CityID: city.ID, LocalPath: cand.Path},
			queue, broker.WithSourcePath(cand.Path))
		if err != nil {
			log.LogNoVideoID("candidate submission failed", "city_id", city.ID, "path", cand.Path, "err", err)
			continue
		}
		c.Ledger.Add(ctx, cand.Path)
		c.Counters.Inc(ctx, metrics.AutoprioritizeEnqueued, city.ID)
		enqueued++
	}
	return scanned, enqueued
}

func (c *Coordinator) handleBackfill(ctx context.Context, env broker.Envelope) (interface{}, error) {
	for _, kind := range c.Broker.ActiveKinds(ctx) {
		if kind == broker.TaskTranscribe || kind == broker.TaskProcessSingle {
			log.LogNoVideoID("backfill yielding to live work", "active_kind", string(kind))
			return DiscoverSummary{}, nil
		}
	}

	summary := DiscoverSummary{PerCity: map[string]int{}}
	remaining := c.BackfillLimit
	for _, city := range c.Registry.Cities() {
		if remaining <= 0 {
			break
		}
		if !discovery.MountWritable(city.MountPath) {
			continue
		}
		scanned, enqueued := c.discoverCity(ctx, city, DiscoverArgs{}, c.Broker.DefaultQueue, remaining)
		summary.Scanned += scanned
		summary.Enqueued += enqueued
		if enqueued > 0 {
			summary.PerCity[city.ID] = enqueued
		}
		remaining -= enqueued
	}
	log.LogNoVideoID("backfill complete", "scanned", summary.Scanned, "enqueued", summary.Enqueued)
	return summary, nil
}

const tempMaxAge = time.Hour

// CleanupSummary is the maintenance.cleanup_temp task output.
type CleanupSummary struct {
	Removed int `json:"removed"`
}

// handleCleanupTemp removes stale vod_ temp downloads. Errors are logged and
// never propagated; cleanup must not fail a worker.
func (c *Coordinator) handleCleanupTemp(ctx context.Context, env broker.Envelope) (interface{}, error) {
	dir := TempDownloadDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.LogNoVideoID("temp cleanup scan failed", "dir", dir, "err", err)
		}
		return CleanupSummary{}, nil
	}

	cutoff := time.Now().Add(-tempMaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "vod_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.LogNoVideoID("temp cleanup remove failed", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.LogNoVideoID("temp cleanup complete", "removed", removed, "dir", dir)
	}
	return CleanupSummary{Removed: removed}, nil
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}
