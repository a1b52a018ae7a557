package store

import (
	"context"
	"strconv"
	"time"

	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
)

const (
	countersKey     = "counters"
	cityEnqueuedKey = "city_enqueued_total"
)

// Counters are the shared monotonic event counters. Each increment lands in
// the prometheus registry and in the store hash that backs the JSON snapshot
// endpoint, so any process can serve the snapshot. Store failures only cost
// the snapshot, never the increment visibility in prometheus.
type Counters struct {
	kv KV
}

func NewCounters(kv KV) *Counters {
	return &Counters{kv: kv}
}

// Inc bumps an event counter. An empty city increments only the global name;
// otherwise the per-city enqueue hash is bumped as well and a suffixed
// counter name is recorded, e.g. autoprioritize.enqueued.flex3.
func (c *Counters) Inc(ctx context.Context, event, city string) {
	metrics.Bump(event, city)

	if _, err := c.kv.HIncrBy(ctx, countersKey, event, 1); err != nil {
		log.LogNoVideoID("counter increment failed", "event", event, "err", err)
		return
	}
	if city != "" {
		_, _ = c.kv.HIncrBy(ctx, countersKey, event+"."+city, 1)
		_, _ = c.kv.HIncrBy(ctx, cityEnqueuedKey, city, 1)
	}
}

// Snapshot is the wire shape of the metrics endpoint.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	Counters          map[string]int64 `json:"counters"`
	CityEnqueuedTotal map[string]int64 `json:"city_enqueued_total"`
}

func (c *Counters) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Timestamp:         time.Now().UTC(),
		Counters:          map[string]int64{},
		CityEnqueuedTotal: map[string]int64{},
	}

	raw, err := c.kv.HGetAll(ctx, countersKey)
	if err != nil {
		return snap, err
	}
	for name, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		snap.Counters[name] = n
	}

	cities, err := c.kv.HGetAll(ctx, cityEnqueuedKey)
	if err != nil {
		return snap, err
	}
	for city, v := range cities {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		snap.CityEnqueuedTotal[city] = n
	}
	return snap, nil
}
