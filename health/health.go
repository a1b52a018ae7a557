// Package health aggregates the liveness picture: city mounts, disk
// headroom, broker and upstream reachability, and worker presence.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/flexvod/caption-api/clients"
	"github.com/flexvod/caption-api/discovery"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/store"
)

// Status is the tri-state health value.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// worse ranks statuses for the rollup.
func worse(a, b Status) Status {
	rank := map[Status]int{Healthy: 0, Degraded: 1, Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// DiskDegradedPct is the used-space threshold that degrades a mount.
const DiskDegradedPct = 85.0

const (
	lastReportKey = "health:last"
	lastReportTTL = 10 * time.Minute
)

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the aggregated output of one health fire.
type Report struct {
	Overall   Status    `json:"overall"`
	Checks    []Check   `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Pinger is the broker reachability surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Aggregator runs the checks. DiskUsage is injectable for tests; the default
// asks the OS via gopsutil.
type Aggregator struct {
	Registry   *registry.Registry
	Broker     Pinger
	VOD        clients.VODAPI
	Heartbeats *store.Heartbeats
	KV         store.KV

	DiskUsage func(path string) (float64, error)
}

func NewAggregator(reg *registry.Registry, b Pinger, vod clients.VODAPI, hb *store.Heartbeats, kv store.KV) *Aggregator {
	return &Aggregator{
		Registry:   reg,
		Broker:     b,
		VOD:        vod,
		Heartbeats: hb,
		KV:         kv,
		DiskUsage:  osDiskUsage,
	}
}

func osDiskUsage(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// Run executes every check, persists the report for the status API, and
// returns it.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	report := Report{Overall: Healthy, Timestamp: time.Now().UTC()}

	for _, city := range a.Registry.Cities() {
		report.add(a.checkMount(city))
	}
	report.add(a.checkBroker(ctx))
	report.add(a.checkWorkers(ctx))
	report.add(a.checkUpstream(ctx))

	a.persist(ctx, report)
	log.LogNoVideoID("health aggregated", "overall", string(report.Overall), "checks", len(report.Checks))
	return report, nil
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	r.Overall = worse(r.Overall, c.Status)
}

// checkMount grades one city's storage. A missing critical mount is
// unhealthy; a missing non-critical one, a read-only mount, or low disk
// headroom only degrade.
func (a *Aggregator) checkMount(city registry.City) Check {
	name := "mount:" + city.ID
	if !discovery.MountReadable(city.MountPath) {
		status := Degraded
		if city.Critical {
			status = Unhealthy
		}
		return Check{Name: name, Status: status, Detail: fmt.Sprintf("%s not mounted", city.MountPath)}
	}
	if !discovery.MountWritable(city.MountPath) {
		return Check{Name: name, Status: Degraded, Detail: fmt.Sprintf("%s not writable", city.MountPath)}
	}
	if a.DiskUsage != nil {
		if pct, err := a.DiskUsage(city.MountPath); err == nil && pct >= DiskDegradedPct {
			return Check{Name: name, Status: Degraded, Detail: fmt.Sprintf("disk %.0f%% used", pct)}
		}
	}
	return Check{Name: name, Status: Healthy}
}

func (a *Aggregator) checkBroker(ctx context.Context) Check {
	if err := a.Broker.Ping(ctx); err != nil {
		return Check{Name: "broker", Status: Unhealthy, Detail: err.Error()}
	}
	return Check{Name: "broker", Status: Healthy}
}

func (a *Aggregator) checkWorkers(ctx context.Context) Check {
	alive := a.Heartbeats.AliveCount(ctx)
	if alive == 0 {
		return Check{Name: "workers", Status: Unhealthy, Detail: "no workers alive"}
	}
	return Check{Name: "workers", Status: Healthy, Detail: fmt.Sprintf("%d alive", alive)}
}

func (a *Aggregator) checkUpstream(ctx context.Context) Check {
	if err := a.VOD.TestReachability(ctx); err != nil {
		return Check{Name: "vod-api", Status: Degraded, Detail: err.Error()}
	}
	return Check{Name: "vod-api", Status: Healthy}
}

func (a *Aggregator) persist(ctx context.Context, report Report) {
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := a.KV.SetEx(ctx, lastReportKey, string(raw), lastReportTTL); err != nil {
		log.LogNoVideoID("health report persist failed", "err", err)
	}
}

// LastReport returns the most recent persisted report, if fresh enough.
func LastReport(ctx context.Context, kv store.KV) (Report, bool) {
	raw, err := kv.Get(ctx, lastReportKey)
	if err != nil {
		return Report{}, false
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return Report{}, false
	}
	return report, true
}
