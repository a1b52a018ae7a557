package store

import (
	"context"
	"time"
)

const (
	workerAlivePrefix = "worker:alive:"
	workerBeatsKey    = "worker:beats"
	heartbeatTTL      = 60 * time.Second
)

// Heartbeats tracks worker presence. Each worker refreshes a short-lived
// alive key from a background ticker; the beats hash keeps the roster of
// worker IDs ever seen so liveness can be checked without key scans.
type Heartbeats struct {
	kv KV
}

func NewHeartbeats(kv KV) *Heartbeats {
	return &Heartbeats{kv: kv}
}

func (h *Heartbeats) Beat(ctx context.Context, workerID string) {
	_ = h.kv.SetEx(ctx, workerAlivePrefix+workerID, "1", heartbeatTTL)
	_, _ = h.kv.HIncrBy(ctx, workerBeatsKey, workerID, 1)
}

// AliveCount returns how many known workers have a fresh heartbeat.
func (h *Heartbeats) AliveCount(ctx context.Context) int {
	roster, err := h.kv.HGetAll(ctx, workerBeatsKey)
	if err != nil {
		return 0
	}
	alive := 0
	for id := range roster {
		if _, err := h.kv.Get(ctx, workerAlivePrefix+id); err == nil {
			alive++
		}
	}
	return alive
}
