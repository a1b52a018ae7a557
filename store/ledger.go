package store

import (
	"context"
	"time"

	"github.com/flexvod/caption-api/log"
)

const (
	seenKeyPrefix = "autoprioritize:seen:"
	seenIndexKey  = "autoprioritize:seen"
)

// DedupLedger is a TTL-bounded set of video paths that are believed to be
// queued or recently processed. A store failure degrades to "not a member":
// duplicate work is cheaper than lost work.
type DedupLedger struct {
	kv  KV
	ttl time.Duration
}

func NewDedupLedger(kv KV, ttl time.Duration) *DedupLedger {
	return &DedupLedger{kv: kv, ttl: ttl}
}

func (l *DedupLedger) Has(ctx context.Context, path string) bool {
	_, err := l.kv.Get(ctx, seenKeyPrefix+path)
	if err == ErrNotFound {
		return false
	}
	if err != nil {
		log.LogNoVideoID("dedup ledger unavailable, treating path as unseen", "path", path, "err", err)
		return false
	}
	return true
}

// Add marks a path as seen, refreshing its TTL if already present. The
// rolling index set mirrors membership for operator inspection; it expires
// alongside the newest entry.
func (l *DedupLedger) Add(ctx context.Context, path string) {
	if err := l.kv.SetEx(ctx, seenKeyPrefix+path, "1", l.ttl); err != nil {
		log.LogNoVideoID("dedup ledger add failed", "path", path, "err", err)
		return
	}
	if err := l.kv.SAdd(ctx, seenIndexKey, path); err == nil {
		_ = l.kv.Expire(ctx, seenIndexKey, l.ttl)
	}
}

// Remove expires the entry immediately so the next discovery run may
// re-enqueue the path.
func (l *DedupLedger) Remove(ctx context.Context, path string) {
	if err := l.kv.Expire(ctx, seenKeyPrefix+path, 0); err != nil {
		log.LogNoVideoID("dedup ledger remove failed", "path", path, "err", err)
	}
}

// WasEverSeen consults the rolling index, which may outlive individual
// entries within the TTL window.
func (l *DedupLedger) WasEverSeen(ctx context.Context, path string) bool {
	ok, err := l.kv.SIsMember(ctx, seenIndexKey, path)
	if err != nil {
		return false
	}
	return ok
}
