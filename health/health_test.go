package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flexvod/caption-api/clients"
	xerrors "github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/store"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

type stubVOD struct{ err error }

func (v stubVOD) ListRecentVODs(ctx context.Context, limit int) ([]clients.VODRecord, error) {
	return nil, nil
}
func (v stubVOD) GetVOD(ctx context.Context, id string) (clients.VODRecord, error) {
	return clients.VODRecord{}, nil
}
func (v stubVOD) GetVODCaptions(ctx context.Context, id string) ([]clients.CaptionRef, error) {
	return nil, nil
}
func (v stubVOD) UploadVideoFile(ctx context.Context, id, path string) error   { return nil }
func (v stubVOD) UploadCaptionFile(ctx context.Context, id, path string) error { return nil }
func (v stubVOD) TestReachability(ctx context.Context) error                   { return v.err }

func testAggregator(t *testing.T, citiesJSON string) (*Aggregator, store.KV) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedis(client)

	reg, err := registry.Load(citiesJSON)
	require.NoError(t, err)

	agg := NewAggregator(reg, stubPinger{}, stubVOD{}, store.NewHeartbeats(kv), kv)
	agg.DiskUsage = func(path string) (float64, error) { return 40, nil }
	return agg, kv
}

func beat(t *testing.T, kv store.KV) {
	t.Helper()
	store.NewHeartbeats(kv).Beat(context.Background(), "worker-0")
}

func TestHealthyRollup(t *testing.T) {
	mount := t.TempDir()
	agg, kv := testAggregator(t, `[{"id":"flex3","name":"Lake Elmo","mount_path":"`+mount+`"}]`)
	beat(t, kv)

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Healthy, report.Overall)
	require.Len(t, report.Checks, 4)

	persisted, ok := LastReport(context.Background(), kv)
	require.True(t, ok)
	require.Equal(t, Healthy, persisted.Overall)
}

func TestMissingNonCriticalMountDegrades(t *testing.T) {
	agg, kv := testAggregator(t, `[{"id":"flex1","name":"Gone","mount_path":"/mnt/does-not-exist"}]`)
	beat(t, kv)

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Overall)
}

func TestMissingCriticalMountIsUnhealthy(t *testing.T) {
	agg, kv := testAggregator(t, `[{"id":"flex1","name":"Gone","mount_path":"/mnt/does-not-exist","critical":true}]`)
	beat(t, kv)

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Unhealthy, report.Overall)
}

func TestNoWorkersIsUnhealthy(t *testing.T) {
	mount := t.TempDir()
	agg, _ := testAggregator(t, `[{"id":"flex3","name":"Lake Elmo","mount_path":"`+mount+`"}]`)

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Unhealthy, report.Overall)
}

func TestHighDiskUsageDegrades(t *testing.T) {
	mount := t.TempDir()
	agg, kv := testAggregator(t, `[{"id":"flex3","name":"Lake Elmo","mount_path":"`+mount+`"}]`)
	beat(t, kv)
	agg.DiskUsage = func(path string) (float64, error) { return 91, nil }

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Overall)
}

func TestUnreachableUpstreamDegrades(t *testing.T) {
	mount := t.TempDir()
	agg, kv := testAggregator(t, `[{"id":"flex3","name":"Lake Elmo","mount_path":"`+mount+`"}]`)
	beat(t, kv)
	agg.VOD = stubVOD{err: xerrors.Errorf(xerrors.KindAPIUnreachable, "connection refused")}

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Overall)
}

func TestLastReportMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, ok := LastReport(context.Background(), store.NewRedis(client))
	require.False(t, ok)
}
