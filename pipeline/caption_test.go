package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/clients"
	xerrors "github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/store"
	"github.com/flexvod/caption-api/video"
)

type stubProber struct {
	info video.MediaInfo
	err  error
}

func (p stubProber) Probe(ctx context.Context, path string) (video.MediaInfo, error) {
	return p.info, p.err
}

type stubRemuxer struct {
	size int64
	err  error
}

func (r stubRemuxer) RemuxWithCaptions(inputPath, captionPath, outputPath string) error {
	if r.err != nil {
		return r.err
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := f.Truncate(r.size); err != nil {
		return err
	}
	return f.Close()
}

type stubTranscriber struct {
	mu     sync.Mutex
	called int
	dir    string
	err    error
}

func (t *stubTranscriber) Transcribe(ctx context.Context, videoPath string) (video.TranscribeResult, error) {
	t.mu.Lock()
	t.called++
	t.mu.Unlock()
	if t.err != nil {
		return video.TranscribeResult{}, t.err
	}
	out := filepath.Join(t.dir, "raw_transcription.scc")
	if err := os.WriteFile(out, []byte("Scenarist_SCC V1.0"), 0o644); err != nil {
		return video.TranscribeResult{}, err
	}
	return video.TranscribeResult{OutputPath: out, Segments: 42, Duration: 1800}, nil
}

func (t *stubTranscriber) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.called
}

type stubVOD struct {
	record    clients.VODRecord
	getErr    error
	uploadErr error
	uploads   []string
}

func (v *stubVOD) ListRecentVODs(ctx context.Context, limit int) ([]clients.VODRecord, error) {
	return nil, nil
}

func (v *stubVOD) GetVOD(ctx context.Context, id string) (clients.VODRecord, error) {
	return v.record, v.getErr
}

func (v *stubVOD) GetVODCaptions(ctx context.Context, id string) ([]clients.CaptionRef, error) {
	return nil, nil
}

func (v *stubVOD) UploadVideoFile(ctx context.Context, id, path string) error {
	if v.uploadErr != nil {
		return v.uploadErr
	}
	v.uploads = append(v.uploads, path)
	return nil
}

func (v *stubVOD) UploadCaptionFile(ctx context.Context, id, path string) error {
	if v.uploadErr != nil {
		return v.uploadErr
	}
	v.uploads = append(v.uploads, path)
	return nil
}

func (v *stubVOD) TestReachability(ctx context.Context) error { return nil }

type recordedAlert struct {
	Level   clients.AlertLevel
	Message string
	Fields  map[string]string
}

type stubAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (a *stubAlerter) Emit(level clients.AlertLevel, message string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, recordedAlert{Level: level, Message: message, Fields: fields})
}

func (a *stubAlerter) last(t *testing.T) recordedAlert {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.alerts)
	return a.alerts[len(a.alerts)-1]
}

type testHarness struct {
	coord       *Coordinator
	mount       string
	transcriber *stubTranscriber
	vod         *stubVOD
	alerts      *stubAlerter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedis(client)

	mount := t.TempDir()
	reg, err := registry.Load(`[{"id":"flex3","name":"Lake Elmo","mount_path":"` + mount + `"}]`)
	require.NoError(t, err)

	transcriber := &stubTranscriber{dir: t.TempDir()}
	vod := &stubVOD{}
	alerts := &stubAlerter{}
	b := broker.New(client, "caption_priority", "default")

	coord := NewCoordinator(reg, store.NewDedupLedger(kv, 24*time.Hour), store.NewCounters(kv),
		stubProber{info: video.MediaInfo{VideoCodec: "h264", DurationSec: 1800, HasSubtitles: true}},
		stubRemuxer{size: 2 << 20}, transcriber,
		clients.NewDownloader(store.NewDownloadCache(kv, time.Hour), store.NewCounters(kv), time.Minute),
		vod, alerts, b)

	return &testHarness{coord: coord, mount: mount, transcriber: transcriber, vod: vod, alerts: alerts}
}

func (h *testHarness) writeVideo(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(h.mount, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestProcessSingleHappyPath(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "Lake Elmo City Council 06 17 2025.mp4", 100<<20)

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 100, result.Score)

	outDir := filepath.Join(h.mount, "vod_processed")
	require.FileExists(t, filepath.Join(outDir, "flex_flex3_0.scc"))
	require.FileExists(t, filepath.Join(outDir, "Lake Elmo City Council 06 17 2025_captioned.mp4"))
	require.Len(t, h.vod.uploads, 2)

	alert := h.alerts.last(t)
	require.Equal(t, clients.AlertInfo, alert.Level)
	require.Equal(t, "flex_flex3_0", alert.Fields["video_id"])
	require.Equal(t, "100", alert.Fields["score"])
}

func TestProcessSingleSkipsCaptionedVideo(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "council.mp4", 10<<20)
	require.NoError(t, os.WriteFile(filepath.Join(h.mount, "council.scc"), []byte("Scenarist_SCC V1.0"), 0o644))

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusSkipped, result.Status)
	require.Equal(t, StageCaptionCheck, result.Stage)
	require.Zero(t, h.transcriber.calls(), "transcriber must not run for a captioned video")
	require.NoDirExists(t, filepath.Join(h.mount, "vod_processed"))
	require.Equal(t, clients.AlertWarning, h.alerts.last(t).Level)
}

func TestProcessSingleDefersWhenUpstreamUnreachable(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "council.mp4", 10<<20)
	h.vod.uploadErr = xerrors.Errorf(xerrors.KindAPIUnreachable, "connection refused")

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusDeferred, result.Status)
	require.Equal(t, StageUpload, result.Stage)
	require.Equal(t, string(xerrors.KindAPIUnreachable), result.Error)
	require.Equal(t, clients.AlertWarning, h.alerts.last(t).Level)
}

func TestDeferredReleasesLedgerForRediscovery(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "council.mp4", 10<<20)
	ctx := context.Background()

	// First discovery fire enqueues the video and ledgers its path.
	out, err := h.coord.handleDiscoverAllCities(ctx, envelopeFor(t, DiscoverArgs{}))
	require.NoError(t, err)
	require.Equal(t, 1, out.(DiscoverSummary).Enqueued)
	require.True(t, h.coord.Ledger.Has(ctx, source))

	h.vod.uploadErr = xerrors.Errorf(xerrors.KindAPIUnreachable, "connection refused")
	result := h.coord.ProcessSingle(ctx, ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusDeferred, result.Status)

	// The deferral releases the dedup entry so the next fire re-enqueues.
	require.False(t, h.coord.Ledger.Has(ctx, source))
	out, err = h.coord.handleDiscoverAllCities(ctx, envelopeFor(t, DiscoverArgs{}))
	require.NoError(t, err)
	require.Equal(t, 1, out.(DiscoverSummary).Enqueued)
}

func TestProcessSingleFailsOnInvalidMedia(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "garbage.mp4", 10<<20)
	h.coord.Prober = stubProber{err: xerrors.Errorf(xerrors.KindInvalidMedia, "no decodable stream")}

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, StageValidate, result.Stage)
	require.Equal(t, string(xerrors.KindInvalidMedia), result.Error)
	require.Equal(t, clients.AlertError, h.alerts.last(t).Level)
}

func TestProcessSingleSourceNotFound(t *testing.T) {
	h := newHarness(t)
	h.vod.getErr = xerrors.Errorf(xerrors.KindNotFound, "no such vod")

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_9", CityID: "flex3",
	})
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, StageLocate, result.Stage)
	require.Equal(t, string(xerrors.KindSourceNotFound), result.Error)
}

func TestProcessSingleUploadFailureIsUploadFailed(t *testing.T) {
	h := newHarness(t)
	source := h.writeVideo(t, "council.mp4", 10<<20)
	h.vod.uploadErr = xerrors.Errorf(xerrors.KindAPIError, "500 from upstream")

	result := h.coord.ProcessSingle(context.Background(), ProcessArgs{
		VideoID: "flex_flex3_0", CityID: "flex3", LocalPath: source,
	})
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, StageUpload, result.Stage)
	require.Equal(t, string(xerrors.KindUploadFailed), result.Error)
}

func TestQualityScorePartialCredit(t *testing.T) {
	h := newHarness(t)
	// No subtitle stream and a tiny file: integrity and duration only.
	h.coord.Prober = stubProber{info: video.MediaInfo{VideoCodec: "h264", DurationSec: 60}}
	small := h.writeVideo(t, "small_captioned.mp4", 1024)

	require.Equal(t, 50, h.coord.qualityScore(context.Background(), small))
}
