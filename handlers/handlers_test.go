package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/cache"
	"github.com/flexvod/caption-api/metrics"
	"github.com/flexvod/caption-api/pipeline"
	"github.com/flexvod/caption-api/store"
)

func testCollection(t *testing.T) *CaptionAPIHandlersCollection {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := store.NewRedis(client)

	return &CaptionAPIHandlersCollection{
		Coordinator: &pipeline.Coordinator{
			Jobs:   cache.New[*pipeline.JobInfo](),
			Ledger: store.NewDedupLedger(kv, time.Hour),
		},
		Counters: store.NewCounters(kv),
		KV:       kv,
		Broker:   broker.New(client, "caption_priority", "default"),
	}
}

func TestOk(t *testing.T) {
	rr := httptest.NewRecorder()
	testCollection(t).Ok()(rr, httptest.NewRequest("GET", "/ok", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}

func TestMetricsSnapshot(t *testing.T) {
	d := testCollection(t)
	d.Counters.Inc(context.Background(), metrics.PipelineDone, "")

	rr := httptest.NewRecorder()
	d.MetricsSnapshot()(rr, httptest.NewRequest("GET", "/api/metrics", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snapshot store.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot))
	require.EqualValues(t, 1, snapshot.Counters[metrics.PipelineDone])
}

func TestHealthWithoutReportIs503(t *testing.T) {
	rr := httptest.NewRecorder()
	testCollection(t).Health()(rr, httptest.NewRequest("GET", "/api/health", nil), nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestProcessVideoValidation(t *testing.T) {
	d := testCollection(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/vod/process", strings.NewReader(`{"city_id":"flex3"}`))
	d.ProcessVideo()(rr, req, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/vod/process", strings.NewReader("not json"))
	d.ProcessVideo()(rr, req, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcessVideoSubmitsToRequestedQueue(t *testing.T) {
	d := testCollection(t)

	rr := httptest.NewRecorder()
	body := `{"video_id":"flex_flex3_0","city_id":"flex3","priority":true}`
	d.ProcessVideo()(rr, httptest.NewRequest("POST", "/api/vod/process", strings.NewReader(body)), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp struct {
		TaskID string `json:"task_id"`
		Queue  string `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	require.Equal(t, "caption_priority", resp.Queue)
	require.EqualValues(t, 1, d.Broker.QueueDepth(context.Background(), "caption_priority"))

	result, err := d.Broker.Result(context.Background(), resp.TaskID)
	require.NoError(t, err)
	require.Equal(t, broker.StateQueued, result.State)
}

func TestTaskStatusUnknownIs404(t *testing.T) {
	rr := httptest.NewRecorder()
	params := httprouter.Params{{Key: "id", Value: "nope"}}
	testCollection(t).TaskStatus()(rr, httptest.NewRequest("GET", "/api/tasks/nope", nil), params)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLedgerStatusTracksEntryLifecycle(t *testing.T) {
	d := testCollection(t)
	ctx := context.Background()
	path := "/mnt/flex-3/Lake Elmo City Council 06 17 2025.mp4"

	rr := httptest.NewRecorder()
	d.LedgerStatus()(rr, httptest.NewRequest("GET", "/api/vod/ledger", nil), nil)
	require.Equal(t, http.StatusBadRequest, rr.Code, "path query parameter is mandatory")

	status := func() ledgerStatusResponse {
		t.Helper()
		rr := httptest.NewRecorder()
		target := "/api/vod/ledger?path=" + url.QueryEscape(path)
		d.LedgerStatus()(rr, httptest.NewRequest("GET", target, nil), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp ledgerStatusResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		return resp
	}

	resp := status()
	require.False(t, resp.Ledgered)
	require.False(t, resp.EverSeen)

	d.Coordinator.Ledger.Add(ctx, path)
	resp = status()
	require.True(t, resp.Ledgered)
	require.True(t, resp.EverSeen)

	// A released entry (deferral) drops out of the dedup set but stays in
	// the rolling index for the window.
	d.Coordinator.Ledger.Remove(ctx, path)
	resp = status()
	require.False(t, resp.Ledgered)
	require.True(t, resp.EverSeen)
}

func TestJobsListsInFlightPipelines(t *testing.T) {
	d := testCollection(t)
	d.Coordinator.Jobs.Store("flex_flex3_0", &pipeline.JobInfo{VideoID: "flex_flex3_0", CityID: "flex3"})

	rr := httptest.NewRecorder()
	d.Jobs()(rr, httptest.NewRequest("GET", "/api/vod/jobs", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var jobs []pipeline.JobInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "flex_flex3_0", jobs[0].VideoID)
}
