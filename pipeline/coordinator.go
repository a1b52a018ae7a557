// Package pipeline holds the per-video captioning state machine and the task
// handlers that feed it: discovery, backfill, temp cleanup, and the media
// helper tasks. The Coordinator is the single composition point wiring the
// external collaborators together.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/cache"
	"github.com/flexvod/caption-api/clients"
	xerrors "github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/store"
	"github.com/flexvod/caption-api/video"
)

const (
	// DefaultScanLimit bounds how many candidates a single city scan reads.
	DefaultScanLimit = 25
	// DefaultPerCityLimit is how many pipelines one discovery fire may
	// enqueue per city.
	DefaultPerCityLimit = 1
	// DefaultBackfillLimit bounds one backfill fire across all cities.
	DefaultBackfillLimit = 2
)

// JobInfo is the in-flight record for one video, visible to the status API
// while the pipeline owns the video.
type JobInfo struct {
	VideoID    string    `json:"video_id"`
	CityID     string    `json:"city_id"`
	SourcePath string    `json:"source_path"`
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
}

// Coordinator owns the pipeline dependency graph. Construct it once at
// process start and register its handlers on the broker before any worker
// runs.
type Coordinator struct {
	Registry    *registry.Registry
	Ledger      *store.DedupLedger
	Counters    *store.Counters
	Prober      video.Prober
	Remuxer     video.Remuxer
	Transcriber video.Transcriber
	Downloader  *clients.Downloader
	VOD         clients.VODAPI
	Alerts      clients.Alerter
	Broker      *broker.Broker

	// Jobs tracks in-flight pipelines by video-id.
	Jobs *cache.Cache[*JobInfo]

	ScanLimit     int
	PerCityLimit  int
	BackfillLimit int

	// Health runs the aggregator; injected as a closure to keep the health
	// package independent of this one.
	Health func(ctx context.Context) (interface{}, error)
}

func NewCoordinator(reg *registry.Registry, ledger *store.DedupLedger, counters *store.Counters,
	prober video.Prober, remuxer video.Remuxer, transcriber video.Transcriber,
	downloader *clients.Downloader, vod clients.VODAPI, alerts clients.Alerter, b *broker.Broker) *Coordinator {
	return &Coordinator{
		Registry:      reg,
		Ledger:        ledger,
		Counters:      counters,
		Prober:        prober,
		Remuxer:       remuxer,
		Transcriber:   transcriber,
		Downloader:    downloader,
		VOD:           vod,
		Alerts:        alerts,
		Broker:        b,
		Jobs:          cache.New[*JobInfo](),
		ScanLimit:     DefaultScanLimit,
		PerCityLimit:  DefaultPerCityLimit,
		BackfillLimit: DefaultBackfillLimit,
	}
}

// Register binds every task kind to its handler.
func (c *Coordinator) Register() {
	c.Broker.Handle(broker.TaskDiscoverAllCities, c.handleDiscoverAllCities)
	c.Broker.Handle(broker.TaskProcessSingle, c.handleProcessSingle)
	c.Broker.Handle(broker.TaskTranscribe, c.handleTranscribe)
	c.Broker.Handle(broker.TaskRemuxWithCaptions, c.handleRemux)
	c.Broker.Handle(broker.TaskUpload, c.handleUpload)
	c.Broker.Handle(broker.TaskValidateQuality, c.handleValidateQuality)
	c.Broker.Handle(broker.TaskCleanupTemp, c.handleCleanupTemp)
	c.Broker.Handle(broker.TaskBackfill, c.handleBackfill)
	c.Broker.Handle(broker.TaskHealthAggregate, c.handleHealthAggregate)
}

// ProcessArgs are the pipeline.process_single inputs.
type ProcessArgs struct {
	VideoID   string `json:"video_id"`
	CityID    string `json:"city_id"`
	LocalPath string `json:"local_path,omitempty"`
}

func (c *Coordinator) handleProcessSingle(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args ProcessArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, xerrors.E(xerrors.KindMalformed, err)
	}
	result := c.ProcessSingle(ctx, args)
	// The result carries the terminal status; only a malformed submission is
	// a task-level failure.
	return result, nil
}

// TranscribeArgs are the media.transcribe inputs.
type TranscribeArgs struct {
	VideoPath string `json:"video_path"`
}

func (c *Coordinator) handleTranscribe(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args TranscribeArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, err
	}
	return c.Transcriber.Transcribe(ctx, args.VideoPath)
}

// RemuxArgs are the media.remux_with_captions inputs.
type RemuxArgs struct {
	VideoPath   string `json:"video_path"`
	CaptionPath string `json:"caption_path"`
	OutputPath  string `json:"output_path"`
}

func (c *Coordinator) handleRemux(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args RemuxArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, err
	}
	return nil, c.Remuxer.RemuxWithCaptions(args.VideoPath, args.CaptionPath, args.OutputPath)
}

// UploadArgs are the vod.upload inputs.
type UploadArgs struct {
	VideoID       string `json:"video_id"`
	CaptionedPath string `json:"captioned_path"`
	CaptionPath   string `json:"caption_path"`
}

func (c *Coordinator) handleUpload(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args UploadArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, err
	}
	if err := c.VOD.UploadVideoFile(ctx, args.VideoID, args.CaptionedPath); err != nil {
		return nil, err
	}
	return nil, c.VOD.UploadCaptionFile(ctx, args.VideoID, args.CaptionPath)
}

// QualityArgs are the vod.validate_quality inputs.
type QualityArgs struct {
	VideoPath string `json:"video_path"`
}

// QualityResult is the vod.validate_quality output.
type QualityResult struct {
	Score int `json:"score"`
}

func (c *Coordinator) handleValidateQuality(ctx context.Context, env broker.Envelope) (interface{}, error) {
	var args QualityArgs
	if err := env.UnmarshalArgs(&args); err != nil {
		return nil, err
	}
	return QualityResult{Score: c.qualityScore(ctx, args.VideoPath)}, nil
}

func (c *Coordinator) handleHealthAggregate(ctx context.Context, env broker.Envelope) (interface{}, error) {
	if c.Health == nil {
		return nil, fmt.Errorf("health aggregator not wired")
	}
	return c.Health(ctx)
}
