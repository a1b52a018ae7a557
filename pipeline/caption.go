package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flexvod/caption-api/clients"
	"github.com/flexvod/caption-api/discovery"
	xerrors "github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/video"
)

// Stage names the pipeline stages as they appear in results and alerts.
type Stage string

const (
	StageLocate       Stage = "LOCATE"
	StageValidate     Stage = "VALIDATE"
	StageCaptionCheck Stage = "CAPTION-CHECK"
	StageTranscribe   Stage = "TRANSCRIBE"
	StageRemux        Stage = "REMUX"
	StageUpload       Stage = "UPLOAD"
	StageQuality      Stage = "QUALITY"
	StageDone         Stage = "DONE"
)

// Terminal statuses of a pipeline run.
const (
	StatusDone     = "done"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
	StatusDeferred = "deferred"
)

// Result is the terminal record of one pipeline execution.
type Result struct {
	VideoID string `json:"video_id"`
	CityID  string `json:"city_id"`
	Status  string `json:"status"`
	Stage   Stage  `json:"stage"`
	Score   int    `json:"score,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// TempDownloadDir is where derived-URL fallback downloads land. Cleanup
// removes stale entries by the vod_ prefix.
func TempDownloadDir() string {
	return filepath.Join(os.TempDir(), "vod_downloads")
}

// ProcessSingle runs the whole state machine for one video and always
// returns a terminal Result. The pipeline never retries; recovery happens by
// rediscovery on the next scheduled fire.
func (c *Coordinator) ProcessSingle(ctx context.Context, args ProcessArgs) Result {
	log.AddContext(args.VideoID, "city_id", args.CityID)
	c.Counters.Inc(ctx, metrics.PipelineStart, "")

	job := &JobInfo{
		VideoID:    args.VideoID,
		CityID:     args.CityID,
		SourcePath: args.LocalPath,
		Stage:      StageLocate,
		StartedAt:  time.Now().UTC(),
	}
	c.Jobs.Store(args.VideoID, job)
	defer c.Jobs.Remove(args.VideoID)

	city, found := c.Registry.Get(args.CityID)
	if !found {
		return c.finish(ctx, args.LocalPath, Result{
			VideoID: args.VideoID, CityID: args.CityID, Status: StatusFailed, Stage: StageLocate,
			Error: string(xerrors.KindSourceNotFound), Message: fmt.Sprintf("unknown city %q", args.CityID),
		})
	}

	localPath, err := c.locate(ctx, args, city)
	if err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageLocate, err))
	}
	job.SourcePath = localPath
	log.Log(args.VideoID, "source located", "path", localPath)

	job.Stage = StageValidate
	info, err := c.Prober.Probe(ctx, localPath)
	if err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageValidate, xerrors.E(xerrors.KindInvalidMedia, err)))
	}
	log.Log(args.VideoID, "media validated", "codec", info.VideoCodec, "duration", info.DurationSec)

	job.Stage = StageCaptionCheck
	outputDir := discovery.OutputDir(city.MountPath)
	if discovery.HasCaption(localPath, outputDir) {
		return c.finish(ctx, args.LocalPath, Result{
			VideoID: args.VideoID, CityID: args.CityID, Status: StatusSkipped, Stage: StageCaptionCheck,
			Message: "caption artifact already present",
		})
	}

	job.Stage = StageTranscribe
	if !discovery.MountReadable(city.MountPath) || !discovery.MountWritable(city.MountPath) {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageTranscribe,
			xerrors.Errorf(xerrors.KindStorageUnavailable, "output mount %s not mounted or not writable", city.MountPath)))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageTranscribe, xerrors.E(xerrors.KindStorageUnavailable, err)))
	}
	transcribed, err := c.Transcriber.Transcribe(ctx, localPath)
	if err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageTranscribe, err))
	}
	captionPath := filepath.Join(outputDir, args.VideoID+".scc")
	if err := copyFile(transcribed.OutputPath, captionPath); err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageTranscribe, xerrors.E(xerrors.KindStorageUnavailable, err)))
	}
	log.Log(args.VideoID, "transcription complete", "caption", captionPath, "segments", transcribed.Segments)

	job.Stage = StageRemux
	captionedPath := filepath.Join(outputDir, video.CaptionedOutputName(localPath))
	if err := c.Remuxer.RemuxWithCaptions(localPath, captionPath, captionedPath); err != nil {
		return c.finish(ctx, args.LocalPath, c.fromError(args, StageRemux, err))
	}
	log.Log(args.VideoID, "remux complete", "output", captionedPath)

	job.Stage = StageUpload
	if err := c.VOD.UploadVideoFile(ctx, args.VideoID, captionedPath); err != nil {
		return c.finish(ctx, args.LocalPath, c.uploadError(args, err))
	}
	if err := c.VOD.UploadCaptionFile(ctx, args.VideoID, captionPath); err != nil {
		return c.finish(ctx, args.LocalPath, c.uploadError(args, err))
	}

	job.Stage = StageQuality
	score := c.qualityScore(ctx, captionedPath)

	return c.finish(ctx, args.LocalPath, Result{
		VideoID: args.VideoID, CityID: args.CityID, Status: StatusDone, Stage: StageDone,
		Score: score, Message: "captioned and uploaded",
	})
}

// locate resolves the video's local path: caller-provided path first, then a
// surface scan of the city mount, then a derived-URL download as last resort.
func (c *Coordinator) locate(ctx context.Context, args ProcessArgs, city registry.City) (string, error) {
	if args.LocalPath != "" {
		if info, err := os.Stat(args.LocalPath); err == nil && !info.IsDir() {
			return args.LocalPath, nil
		}
		log.Log(args.VideoID, "provided path unusable, searching mount", "path", args.LocalPath)
	}

	if match := c.searchMount(city, args.VideoID); match != "" {
		return match, nil
	}

	rec, err := c.VOD.GetVOD(ctx, args.VideoID)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindAPIUnreachable {
			return "", err
		}
		return "", xerrors.Errorf(xerrors.KindSourceNotFound, "no local copy and no upstream record for %s", args.VideoID)
	}
	if rec.FileURL == "" {
		return "", xerrors.Errorf(xerrors.KindSourceNotFound, "upstream record for %s has no file URL", args.VideoID)
	}

	dest := filepath.Join(TempDownloadDir(), "vod_"+args.VideoID+".mp4")
	if err := c.Downloader.DownloadMedia(ctx, rec.FileURL, dest); err != nil {
		return "", xerrors.E(xerrors.KindSourceNotFound, err)
	}
	return dest, nil
}

// searchMount looks for a surface-level video whose basename carries the
// video-id, or matches the city title patterns when the city has any.
func (c *Coordinator) searchMount(city registry.City, videoID string) string {
	dirs := append([]string{city.MountPath}, func() []string {
		var subs []string
		for _, sub := range discovery.ContentSubdirs {
			subs = append(subs, filepath.Join(city.MountPath, sub))
		}
		return subs
	}()...)

	lowerID := strings.ToLower(videoID)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !discovery.IsVideoFile(path) {
				continue
			}
			base := strings.ToLower(entry.Name())
			if strings.Contains(base, lowerID) {
				return path
			}
			if len(city.TitlePatterns) > 0 && city.MatchesTitle(entry.Name()) {
				return path
			}
		}
	}
	return ""
}

// qualityScore grades the captioned output, 25 points per criterion:
// probeable, at least 1 MiB, positive duration, and an embedded subtitle
// stream.
func (c *Coordinator) qualityScore(ctx context.Context, path string) int {
	score := 0
	if info, err := c.Prober.Probe(ctx, path); err == nil {
		score += 25
		if info.DurationSec > 0 {
			score += 25
		}
		if info.HasSubtitles {
			score += 25
		}
	}
	if st, err := os.Stat(path); err == nil && st.Size() >= 1<<20 {
		score += 25
	}
	return score
}

func (c *Coordinator) fromError(args ProcessArgs, stage Stage, err error) Result {
	status := StatusFailed
	if xerrors.KindOf(err) == xerrors.KindAPIUnreachable {
		status = StatusDeferred
	}
	return Result{
		VideoID: args.VideoID, CityID: args.CityID, Status: status, Stage: stage,
		Error: string(xerrors.KindOf(err)), Message: err.Error(),
	}
}

// uploadError wraps non-unreachable upload failures as upload-failed while
// keeping the deferral path for an unreachable upstream.
func (c *Coordinator) uploadError(args ProcessArgs, err error) Result {
	if xerrors.KindOf(err) == xerrors.KindAPIUnreachable {
		return c.fromError(args, StageUpload, err)
	}
	return Result{
		VideoID: args.VideoID, CityID: args.CityID, Status: StatusFailed, Stage: StageUpload,
		Error: string(xerrors.KindUploadFailed), Message: err.Error(),
	}
}

// finish increments the terminal counter, emits the structured alert, and
// logs the outcome. Alerts are best-effort; counters move regardless.
func (c *Coordinator) finish(ctx context.Context, sourcePath string, result Result) Result {
	fields := map[string]string{
		"video_id": result.VideoID,
		"city_id":  result.CityID,
		"stage":    string(result.Stage),
	}
	if result.Error != "" {
		fields["error"] = result.Error
	}

	switch result.Status {
	case StatusDone:
		c.Counters.Inc(ctx, metrics.PipelineDone, "")
		fields["score"] = strconv.Itoa(result.Score)
		c.Alerts.Emit(clients.AlertInfo, "pipeline done", fields)
	case StatusSkipped:
		c.Alerts.Emit(clients.AlertWarning, "pipeline skipped", fields)
	case StatusDeferred:
		c.Counters.Inc(ctx, metrics.PipelineDeferred, "")
		// A deferred video must be re-enqueueable on the next discovery
		// fire, so its dedup entry is released here.
		if sourcePath != "" && c.Ledger != nil {
			c.Ledger.Remove(ctx, sourcePath)
		}
		c.Alerts.Emit(clients.AlertWarning, "pipeline deferred", fields)
	default:
		c.Counters.Inc(ctx, metrics.PipelineFailed, "")
		c.Alerts.Emit(clients.AlertError, "pipeline failed", fields)
	}

	log.Log(result.VideoID, "pipeline terminal",
		"status", result.Status, "stage", string(result.Stage), "score", result.Score, "error", result.Error)
	return result
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
