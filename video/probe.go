// Package video wraps the opaque media tools: ffprobe for validation and
// ffmpeg for producing the captioned remux. Errors come back categorized so
// the pipeline can route on them.
package video

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	xerrors "github.com/flexvod/caption-api/errors"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

// ProbeTimeout bounds a single ffprobe invocation. A file that cannot be
// probed within this window is treated as invalid media.
const ProbeTimeout = 30 * time.Second

// MediaInfo is the subset of probe output the pipeline cares about.
type MediaInfo struct {
	VideoCodec   string
	DurationSec  float64
	SizeBytes    int64
	FormatName   string
	HasSubtitles bool
}

// Prober abstracts the probe so pipeline tests can stub media files.
type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

// FFProbe is the production Prober.
type FFProbe struct{}

func (FFProbe) Probe(ctx context.Context, path string) (MediaInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	// Transient probe hiccups on network mounts are worth a couple of quick
	// retries before declaring the media invalid.
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(backOff, ctx), 2)); err != nil {
		return MediaInfo{}, xerrors.E(xerrors.KindInvalidMedia, err)
	}

	return parseProbeData(data)
}

func parseProbeData(data *ffprobe.ProbeData) (MediaInfo, error) {
	videoStream := data.FirstVideoStream()
	if videoStream == nil || videoStream.CodecName == "" {
		return MediaInfo{}, xerrors.Errorf(xerrors.KindInvalidMedia, "no decodable video stream")
	}

	info := MediaInfo{VideoCodec: videoStream.CodecName}
	if data.Format != nil {
		info.FormatName = data.Format.FormatName
		info.DurationSec = data.Format.DurationSeconds
		if size, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
			info.SizeBytes = size
		}
	}
	if info.DurationSec == 0 {
		if d, err := strconv.ParseFloat(videoStream.Duration, 64); err == nil {
			info.DurationSec = d
		}
	}
	for _, stream := range data.Streams {
		if stream != nil && stream.CodecType == "subtitle" {
			info.HasSubtitles = true
			break
		}
	}
	return info, nil
}
