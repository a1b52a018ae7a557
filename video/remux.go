package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	xerrors "github.com/flexvod/caption-api/errors"
)

// RemuxTimeout bounds a single captioned remux. Council meetings run long but
// a copy-codec mux should never take an hour.
const RemuxTimeout = time.Hour

// Remuxer abstracts the captioned remux for pipeline tests.
type Remuxer interface {
	RemuxWithCaptions(inputPath, captionPath, outputPath string) error
}

// FFmpegRemuxer produces <basename>_captioned.mp4: original video and audio
// copied, captions embedded as a mov_text subtitle track.
type FFmpegRemuxer struct{}

func (FFmpegRemuxer) RemuxWithCaptions(inputPath, captionPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return xerrors.E(xerrors.KindStorageUnavailable, err)
	}

	compiled := ffmpeg.Output(
		[]*ffmpeg.Stream{ffmpeg.Input(inputPath), ffmpeg.Input(captionPath)},
		outputPath,
		ffmpeg.KwArgs{
			"c:v":      "copy",
			"c:a":      "copy",
			"c:s":      "mov_text",
			"movflags": "faststart",
		},
	).OverWriteOutput().Compile()

	// The subprocess is bound to the deadline so a hung mux gets killed
	// instead of writing into outputPath after we have given up on it.
	ctx, cancel := context.WithTimeout(context.Background(), RemuxTimeout)
	defer cancel()
	stderr, err := runCommand(ctx, compiled.Path, compiled.Args[1:])
	if err != nil {
		removePartial(outputPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return xerrors.Errorf(xerrors.KindRemuxFailed, "remux of %s timed out after %s", inputPath, RemuxTimeout)
		}
		return xerrors.Errorf(xerrors.KindRemuxFailed, "ffmpeg: %v: %s", err, stderr)
	}

	// Never report a zero-byte captioned file as success.
	info, err := os.Stat(outputPath)
	if err != nil {
		return xerrors.Errorf(xerrors.KindRemuxFailed, "remux output missing: %v", err)
	}
	if info.Size() == 0 {
		removePartial(outputPath)
		return xerrors.Errorf(xerrors.KindRemuxFailed, "remux produced empty output %s", outputPath)
	}
	return nil
}

// runCommand executes name with args under ctx and returns the trimmed
// stderr. The process is killed when ctx expires.
func runCommand(ctx context.Context, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

// CaptionedOutputName derives the output filename for a source video.
func CaptionedOutputName(sourcePath string) string {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return fmt.Sprintf("%s_captioned.mp4", base)
}

func removePartial(path string) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		_ = os.Remove(path)
	}
}
