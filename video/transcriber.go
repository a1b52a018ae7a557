package video

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	xerrors "github.com/flexvod/caption-api/errors"
)

// TranscribeResult is the contract with the external transcriber: after a
// successful call OutputPath exists and is parseable as a subtitle source.
type TranscribeResult struct {
	OutputPath string  `json:"output_path"`
	Segments   int     `json:"segments"`
	Duration   float64 `json:"duration"`
}

// Transcriber is the opaque speech-to-caption collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, videoPath string) (TranscribeResult, error)
}

// CommandTranscriber shells out to a configured transcriber binary, passing
// the video path as the last argument and reading the result JSON from
// stdout.
type CommandTranscriber struct {
	Command string
	Args    []string
}

func (t CommandTranscriber) Transcribe(ctx context.Context, videoPath string) (TranscribeResult, error) {
	args := append(append([]string{}, t.Args...), videoPath)
	cmd := exec.CommandContext(ctx, t.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return TranscribeResult{}, xerrors.Errorf(xerrors.KindInvalidMedia,
			"transcriber failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var result TranscribeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return TranscribeResult{}, xerrors.Errorf(xerrors.KindMalformed,
			"transcriber output not parseable: %v", err)
	}
	if result.OutputPath == "" {
		return TranscribeResult{}, xerrors.Errorf(xerrors.KindMalformed, "transcriber returned no output_path")
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		return TranscribeResult{}, xerrors.Errorf(xerrors.KindMalformed,
			"transcriber output %s missing: %v", result.OutputPath, err)
	}
	return result, nil
}
