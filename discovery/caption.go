package discovery

import (
	"os"
	"path/filepath"
	"strings"
)

// captionSiblingDirs are checked next to the video after the adjacent check.
var captionSiblingDirs = []string{"transcriptions", "scc_files", "captions"}

// captionExtensions are the artifact formats that count as "already
// captioned". SCC is the canonical one.
var captionExtensions = []string{".scc", ".srt", ".vtt"}

// HasCaption reports whether an acceptable caption artifact already exists for
// the video: adjacent first, then the sibling caption directories, then the
// global output directory. Read errors count as "no caption".
func HasCaption(videoPath, globalOutDir string) bool {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	dir := filepath.Dir(videoPath)

	if captionIn(dir, base) {
		return true
	}
	for _, sibling := range captionSiblingDirs {
		if captionIn(filepath.Join(dir, sibling), base) {
			return true
		}
	}
	if globalOutDir != "" && captionIn(globalOutDir, base) {
		return true
	}
	return false
}

func captionIn(dir, base string) bool {
	for _, ext := range captionExtensions {
		info, err := os.Stat(filepath.Join(dir, base+ext))
		if err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}
