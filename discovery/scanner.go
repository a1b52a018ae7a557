// Package discovery finds freshly recorded videos on the city mounts and
// decides whether they still need captioning.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flexvod/caption-api/log"
)

// ContentSubdirs are the common layout conventions across the city mounts.
// Only these and the mount root are enumerated; no deeper recursion.
var ContentSubdirs = []string{
	"videos", "vod_content", "city_council", "meetings", "content", "incoming", "recordings",
}

// MinVideoSize filters out clips, thumbnails and partial recordings.
const MinVideoSize = 5 << 20

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".m4v": true,
	".avi": true, ".ts": true, ".wmv": true, ".mpeg": true,
}

// Candidate is a video file eligible for captioning.
type Candidate struct {
	Path    string
	CityID  string
	ModTime time.Time
	Size    int64
	Ext     string
}

type Scanner struct{}

// Scan returns up to limit candidates from the mount, newest first by mtime
// with lexicographic path tie-break. An unreadable or unmounted path yields an
// empty result and a warning; it is never an error.
func (s Scanner) Scan(mountPath, cityID string, limit int) []Candidate {
	if limit <= 0 {
		return nil
	}
	if !MountReadable(mountPath) {
		log.LogNoVideoID("mount not available for scan, skipping", "mount", mountPath, "city", cityID)
		return nil
	}

	dirs := []string{mountPath}
	for _, sub := range ContentSubdirs {
		dirs = append(dirs, filepath.Join(mountPath, sub))
	}

	var all []Candidate
	for _, dir := range dirs {
		all = append(all, scanDir(dir, cityID)...)
	}

	// The full union is sorted before truncation so newest-first holds when
	// several directories contribute.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ModTime.Equal(all[j].ModTime) {
			return all[i].ModTime.After(all[j].ModTime)
		}
		return all[i].Path < all[j].Path
	})

	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func scanDir(dir, cityID string) []Candidate {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Missing or unreadable content subdirs are normal; skip quietly.
		return nil
	}

	var out []Candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !videoExtensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < MinVideoSize {
			continue
		}
		out = append(out, Candidate{
			Path:    filepath.Join(dir, entry.Name()),
			CityID:  cityID,
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Ext:     ext,
		})
	}
	return out
}

// IsVideoFile reports whether the extension is one the pipeline accepts.
func IsVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}
