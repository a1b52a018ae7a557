package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeVideo creates a sparse file of the given size with the given mtime.
func writeVideo(t *testing.T, path string, size int64, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScanNewestFirst(t *testing.T) {
	mount := t.TempDir()
	base := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	writeVideo(t, filepath.Join(mount, "old.mp4"), 10<<20, base.Add(-2*time.Hour))
	writeVideo(t, filepath.Join(mount, "newest.mp4"), 10<<20, base)
	writeVideo(t, filepath.Join(mount, "middle.mov"), 10<<20, base.Add(-time.Hour))

	got := Scanner{}.Scan(mount, "flex3", 10)
	require.Len(t, got, 3)
	require.Equal(t, filepath.Join(mount, "newest.mp4"), got[0].Path)
	require.Equal(t, filepath.Join(mount, "middle.mov"), got[1].Path)
	require.Equal(t, filepath.Join(mount, "old.mp4"), got[2].Path)
	require.Equal(t, "flex3", got[0].CityID)
}

func TestScanTieBreakLexicographic(t *testing.T) {
	mount := t.TempDir()
	mtime := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	writeVideo(t, filepath.Join(mount, "b.mp4"), 10<<20, mtime)
	writeVideo(t, filepath.Join(mount, "a.mp4"), 10<<20, mtime)
	writeVideo(t, filepath.Join(mount, "c.mp4"), 10<<20, mtime)

	got := Scanner{}.Scan(mount, "flex1", 10)
	require.Len(t, got, 3)
	require.Equal(t, filepath.Join(mount, "a.mp4"), got[0].Path)
	require.Equal(t, filepath.Join(mount, "b.mp4"), got[1].Path)
	require.Equal(t, filepath.Join(mount, "c.mp4"), got[2].Path)
}

func TestScanSizeBoundary(t *testing.T) {
	mount := t.TempDir()
	now := time.Now()

	writeVideo(t, filepath.Join(mount, "exactly.mp4"), MinVideoSize, now)
	writeVideo(t, filepath.Join(mount, "undersize.mp4"), MinVideoSize-1, now)

	got := Scanner{}.Scan(mount, "flex1", 10)
	require.Len(t, got, 1)
	require.Equal(t, filepath.Join(mount, "exactly.mp4"), got[0].Path)
}

func TestScanFiltersExtensions(t *testing.T) {
	mount := t.TempDir()
	now := time.Now()

	writeVideo(t, filepath.Join(mount, "video.mp4"), 10<<20, now)
	writeVideo(t, filepath.Join(mount, "notes.txt"), 10<<20, now)
	writeVideo(t, filepath.Join(mount, "caption.scc"), 10<<20, now)

	got := Scanner{}.Scan(mount, "flex1", 10)
	require.Len(t, got, 1)
	require.Equal(t, ".mp4", got[0].Ext)
}

func TestScanUnionsContentSubdirs(t *testing.T) {
	mount := t.TempDir()
	base := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	writeVideo(t, filepath.Join(mount, "root.mp4"), 10<<20, base.Add(-time.Hour))
	writeVideo(t, filepath.Join(mount, "city_council", "council.mp4"), 10<<20, base)
	writeVideo(t, filepath.Join(mount, "meetings", "meeting.mp4"), 10<<20, base.Add(-2*time.Hour))
	// Nested beyond depth 1 must be ignored.
	writeVideo(t, filepath.Join(mount, "meetings", "archive", "deep.mp4"), 10<<20, base.Add(time.Hour))

	got := Scanner{}.Scan(mount, "flex3", 10)
	require.Len(t, got, 3)
	require.Equal(t, filepath.Join(mount, "city_council", "council.mp4"), got[0].Path)
	require.Equal(t, filepath.Join(mount, "root.mp4"), got[1].Path)
	require.Equal(t, filepath.Join(mount, "meetings", "meeting.mp4"), got[2].Path)
}

func TestScanLimitAppliedAfterSort(t *testing.T) {
	mount := t.TempDir()
	base := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	writeVideo(t, filepath.Join(mount, "older.mp4"), 10<<20, base.Add(-time.Hour))
	writeVideo(t, filepath.Join(mount, "videos", "newest.mp4"), 10<<20, base)

	got := Scanner{}.Scan(mount, "flex3", 1)
	require.Len(t, got, 1)
	require.Equal(t, filepath.Join(mount, "videos", "newest.mp4"), got[0].Path)
}

func TestScanMissingMount(t *testing.T) {
	got := Scanner{}.Scan(filepath.Join(t.TempDir(), "not-mounted"), "flex1", 10)
	require.Empty(t, got)
}

func TestMountWritable(t *testing.T) {
	dir := t.TempDir()
	require.True(t, MountWritable(dir))
	require.False(t, MountWritable(filepath.Join(dir, "missing")))

	readonly := filepath.Join(dir, "ro")
	require.NoError(t, os.Mkdir(readonly, 0o555))
	t.Cleanup(func() { _ = os.Chmod(readonly, 0o755) })
	if os.Getuid() != 0 { // root ignores permission bits
		require.False(t, MountWritable(readonly))
	}
}
