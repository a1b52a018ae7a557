package discovery

import (
	"os"
	"path/filepath"
)

// MountReadable reports whether the mount path exists, is a directory and can
// be enumerated. A flex server that is down presents as a missing or empty
// unreadable directory.
func MountReadable(mountPath string) bool {
	info, err := os.Stat(mountPath)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.ReadDir(mountPath); err != nil {
		return false
	}
	return true
}

// MountWritable probes write access by creating and removing a scratch file.
// Permission bits alone are not trustworthy on network mounts.
func MountWritable(mountPath string) bool {
	if !MountReadable(mountPath) {
		return false
	}
	f, err := os.CreateTemp(mountPath, ".caption-api-write-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// OutputDir is where captioned artifacts for a mount land.
func OutputDir(mountPath string) string {
	return filepath.Join(mountPath, "vod_processed")
}
