// Package log provides logfmt logging with per-video context. Loggers are
// keyed by video ID so that every line emitted while a pipeline runs carries
// the same identifying fields.
package log

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache

const loggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(loggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches key-value pairs to the logger for the given
// video ID. Any future logging for this ID will include them.
func AddContext(videoID string, keyvals ...interface{}) {
	loggerCache.Set(videoID, kitlog.With(getLogger(videoID), keyvals...), loggerCacheExpiry)
}

func Log(videoID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(videoID), "msg", message).Log(keyvals...)
}

func LogError(videoID string, message string, err error, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(videoID), "msg", message, "err", err.Error()).Log(keyvals...)
}

// LogNoVideoID is for logging outside the scope of a single video, e.g. the
// discovery scan or scheduler fires. Use sparingly and put as much context as
// possible into the message itself.
func LogNoVideoID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func getLogger(videoID string) kitlog.Logger {
	logger, found := loggerCache.Get(videoID)
	if found {
		return logger.(kitlog.Logger)
	}

	l := kitlog.With(newLogger(), "video_id", videoID)
	if err := loggerCache.Add(videoID, l, loggerCacheExpiry); err != nil {
		_ = l.Log("msg", "error adding logger to cache", "video_id", videoID)
	}
	return l
}

func newLogger() kitlog.Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)
}
