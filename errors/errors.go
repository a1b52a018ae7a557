// Package errors carries the error categories the pipeline routes on. Every
// failure surfaced by the downloader, the media tools or the VOD client is
// tagged with a Kind; the pipeline maps kinds to terminal states and the
// downloader uses them to decide whether a retry is worthwhile.
package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Kind is a stable, operator-facing error category.
type Kind string

const (
	KindNone               Kind = ""
	KindStorageUnavailable Kind = "storage-unavailable"
	KindStorageReadonly    Kind = "storage-readonly"
	KindSourceNotFound     Kind = "source-not-found"
	KindInvalidMedia       Kind = "invalid-media"
	KindRemuxFailed        Kind = "remux-failed"
	KindUploadFailed       Kind = "upload-failed"
	KindAPIUnreachable     Kind = "api-unreachable"
	KindAPIError           Kind = "api-error"
	KindAuth               Kind = "auth"
	KindNotFound           Kind = "not-found"
	KindMalformed          Kind = "malformed"
	KindVerificationFailed Kind = "verification-failed"
	KindTimeout            Kind = "timeout"
	KindTransientNetwork   Kind = "transient-network"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }

// E tags err with a kind. A nil err yields an error carrying just the kind.
func E(kind Kind, err error) error {
	return &kindError{kind: kind, err: err}
}

// Errorf is E with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the innermost kind attached to err, or KindNone.
func KindOf(err error) Kind {
	var ke *kindError
	if goerrors.As(err, &ke) {
		return ke.kind
	}
	return KindNone
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error category justifies a retry.
// Everything else fails fast.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransientNetwork:
		return true
	}
	return false
}

// Unretriable marks an error as permanent so that backoff-driven retry loops
// stop immediately.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

// IsUnretriable reports whether err was marked with Unretriable.
func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	return goerrors.As(err, &permErr)
}
