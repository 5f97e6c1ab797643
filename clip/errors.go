package clip

import (
	"errors"
	"fmt"
)

// Common errors for clip acquisition.
var (
	// ErrCanceled is the benign cancellation sentinel. A canceled load is
	// not a failure; callbacks receive this value so callers can tell the
	// two apart.
	ErrCanceled = errors.New("clip load canceled")

	// ErrNetwork marks failures normalized from the synthesis collaborator.
	ErrNetwork = errors.New("synthesis request failed")

	// ErrQuota is reported when a clip is rejected or evicted by the
	// runtime cache size bound.
	ErrQuota = errors.New("removed from runtime cache due to size")

	// ErrPreloadPolicy is reported when a disk-cache miss occurs under the
	// preload policy, which forbids falling back to the network.
	ErrPreloadPolicy = errors.New("clip not in disk cache and preload policy forbids download")

	// ErrValidation marks requests rejected before any work is attempted.
	ErrValidation = errors.New("invalid clip request")

	// ErrCacheMiss is returned by disk probes when no persisted copy exists.
	ErrCacheMiss = errors.New("clip not found in disk cache")

	// ErrNoDiskCache is returned when a disk-cache operation is requested
	// but no disk store collaborator is configured.
	ErrNoDiskCache = errors.New("no disk cache configured")

	// ErrLoaderClosed is returned for requests made after Close.
	ErrLoaderClosed = errors.New("clip loader has been shut down")
)

// ClipError attaches the component and action that produced a failure.
// The wrapped sentinel stays visible to errors.Is.
type ClipError struct {
	Component string
	Action    string
	Err       error
}

func (e *ClipError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Action, e.Err)
}

func (e *ClipError) Unwrap() error { return e.Err }

// IsCanceled reports whether err denotes cooperative cancellation rather
// than a real failure.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
