// Package synth talks to the remote speech synthesis service. It exposes
// a small client interface the clip loader streams from; the wire format
// is the service's concern, not ours.
package synth

import (
	"context"
	"errors"
	"strings"
)

// canceledMessage is the distinguished sentinel the synthesis service uses
// to denote cooperative cancellation. It is matched as a string because
// collaborator errors cross the boundary as strings.
const canceledMessage = "synthesis canceled"

// ErrCanceled denotes a cooperatively canceled request. It is benign and
// must be special-cased by callers, never treated as a failure.
var ErrCanceled = errors.New(canceledMessage)

// IsCanceled reports whether err denotes cooperative cancellation, either
// as our sentinel, a context cancellation, or the service's sentinel
// string embedded in a collaborator error.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), canceledMessage)
}

// Request describes one synthesis call.
type Request struct {
	Text     string
	Voice    string
	Language string
	Speed    float64
	Pitch    float64
}

// Client produces synthesized audio for a request. Implementations must
// honor ctx cancellation and surface it as ErrCanceled.
type Client interface {
	// Stream delivers decoded audio chunks as they arrive. expected is
	// the total size in bytes when known, 0 otherwise, and is the same
	// for every invocation. A non-nil error from onChunk aborts the
	// stream.
	Stream(ctx context.Context, req Request, onChunk func(p []byte, expected int64) error) error

	// Download writes the complete audio to path, decoupled from any
	// playback stream. The file appears atomically or not at all.
	Download(ctx context.Context, req Request, path string) error
}
