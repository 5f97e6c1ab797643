package clip

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/voxcache/voxcache/internal/synth"
)

// fetcher drives web streaming and downloads for records. Each attempt
// gets a token; completions carrying a stale token are dropped, which is
// how a canceled attempt's late arrival is kept from resurrecting a
// record.
type fetcher struct {
	client synth.Client
	exec   *executor
}

// webErrors validates a record's preconditions before any network call.
// A non-empty result aborts the attempt early.
func (f *fetcher) webErrors(rec *Record) string {
	if f.client == nil {
		return "no synthesis client configured"
	}
	if strings.TrimSpace(rec.Settings().Voice) == "" {
		return "voice is required for synthesis"
	}
	return ""
}

// requestStream starts a web stream for rec. onChunk and done run on the
// executor; done receives a normalized error, with cancellation surfaced
// as ErrCanceled.
func (f *fetcher) requestStream(rec *Record, onChunk func(p []byte, expected int64), done func(err error)) {
	token := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rec.beginAttempt(token, cancel)

	req := f.requestFor(rec)
	go func() {
		err := f.client.Stream(ctx, req, func(p []byte, expected int64) error {
			if ctx.Err() != nil {
				return synth.ErrCanceled
			}
			f.exec.post(func() {
				if rec.currentAttempt() != token {
					return
				}
				onChunk(p, expected)
			})
			return nil
		})
		f.exec.post(func() {
			if rec.currentAttempt() != token {
				return
			}
			rec.endAttempt(token)
			done(normalizeWebErr(err, "stream"))
		})
	}()
}

// requestDownload downloads rec's audio to path, decoupled from any
// playback sink. done runs on the executor with a normalized error.
func (f *fetcher) requestDownload(rec *Record, path string, done func(err error)) {
	token := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rec.beginAttempt(token, cancel)

	req := f.requestFor(rec)
	go func() {
		err := f.client.Download(ctx, req, path)
		f.exec.post(func() {
			if rec.currentAttempt() != token {
				return
			}
			rec.endAttempt(token)
			done(normalizeWebErr(err, "download"))
		})
	}()
}

// cancel aborts the record's in-flight request, if any. The lifecycle is
// responsible for resolving the pending callbacks with the cancellation
// sentinel so they are never left dangling.
func (f *fetcher) cancel(rec *Record) {
	rec.abortAttempt()
}

func (f *fetcher) requestFor(rec *Record) synth.Request {
	settings := rec.Settings()
	return synth.Request{
		Text:     settings.PrependText + rec.Text() + settings.AppendText,
		Voice:    settings.Voice,
		Language: settings.Language,
		Speed:    settings.Speed,
		Pitch:    settings.Pitch,
	}
}

// normalizeWebErr maps collaborator errors into the loader's taxonomy.
// The cancellation sentinel passes through untouched; everything else is
// a network failure tagged with the failing action.
func normalizeWebErr(err error, action string) error {
	if err == nil {
		return nil
	}
	if synth.IsCanceled(err) {
		return ErrCanceled
	}
	return &ClipError{
		Component: "synth",
		Action:    action,
		Err:       fmt.Errorf("%w: %v", ErrNetwork, err),
	}
}
