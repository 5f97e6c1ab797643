package clip

import (
	"context"
	"sync"
	"time"
)

// intent captures what the creating entry point wants done with a record
// once the registry's added notification fires.
type intent int

const (
	intentNone intent = iota
	intentStream
	intentDownload
)

// Record is the registry's unit of bookkeeping for one clip. It is
// exclusively owned by the registry while registered. All lifecycle
// mutation happens on the loader's executor goroutine; the mutex only
// guards reads from other goroutines.
type Record struct {
	id       string
	text     string
	settings VoiceSettings
	policy   DiskCachePolicy
	intent   intent

	mu           sync.RWMutex
	machine      *stateMachine
	progress     float64
	lastErr      error
	loadStart    time.Time
	loadDuration time.Duration
	size         int64

	sink SampleSink

	// pending holds the completions of every caller waiting on the
	// current attempt. Cleared after each resolution.
	pending []*completion

	// attempt identifies the in-flight fetch so a late completion from a
	// superseded or canceled attempt can be recognized and dropped.
	attempt     string
	cancelFetch context.CancelFunc
}

func newRecord(id, text string, settings VoiceSettings, policy DiskCachePolicy, sink SampleSink) *Record {
	return &Record{
		id:       id,
		text:     text,
		settings: settings,
		policy:   policy,
		machine:  newStateMachine(),
		sink:     sink,
	}
}

// ID returns the clip's identity hash.
func (r *Record) ID() string { return r.id }

// Text returns the spoken text.
func (r *Record) Text() string { return r.text }

// Settings returns the voice settings the clip was requested with.
func (r *Record) Settings() VoiceSettings { return r.settings }

// Policy returns the disk cache policy for the clip.
func (r *Record) Policy() DiskCachePolicy { return r.policy }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machine.state()
}

// Progress returns the load progress in [0, 1].
func (r *Record) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

// Err returns the terminal error of the last attempt, if any.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LoadDuration returns how long the last successful load took.
func (r *Record) LoadDuration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadDuration
}

// Size returns the admitted size of the clip in bytes.
func (r *Record) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Sink returns the record's stream sink, nil for download-only records.
func (r *Record) Sink() SampleSink { return r.sink }

// transition moves the state machine and reports success.
func (r *Record) transition(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine.transition(to)
}

// setProgress raises the load progress. Progress is monotonic within an
// attempt; lower values are ignored.
func (r *Record) setProgress(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p > 1 {
		p = 1
	}
	if p > r.progress {
		r.progress = p
	}
}

func (r *Record) resetProgress() {
	r.mu.Lock()
	r.progress = 0
	r.mu.Unlock()
}

func (r *Record) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Record) setSize(n int64) {
	r.mu.Lock()
	r.size = n
	r.mu.Unlock()
}

func (r *Record) markLoadStart(t time.Time) {
	r.mu.Lock()
	r.loadStart = t
	r.mu.Unlock()
}

func (r *Record) markLoadEnd(t time.Time) {
	r.mu.Lock()
	if !r.loadStart.IsZero() {
		r.loadDuration = t.Sub(r.loadStart)
	}
	r.mu.Unlock()
}

// addPending queues a completion on the current attempt.
func (r *Record) addPending(c *completion) {
	r.mu.Lock()
	r.pending = append(r.pending, c)
	r.mu.Unlock()
}

// takePending returns and clears the pending completions.
func (r *Record) takePending() []*completion {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	return pending
}

// beginAttempt records the attempt token and its cancel function.
func (r *Record) beginAttempt(token string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.attempt = token
	r.cancelFetch = cancel
	r.mu.Unlock()
}

// currentAttempt returns the active attempt token, empty if none.
func (r *Record) currentAttempt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempt
}

// endAttempt clears the attempt if token still identifies it.
func (r *Record) endAttempt(token string) {
	r.mu.Lock()
	if r.attempt == token {
		r.attempt = ""
		r.cancelFetch = nil
	}
	r.mu.Unlock()
}

// abortAttempt cancels the in-flight operation, if any, and marks the
// attempt stale so its late completion is dropped.
func (r *Record) abortAttempt() {
	r.mu.Lock()
	cancel := r.cancelFetch
	r.attempt = ""
	r.cancelFetch = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
