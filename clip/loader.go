// Package clip acquires synthesized speech clips for text/voice pairings
// while avoiding redundant network fetches. It coordinates an in-memory
// registry, a persistent disk store, and a remote synthesis fetch behind
// a single request API.
package clip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/voxcache/voxcache/internal/synth"
)

// DiskStore is the persistent cache collaborator. Paths are derived from
// the same identity hash the registry keys records by.
type DiskStore interface {
	Contains(key string) bool
	Path(key string) string
	TempPath(key string) string
	Stream(ctx context.Context, key string, onChunk func(p []byte, total int64) error) (int64, error)
	Put(key string, data []byte) (string, error)
	Import(key, srcPath string) (string, error)
}

// Config holds loader configuration.
type Config struct {
	// RuntimeCapacity bounds the decoded audio held by the registry, in
	// bytes. Zero disables the quota.
	RuntimeCapacity int64
	// DefaultPolicy applies when a request does not name a policy.
	DefaultPolicy DiskCachePolicy
	// Logger, when set, replaces the default logger for loader output.
	Logger *log.Logger
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		RuntimeCapacity: 64 * 1024 * 1024,
		DefaultPolicy:   CacheOnDemand,
	}
}

// Handle references a requested clip. It stays valid across the clip's
// whole lifecycle; resolve it with Loader.Record for sink access.
type Handle struct {
	id string
}

// ID returns the clip's identity hash.
func (h Handle) ID() string { return h.id }

// Stats aggregates loader counters.
type Stats struct {
	Registry    RegistryStats
	WebStreams  int64
	WebErrors   int64
	DiskStreams int64
	Cancels     int64
}

// Loader is the orchestration façade over the registry, disk cache and
// web fetch tiers. All lifecycle work runs on a single executor
// goroutine; public methods are safe to call from anywhere.
type Loader struct {
	cfg      Config
	registry *Registry
	disk     DiskStore // nil when no disk tier is configured
	fetcher  *fetcher
	broker   *Broker
	exec     *executor
	log      *log.Logger

	// closed and the counters below are only touched on the executor.
	closed bool
	stats  Stats
}

// NewLoader wires a loader from its collaborators. client and disk may
// each be nil, disabling the corresponding tier.
func NewLoader(cfg Config, client synth.Client, disk DiskStore) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	l := &Loader{
		cfg:      cfg,
		registry: NewRegistry(cfg.RuntimeCapacity),
		disk:     disk,
		broker:   NewBroker(),
		exec:     newExecutor(),
		log:      logger,
	}
	l.fetcher = &fetcher{client: client, exec: l.exec}
	l.registry.OnAdd(l.handleAdded)
	l.registry.OnRemove(l.handleRemoved)
	return l
}

// Broker returns the loader's event broker for subscriptions.
func (l *Loader) Broker() *Broker { return l.broker }

// ClipID derives the deterministic cache key for a text/voice pairing
// without touching any cache tier.
func (l *Loader) ClipID(text string, settings VoiceSettings) string {
	return ComputeID(text, settings)
}

// Record resolves a handle to its registered record, if any.
func (l *Loader) Record(h Handle) (*Record, bool) {
	return l.registry.Get(h.id)
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() Stats {
	done := make(chan Stats, 1)
	l.exec.post(func() {
		stats := l.stats
		stats.Registry = l.registry.Stats()
		done <- stats
	})
	select {
	case stats := <-done:
		return stats
	case <-time.After(5 * time.Second):
		return Stats{Registry: l.registry.Stats()}
	}
}

// Option customizes a Load or DownloadToDiskCache call.
type Option func(*requestOptions)

type requestOptions struct {
	id       string
	settings VoiceSettings
	policy   DiskCachePolicy
	text     string
}

// WithID overrides the derived clip ID.
func WithID(id string) Option {
	return func(o *requestOptions) { o.id = id }
}

// WithVoiceSettings sets the synthesis parameters for the request.
func WithVoiceSettings(settings VoiceSettings) Option {
	return func(o *requestOptions) { o.settings = settings }
}

// WithDiskCachePolicy sets the persistence policy for the request.
func WithDiskCachePolicy(policy DiskCachePolicy) Option {
	return func(o *requestOptions) { o.policy = policy }
}

func (l *Loader) buildOptions(text string, opts []Option) requestOptions {
	o := requestOptions{
		text:     text,
		settings: DefaultVoiceSettings(),
		policy:   l.cfg.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = ComputeID(text, o.settings)
	}
	return o
}

// Load acquires the clip for text, resolving it from the runtime cache,
// the disk cache, or the web, in that order. onReady fires exactly once
// with a nil error on success, ErrCanceled on cancellation, or the
// normalized failure; it is never invoked synchronously within the
// caller's own call frame. Concurrent calls for the same identity join
// the in-flight attempt.
func (l *Loader) Load(text string, onReady func(err error), opts ...Option) Handle {
	o := l.buildOptions(text, opts)
	comp := newCompletion(func(res Result) {
		if onReady != nil {
			onReady(res.Err)
		}
	})
	if !l.exec.post(func() { l.load(o, comp) }) {
		go comp.resolve(Result{Err: ErrLoaderClosed})
	}
	return Handle{id: o.id}
}

// DownloadToDiskCache ensures a persisted copy of the clip exists without
// populating a playback sink: it checks the disk cache and otherwise
// downloads. onDone fires exactly once with the on-disk path or an error.
func (l *Loader) DownloadToDiskCache(text string, onDone func(path string, err error), opts ...Option) Handle {
	o := l.buildOptions(text, opts)
	comp := newCompletion(func(res Result) {
		if onDone != nil {
			onDone(res.Path, res.Err)
		}
	})
	if !l.exec.post(func() { l.download(o, comp) }) {
		go comp.resolve(Result{Err: ErrLoaderClosed})
	}
	return Handle{id: o.id}
}

// Unload releases the clip's sink and removes it from the runtime cache.
// Unloading a clip that is still preparing cancels the attempt. A second
// unload of the same handle is a no-op.
func (l *Loader) Unload(h Handle) {
	l.exec.post(func() { l.registry.Remove(h.id) })
}

// UnloadAll unloads every registered clip.
func (l *Loader) UnloadAll() {
	l.exec.post(func() {
		for _, rec := range l.registry.All() {
			l.registry.Remove(rec.ID())
		}
	})
}

// Cancel aborts the in-flight attempt for a preparing clip. Cancelling a
// loaded or unloaded clip is a no-op.
func (l *Loader) Cancel(h Handle) {
	l.exec.post(func() {
		rec, ok := l.registry.Get(h.id)
		if !ok || rec.State() != StatePreparing {
			return
		}
		l.registry.Remove(h.id)
	})
}

// Close cancels all in-flight work, unloads every clip, and stops the
// executor. The loader must not be used afterwards.
func (l *Loader) Close() {
	l.exec.post(func() {
		l.closed = true
		for _, rec := range l.registry.All() {
			l.registry.Remove(rec.ID())
		}
	})
	l.exec.close()
}

// --- Load path ---------------------------------------------------------

func (l *Loader) load(o requestOptions, comp *completion) {
	if l.closed {
		comp.resolve(Result{Err: ErrLoaderClosed})
		return
	}
	if o.text != "" && l.fetcher.client == nil && l.disk == nil {
		comp.resolve(Result{Err: fmt.Errorf("%w: no synthesis client or disk cache configured", ErrValidation)})
		return
	}

	rec, created := l.registry.GetOrCreate(o.id, func() *Record {
		rec := newRecord(o.id, o.text, o.settings, o.policy, NewBufferSink())
		rec.intent = intentStream
		rec.addPending(comp)
		l.wireSink(rec)
		return rec
	})
	if created {
		// The registry's added notification already drove load-begin.
		return
	}

	switch rec.State() {
	case StatePreparing:
		if rec.intent == intentDownload {
			// The in-flight attempt only persists to disk; its success
			// would report a loaded clip that was never made resident.
			// Chain a fresh load once the attempt settles, served from
			// the now-populated disk cache. A preload-policy failure is
			// download-specific and re-dispatches too, so the playback
			// path keeps its web fallback.
			rec.addPending(newCompletion(func(res Result) {
				if res.Err != nil && !errors.Is(res.Err, ErrPreloadPolicy) {
					comp.resolve(Result{Err: res.Err})
					return
				}
				if !l.exec.post(func() { l.load(o, comp) }) {
					comp.resolve(Result{Err: ErrLoaderClosed})
				}
			}))
			return
		}
		rec.addPending(comp)
	case StateLoaded:
		// Deferred to the next executor tick so the callback never runs
		// inside the caller's Load frame.
		l.exec.post(func() { comp.resolve(Result{}) })
	case StateError:
		err := rec.Err()
		l.exec.post(func() { comp.resolve(Result{Err: err}) })
	case StateUnloaded:
		rec.addPending(comp)
		l.beginLoad(rec)
	}
}

// handleAdded fires from the registry when a record is admitted and
// triggers the load-begin sequence for the entry point that created it.
func (l *Loader) handleAdded(rec *Record) {
	l.broker.publish(TopicAdded, AddedEvent{ID: rec.ID()})

	switch rec.intent {
	case intentStream:
		l.beginLoad(rec)
	case intentDownload:
		l.beginDownload(rec)
	}
}

// handleRemoved fires from the registry on removal and eviction and
// finalizes the record: sinks are released here and nowhere else.
func (l *Loader) handleRemoved(rec *Record, evicted bool) {
	l.broker.publish(TopicRemoved, RemovedEvent{ID: rec.ID(), Evicted: evicted})

	switch rec.State() {
	case StateUnloaded:
		// Already finalized; nothing left to release.
	case StateLoaded, StateError:
		l.setState(rec, StateUnloaded, nil)
		l.releaseSink(rec)
	case StatePreparing:
		// Removal of an in-flight record is a cancellation.
		l.finishCancel(rec)
	}
}

func (l *Loader) beginLoad(rec *Record) {
	// Empty spoken text carries no audio: the record is immediately
	// loaded with no I/O of any kind.
	if rec.Text() == "" {
		if sink := rec.Sink(); sink != nil {
			sink.Complete()
		}
		l.setState(rec, StateLoaded, nil)
		l.resolvePending(rec, Result{})
		return
	}

	if !l.setState(rec, StatePreparing, nil) {
		return
	}
	rec.markLoadStart(time.Now())

	if l.disk != nil && rec.Policy() != CacheNever {
		l.checkDisk(rec, func(found bool) {
			if found {
				l.streamFromDisk(rec)
				return
			}
			// A miss here falls back to the web for every policy,
			// including preload; only the download entry point treats
			// a preload miss as fatal.
			l.streamFromWeb(rec)
		})
		return
	}
	l.streamFromWeb(rec)
}

// checkDisk probes the disk cache off the executor and resumes with the
// result. The continuation is dropped if the record was unloaded while
// the probe was in flight.
func (l *Loader) checkDisk(rec *Record, then func(found bool)) {
	go func() {
		found := l.disk.Contains(rec.ID())
		l.exec.post(func() {
			if !l.stillPreparing(rec) {
				return
			}
			then(found)
		})
	}()
}

// stillPreparing reports whether rec is still the registered, in-flight
// record for its ID.
func (l *Loader) stillPreparing(rec *Record) bool {
	current, ok := l.registry.Get(rec.ID())
	return ok && current == rec && rec.State() == StatePreparing
}

func (l *Loader) streamFromDisk(rec *Record) {
	l.stats.DiskStreams++
	token := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rec.beginAttempt(token, cancel)

	go func() {
		_, err := l.disk.Stream(ctx, rec.ID(), func(p []byte, total int64) error {
			if ctx.Err() != nil {
				return context.Canceled
			}
			chunk := make([]byte, len(p))
			copy(chunk, p)
			l.exec.post(func() {
				if rec.currentAttempt() != token {
					return
				}
				l.applyChunk(rec, chunk, total)
			})
			return nil
		})
		l.exec.post(func() {
			if rec.currentAttempt() != token {
				return
			}
			rec.endAttempt(token)
			if err != nil {
				if synth.IsCanceled(err) {
					l.cancelFromAttempt(rec)
					return
				}
				// The persisted copy vanished or went bad under us;
				// the web tier is still authoritative.
				l.log.Warn("Disk stream failed, falling back to web", "id", rec.ID(), "error", err)
				l.streamFromWeb(rec)
				return
			}
			l.finishReady(rec, false)
		})
	}()
}

func (l *Loader) streamFromWeb(rec *Record) {
	if msg := l.fetcher.webErrors(rec); msg != "" {
		l.fail(rec, fmt.Errorf("%w: %s", ErrValidation, msg))
		return
	}
	l.stats.WebStreams++
	l.fetcher.requestStream(rec,
		func(p []byte, expected int64) { l.applyChunk(rec, p, expected) },
		func(err error) {
			if err != nil {
				if IsCanceled(err) {
					l.cancelFromAttempt(rec)
					return
				}
				l.stats.WebErrors++
				l.fail(rec, err)
				return
			}
			l.finishReady(rec, true)
		})
}

// applyChunk feeds streamed bytes into the record's sink. Sink hooks wired
// at record creation republish the update as stream and progress events.
func (l *Loader) applyChunk(rec *Record, p []byte, expected int64) {
	sink := rec.Sink()
	if sink == nil {
		return
	}
	if expected > 0 {
		sink.SetExpected(expected)
	}
	if sink.AddedSamples() == 0 {
		l.broker.publish(TopicStreamBegin, StreamEvent{ID: rec.ID(), Expected: expected})
	}
	sink.AddSamples(p)
}

// finishReady completes a successful stream attempt. The ready transition
// is contingent on re-admission under the size quota now that the final
// size is known.
func (l *Loader) finishReady(rec *Record, fromWeb bool) {
	sink := rec.Sink()
	sink.Complete()
	size := sink.TotalSamples()

	if !l.registry.Readmit(rec, size) {
		rec.setErr(ErrQuota)
		l.setState(rec, StateError, ErrQuota)
		l.broker.publish(TopicRemoved, RemovedEvent{ID: rec.ID(), Evicted: true})
		l.resolvePending(rec, Result{Err: ErrQuota})
		l.releaseSink(rec)
		return
	}

	rec.markLoadEnd(time.Now())
	rec.setProgress(1)

	var path string
	if fromWeb && rec.Policy() != CacheNever && l.disk != nil {
		var err error
		if buffered, ok := sink.(*BufferSink); ok {
			path, err = l.disk.Put(rec.ID(), buffered.Bytes())
			if err != nil {
				l.log.Warn("Failed to persist clip to disk cache", "id", rec.ID(), "error", err)
				path = ""
			}
		}
	} else if !fromWeb && l.disk != nil {
		path = l.disk.Path(rec.ID())
	}

	l.setState(rec, StateLoaded, nil)
	l.resolvePending(rec, Result{Path: path})

	l.log.Debug("Clip ready", "id", rec.ID(), "bytes", size, "fromWeb", fromWeb,
		"duration", rec.LoadDuration())
}

// fail normalizes a failed attempt: the record transitions to Error, all
// pending callers learn the error, and the record leaves the runtime
// cache.
func (l *Loader) fail(rec *Record, err error) {
	rec.setErr(err)
	l.setState(rec, StateError, err)
	l.resolvePending(rec, Result{Err: err})
	l.registry.Remove(rec.ID())
}

// finishCancel drives the cancel-flavored path for a record that has
// already left the registry: abort the active operation, return to
// Unloaded, resolve the pending callbacks with the sentinel, and release
// the partially populated sink.
func (l *Loader) finishCancel(rec *Record) {
	l.stats.Cancels++
	l.fetcher.cancel(rec)
	l.setState(rec, StateUnloaded, ErrCanceled)
	l.resolvePending(rec, Result{Err: ErrCanceled})
	l.releaseSink(rec)
	rec.resetProgress()
}

// cancelFromAttempt handles a cancellation reported by the collaborator
// for a record that is still registered.
func (l *Loader) cancelFromAttempt(rec *Record) {
	if l.stillPreparing(rec) {
		// Removal routes through handleRemoved, which runs finishCancel.
		l.registry.Remove(rec.ID())
		return
	}
	l.resolvePending(rec, Result{Err: ErrCanceled})
}

func (l *Loader) resolvePending(rec *Record, res Result) {
	for _, comp := range rec.takePending() {
		comp.resolve(res)
	}
}

func (l *Loader) releaseSink(rec *Record) {
	if sink := rec.Sink(); sink != nil {
		sink.Release()
	}
}

// setState performs one lifecycle transition and publishes exactly one
// state notification for it.
func (l *Loader) setState(rec *Record, to State, err error) bool {
	from := rec.State()
	if !rec.transition(to) {
		l.log.Warn("Rejected state transition", "id", rec.ID(), "from", from, "to", to)
		return false
	}
	l.broker.publish(TopicState, StateEvent{ID: rec.ID(), From: from, To: to, Err: err})
	return true
}

// wireSink republishes sink activity as broker notifications.
func (l *Loader) wireSink(rec *Record) {
	sink := rec.Sink()
	if sink == nil {
		return
	}
	id := rec.ID()
	sink.OnUpdate(func(added, expected int64) {
		l.broker.publish(TopicStreamUpdate, StreamEvent{ID: id, Added: added, Expected: expected})
		if expected > 0 {
			rec.setProgress(float64(added) / float64(expected))
			l.broker.publish(TopicProgress, ProgressEvent{ID: id, Progress: rec.Progress()})
		}
	})
	sink.OnComplete(func() {
		l.broker.publish(TopicStreamComplete, StreamEvent{ID: id, Added: sink.AddedSamples(), Expected: sink.ExpectedSamples()})
	})
}

// --- Download path -----------------------------------------------------

func (l *Loader) download(o requestOptions, comp *completion) {
	if l.closed {
		comp.resolve(Result{Err: ErrLoaderClosed})
		return
	}
	if l.disk == nil {
		comp.resolve(Result{Err: ErrNoDiskCache})
		return
	}

	rec, created := l.registry.GetOrCreate(o.id, func() *Record {
		rec := newRecord(o.id, o.text, o.settings, o.policy, nil)
		rec.intent = intentDownload
		rec.addPending(comp)
		return rec
	})
	if created {
		return
	}

	switch rec.State() {
	case StatePreparing:
		// Join the in-flight attempt. If it is a playback stream, its
		// success resolves with the persisted path when the policy wrote
		// one through; otherwise re-check the disk before answering.
		rec.addPending(newCompletion(func(res Result) {
			if res.Err != nil || res.Path != "" {
				comp.resolve(res)
				return
			}
			if l.disk.Contains(rec.ID()) {
				comp.resolve(Result{Path: l.disk.Path(rec.ID())})
				return
			}
			comp.resolve(Result{Err: ErrCacheMiss})
		}))
	case StateLoaded:
		l.exec.post(func() { l.downloadForLoaded(rec, comp) })
	case StateError:
		err := rec.Err()
		l.exec.post(func() { comp.resolve(Result{Err: err}) })
	case StateUnloaded:
		rec.addPending(comp)
		l.beginDownload(rec)
	}
}

func (l *Loader) beginDownload(rec *Record) {
	if rec.Text() == "" {
		l.setState(rec, StateLoaded, nil)
		l.resolvePending(rec, Result{})
		l.registry.Remove(rec.ID())
		return
	}

	if !l.setState(rec, StatePreparing, nil) {
		return
	}
	rec.markLoadStart(time.Now())

	l.checkDisk(rec, func(found bool) {
		if found {
			l.completeDownload(rec, l.disk.Path(rec.ID()))
			return
		}
		switch rec.Policy() {
		case CachePreload:
			// Preload promises the clip is already on disk. Unlike the
			// playback path, a miss here is an error, not a trigger to
			// reach for the network.
			l.fail(rec, ErrPreloadPolicy)
		case CacheNever:
			l.fail(rec, fmt.Errorf("%w: disk caching disabled by policy", ErrValidation))
		default:
			l.downloadFromWeb(rec)
		}
	})
}

func (l *Loader) downloadFromWeb(rec *Record) {
	if msg := l.fetcher.webErrors(rec); msg != "" {
		l.fail(rec, fmt.Errorf("%w: %s", ErrValidation, msg))
		return
	}

	staging := l.disk.TempPath(rec.ID())
	l.fetcher.requestDownload(rec, staging, func(err error) {
		if err != nil {
			if IsCanceled(err) {
				l.cancelFromAttempt(rec)
				return
			}
			l.stats.WebErrors++
			l.fail(rec, err)
			return
		}
		path, importErr := l.disk.Import(rec.ID(), staging)
		if importErr != nil {
			l.fail(rec, fmt.Errorf("failed to store downloaded clip: %w", importErr))
			return
		}
		l.completeDownload(rec, path)
	})
}

// completeDownload resolves a download attempt. Download-only records do
// not hold audio in memory, so the record returns to Unloaded and leaves
// the registry rather than occupying quota.
func (l *Loader) completeDownload(rec *Record, path string) {
	rec.markLoadEnd(time.Now())
	l.setState(rec, StateUnloaded, nil)
	l.resolvePending(rec, Result{Path: path})
	l.registry.Remove(rec.ID())
	l.log.Debug("Clip persisted to disk cache", "id", rec.ID(), "path", path)
}

// downloadForLoaded serves a download request against a record whose
// audio is already resident: check the cache, else persist the sink's
// copy without another fetch.
func (l *Loader) downloadForLoaded(rec *Record, comp *completion) {
	id := rec.ID()
	go func() {
		found := l.disk.Contains(id)
		l.exec.post(func() {
			if found {
				comp.resolve(Result{Path: l.disk.Path(id)})
				return
			}
			switch rec.Policy() {
			case CachePreload:
				comp.resolve(Result{Err: ErrPreloadPolicy})
				return
			case CacheNever:
				comp.resolve(Result{Err: fmt.Errorf("%w: disk caching disabled by policy", ErrValidation)})
				return
			}
			sink, ok := rec.Sink().(*BufferSink)
			if !ok || !sink.IsComplete() {
				comp.resolve(Result{Err: ErrCacheMiss})
				return
			}
			path, err := l.disk.Put(id, sink.Bytes())
			if err != nil {
				comp.resolve(Result{Err: err})
				return
			}
			comp.resolve(Result{Path: path})
		})
	}()
}
