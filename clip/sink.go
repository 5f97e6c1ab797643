package clip

import "sync"

// SampleSink is the buffer object decoded audio is written into as it
// arrives. A sink is exclusively owned by its record until the record is
// handed to a caller for playback or released on unload; exactly one
// writer (the active fetch path) mutates it at a time.
type SampleSink interface {
	// AddSamples appends decoded audio bytes to the sink.
	AddSamples(p []byte)
	// SetExpected records the expected total size in bytes, when known.
	SetExpected(n int64)
	// Complete marks the stream finished; after this TotalSamples is final.
	Complete()
	// Release frees the sink's buffer. The sink must not be written after.
	Release()

	// IsReady reports whether enough audio has arrived to begin playback.
	IsReady() bool
	// IsComplete reports whether the stream has finished.
	IsComplete() bool

	AddedSamples() int64
	ExpectedSamples() int64
	TotalSamples() int64

	// OnUpdate, OnComplete and OnRelease register hooks the orchestrator
	// re-publishes as higher-level notifications.
	OnUpdate(fn func(added, expected int64))
	OnComplete(fn func())
	OnRelease(fn func())
}

// BufferSink is an in-memory SampleSink backed by a byte slice.
type BufferSink struct {
	mu       sync.Mutex
	data     []byte
	expected int64
	total    int64
	complete bool
	released bool

	onUpdate   func(added, expected int64)
	onComplete func()
	onRelease  func()
}

// NewBufferSink creates an empty in-memory sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// AddSamples appends decoded bytes and fires the update hook.
func (s *BufferSink) AddSamples(p []byte) {
	s.mu.Lock()
	if s.released || s.complete {
		s.mu.Unlock()
		return
	}
	s.data = append(s.data, p...)
	added := int64(len(s.data))
	expected := s.expected
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(added, expected)
	}
}

// SetExpected records the expected stream size in bytes.
func (s *BufferSink) SetExpected(n int64) {
	s.mu.Lock()
	s.expected = n
	s.mu.Unlock()
}

// Complete marks the stream finished and fires the completion hook.
func (s *BufferSink) Complete() {
	s.mu.Lock()
	if s.complete || s.released {
		s.mu.Unlock()
		return
	}
	s.complete = true
	s.total = int64(len(s.data))
	fn := s.onComplete
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Release drops the buffered audio and fires the release hook. It is safe
// to call more than once; only the first call has any effect.
func (s *BufferSink) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.data = nil
	fn := s.onRelease
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// IsReady reports whether any audio has arrived.
func (s *BufferSink) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) > 0 || s.complete
}

// IsComplete reports whether the stream has finished.
func (s *BufferSink) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// AddedSamples returns the number of bytes received so far.
func (s *BufferSink) AddedSamples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.data))
}

// ExpectedSamples returns the expected total size, or 0 if unknown.
func (s *BufferSink) ExpectedSamples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// TotalSamples returns the final size after completion, or 0 before it.
func (s *BufferSink) TotalSamples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Bytes returns the buffered audio. The caller owns the returned slice
// only after the clip is handed over; it is nil once released.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// OnUpdate registers the per-chunk hook.
func (s *BufferSink) OnUpdate(fn func(added, expected int64)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// OnComplete registers the stream-finished hook.
func (s *BufferSink) OnComplete(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// OnRelease registers the release hook.
func (s *BufferSink) OnRelease(fn func()) {
	s.mu.Lock()
	s.onRelease = fn
	s.mu.Unlock()
}
