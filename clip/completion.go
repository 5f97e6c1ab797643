package clip

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Result is the outcome delivered to a pending caller. Path is only set by
// download-to-disk requests; Err is nil on success and ErrCanceled on
// cooperative cancellation.
type Result struct {
	Path string
	Err  error
}

// completion delivers one call's outcome exactly once. The sync.Once makes
// the exactly-once guarantee a property of the type rather than of
// bookkeeping at every resolution site.
type completion struct {
	once sync.Once
	fn   func(Result)
}

func newCompletion(fn func(Result)) *completion {
	return &completion{fn: fn}
}

// resolve invokes the callback with the result. Later calls are ignored.
// A panic inside the caller's callback is recovered and logged so it cannot
// corrupt lifecycle state or suppress other pending callbacks.
func (c *completion) resolve(res Result) {
	c.once.Do(func() {
		if c.fn == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error("Clip callback panicked", "panic", r)
			}
		}()
		c.fn(res)
	})
}
