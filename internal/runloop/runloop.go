// Package runloop implements the single-threaded cooperative scheduler
// that backs every flow in this module: a FIFO queue of closures drained
// by one dedicated worker goroutine, so that a handler posted from a
// completion callback always runs later, never inline with the call that
// armed it (spec.md §5 "never re-entrant").
package runloop

import (
	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/utils"
)

// defaultQueueDepth bounds how much posted work can queue up before Post
// blocks the poster; in steady state a flow has at most a handful of
// continuations in flight at once.
const defaultQueueDepth = 256

// Loop is a single-threaded, FIFO closure scheduler.
type Loop struct {
	logger *zap.Logger
	queue  chan func()
	done   chan struct{}
}

// New starts a Loop's worker goroutine and returns the handle. Call Stop
// to shut it down once no more work will be posted.
func New(logger *zap.Logger) *Loop {
	l := &Loop{
		logger: logger,
		queue:  make(chan func(), defaultQueueDepth),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer utils.Recover(l.logger)
	for fn := range l.queue {
		fn()
	}
	close(l.done)
}

// Post enqueues fn to run on the loop's worker goroutine, in the order it
// was posted relative to other Post calls. It is safe to call from any
// goroutine, including from within a closure currently running on the
// loop itself (it will run on a later turn, not recursively).
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.queue <- func() {
		defer utils.Recover(l.logger)
		fn()
	}
}

// Stop closes the queue and waits for the worker to drain it. No further
// Post calls are permitted after Stop returns.
func (l *Loop) Stop() {
	close(l.queue)
	<-l.done
}
