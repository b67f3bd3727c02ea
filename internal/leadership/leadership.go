// Package leadership translates raft leadership transitions into step-up and
// step-down callbacks on the transaction coordinator service.
package leadership

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives leadership transitions. OnStepUp may start long-running
// recovery but must not block the watcher; OnStepDown must leave the handler
// ready for a later step-up.
type Handler interface {
	OnStepUp(ctx context.Context)
	OnStepDown()
}

// Watcher pumps a raft leadership channel (raft.LeaderCh) into a Handler.
type Watcher struct {
	log     *zap.Logger
	handler Handler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher; Run starts it.
func NewWatcher(handler Handler, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		log:     log,
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run consumes leadership transitions until Stop is called or the channel
// closes. If the node was leading, a final step-down is delivered on exit.
// Blocks; run it on its own goroutine.
func (w *Watcher) Run(leaderCh <-chan bool) {
	defer close(w.done)

	leading := false
	for {
		select {
		case isLeader, ok := <-leaderCh:
			if !ok {
				if leading {
					w.handler.OnStepDown()
				}
				return
			}
			if isLeader == leading {
				continue
			}
			leading = isLeader
			if isLeader {
				w.log.Info("Gained cluster leadership")
				w.handler.OnStepUp(context.Background())
			} else {
				w.log.Info("Lost cluster leadership")
				w.handler.OnStepDown()
			}
		case <-w.stop:
			if leading {
				w.handler.OnStepDown()
			}
			return
		}
	}
}

// Stop ends the watcher and waits for Run to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
