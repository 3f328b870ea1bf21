package queue

import (
	"context"
	"time"

	offlinecache "github.com/gigbook/offline-cache"
)

// AutoDrain drains the queue on every offline-to-online transition read
// from the transitions channel, until the context is cancelled or the
// channel closes. The initial state is assumed offline, so a first `true`
// triggers a drain. Each transition is also reported as a connectivity
// event.
func (q *Queue) AutoDrain(ctx context.Context, transitions <-chan bool) {
	online := false
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-transitions:
			if !ok {
				return
			}
			if state == online {
				continue
			}
			online = state

			q.notifier.Notify(offlinecache.Event{
				Type:   offlinecache.EventConnectivity,
				Online: online,
				Time:   time.Now(),
			})

			if !online {
				continue
			}
			if _, err := q.Drain(ctx); err != nil {
				// Non-fatal: the next transition retries.
				q.logger.Warn("auto drain failed", "error", err)
			}
		}
	}
}
