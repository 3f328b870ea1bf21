// Package memory tracks ephemeral session resources and samples process
// memory during long interactive sessions, detecting leak candidates and
// reclaiming idle resources.
package memory

import (
	"fmt"
	"io"
	"time"
)

// Type classifies a tracked session resource.
type Type string

const (
	TypeBlob     Type = "blob"
	TypeImage    Type = "image"
	TypeAudio    Type = "audio"
	TypeTimeout  Type = "timeout"
	TypeInterval Type = "interval"
	TypeListener Type = "listener"
	TypeObserver Type = "observer"
)

// Resource is one registered ephemeral resource. Lifecycle is explicit:
// tracked by Track, destroyed by Untrack or monitor-driven cleanup.
type Resource struct {
	ID           string
	Type         Type
	Handle       any
	Size         int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// release performs the type-specific teardown for a resource handle:
// timers and intervals are stopped, listeners and observers are detached
// via their cancel func or Closer, blob and image payloads need no release
// beyond dropping the reference.
func (r *Resource) release() error {
	switch h := r.Handle.(type) {
	case nil:
		return nil
	case *time.Timer:
		h.Stop()
		return nil
	case *time.Ticker:
		h.Stop()
		return nil
	case func():
		h()
		return nil
	case io.Closer:
		if err := h.Close(); err != nil {
			return fmt.Errorf("closing %s %q: %w", r.Type, r.ID, err)
		}
		return nil
	default:
		// Plain payloads (blob/image/audio bytes) are reclaimed by the
		// runtime once untracked.
		return nil
	}
}
