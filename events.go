package offlinecache

import "time"

// EventType identifies a status notification produced by the subsystem.
type EventType string

const (
	// EventCacheError reports a per-item file caching failure.
	EventCacheError EventType = "cache_error"

	// EventSyncComplete reports the end of a mutation queue drain pass.
	EventSyncComplete EventType = "sync_complete"

	// EventLeakWarning reports an advisory leak signal from the memory
	// manager. It never forces eviction by itself.
	EventLeakWarning EventType = "leak_warning"

	// EventConnectivity reports an online/offline transition.
	EventConnectivity EventType = "connectivity"
)

// Event is a discrete named notification consumed by an external UI or
// service-worker layer. Events are delivered, not polled.
type Event struct {
	Type      EventType
	ID        string // content id, queue item id or resource id when relevant
	Err       error
	Online    bool // EventConnectivity only
	Replayed  int  // EventSyncComplete only
	Remaining int  // EventSyncComplete only
	Time      time.Time
}

// Notifier receives status notifications. Implementations must not block;
// delivery happens on the caller's goroutine.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) { f(e) }

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Event) {}
