// Package events is the in-process publish/subscribe bus every other
// component raises conditions on: Disk Inventory, Disk Lifecycle, the
// Placement Engine, and the Cache Janitor all publish through the same
// Bus, and internal/mailer is the one subscriber that turns them into
// email. The Catalog Gateway holds no Bus; no component in this module
// publishes CatalogUnavailable.
package events

import (
	"log"
	"sync"
	"time"
)

// EventType identifies the kind of condition being published.
type EventType string

const (
	// Disk Inventory conditions.
	SerialReuseTooSoon EventType = "serial_reuse_too_soon"
	UnknownSerial      EventType = "unknown_serial"

	// Disk Lifecycle conditions.
	DiskOpened          EventType = "disk_opened"
	DiskClosed          EventType = "disk_closed"
	ManifestWriteFailed EventType = "manifest_write_failed"
	EmailFailed         EventType = "email_failed"

	// Placement Engine conditions.
	NoAvailableDisk EventType = "no_available_disk"
	FilesystemError EventType = "filesystem_error"
	DuplicateLabel  EventType = "duplicate_label"

	// Cache Janitor conditions.
	CacheReclaimed EventType = "cache_reclaimed"

	// Catalog Gateway conditions.
	CatalogUnavailable EventType = "catalog_unavailable"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus. SerialNumber is set when
// the condition is tied to a specific disk; Hostname is optional and no
// publisher in this module sets it. Metadata
// carries additional correlation fields (disk UUID, file-pair UUID, mount
// path) used both in log lines and in rendered notification messages.
type Event struct {
	Type         EventType         `json:"type"`
	Severity     Severity          `json:"severity"`
	Hostname     string            `json:"hostname,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

// subscription ties a handler to the event types it cares about. A nil
// types set means "every event."
type subscription struct {
	types   map[EventType]struct{}
	handler Handler
}

// Bus is a thread-safe, in-process publish/subscribe event bus shared by
// every component in the daemon. There is exactly one per process, built
// in cmd/diskarchiver/main.go and handed by reference to whatever needs to
// publish or subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
}

// NewBus creates a ready-to-use event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for the given event types. With no types
// given, handler receives every event published on the bus.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish stamps e.Timestamp if unset and delivers it to every matching
// subscriber synchronously, in the caller's goroutine. A subscriber that
// panics is logged and skipped rather than taking down the work cycle that
// published the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		deliver(sub.handler, e)
	}
}

func deliver(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: handler panicked on %s event: %v", e.Type, r)
		}
	}()
	handler(e)
}
