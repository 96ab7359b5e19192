package mailer

import (
	"fmt"
	"log"
	"sync"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
)

// Dispatcher subscribes to the event bus and routes each event to the
// contact list of the DiskArchive it concerns, or to every active contact
// across all configured archives when the event isn't archive-specific
// (e.g. CatalogUnavailable).
type Dispatcher struct {
	mailer   Mailer
	archives map[string]catalog.DiskArchive

	mu sync.Mutex
}

// NewDispatcher builds a Dispatcher over the given archives, keyed by
// DiskArchive UUID.
func NewDispatcher(mailer Mailer, archives []catalog.DiskArchive) *Dispatcher {
	d := &Dispatcher{
		mailer:   mailer,
		archives: make(map[string]catalog.DiskArchive, len(archives)),
	}
	for _, a := range archives {
		d.archives[a.UUID] = a
	}
	return d
}

// Subscribe registers the dispatcher as a bus subscriber for every event
// type. Handlers run synchronously in the publisher's goroutine; the bus
// itself recovers panics so one failing send can't crash a cycle.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	bus.Subscribe(d.handle)
}

func (d *Dispatcher) handle(e events.Event) {
	recipients := d.recipientsFor(e)
	if len(recipients) == 0 {
		log.Printf("mailer: no active contacts for %s event, dropping", e.Type)
		return
	}

	subject := fmt.Sprintf("[%s] %s", e.Severity, e.Type)
	body := formatBody(e)

	if err := d.mailer.Send(joinRecipients(recipients), subject, body); err != nil {
		log.Printf("mailer: dispatch %s event failed: %v", e.Type, err)
	}
}

func (d *Dispatcher) recipientsFor(e events.Event) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if archiveUUID, ok := e.Metadata["archive_uuid"]; ok {
		if archive, ok := d.archives[archiveUUID]; ok {
			return activeEmails(archive.Contacts)
		}
	}

	seen := make(map[string]bool)
	var all []string
	for _, archive := range d.archives {
		for _, email := range activeEmails(archive.Contacts) {
			if !seen[email] {
				seen[email] = true
				all = append(all, email)
			}
		}
	}
	return all
}

func activeEmails(contacts []catalog.Contact) []string {
	var emails []string
	for _, c := range contacts {
		if c.Active && c.Email != "" {
			emails = append(emails, c.Email)
		}
	}
	return emails
}

func formatBody(e events.Event) string {
	body := e.Message
	if e.SerialNumber != "" {
		body += fmt.Sprintf("\n\nSerial: %s", e.SerialNumber)
	}
	if e.Hostname != "" {
		body += fmt.Sprintf("\nHost: %s", e.Hostname)
	}
	for k, v := range e.Metadata {
		body += fmt.Sprintf("\n%s: %s", k, v)
	}
	return body
}
