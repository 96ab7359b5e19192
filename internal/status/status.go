// Package status implements the Status Service: an on-demand snapshot of
// worker health, safe to compute concurrently with an in-flight work
// cycle. It supplies the value; cmd/ owns the HTTP route that serves it.
package status

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/inventory"
)

// State is the top-level health rollup.
type State string

const (
	OK       State = "OK"
	Critical State = "CRITICAL"
	FullStop State = "FULL_STOP"
	Unknown  State = "UNKNOWN"
)

// DiskEntry describes one mount path's current classification plus
// whatever disk details are known for it. Fields use omitempty so an
// unknown or zero value is simply absent from the JSON, matching this
// codebase's existing status-surface convention.
type DiskEntry struct {
	Status    inventory.Status `json:"status"`
	ID        int64            `json:"id,omitempty"`
	UUID      string           `json:"uuid,omitempty"`
	Label     string           `json:"label,omitempty"`
	Archive   string           `json:"archive,omitempty"`
	CopyID    int              `json:"copyId,omitempty"`
	Closed    bool             `json:"closed,omitempty"`
	OnHold    bool             `json:"onHold,omitempty"`
	Available bool             `json:"available,omitempty"`
}

// Worker reports one archiving worker's queue depth and per-mount disk
// classifications. This codebase runs a single worker per host, but the
// shape leaves room for more without a wire format change.
type Worker struct {
	InboxCount    int                  `json:"inboxCount"`
	ArchivalDisks map[string]DiskEntry `json:"archivalDisks"`
}

// Snapshot is the full `/status` payload.
type Snapshot struct {
	Status           State    `json:"status"`
	Message          string   `json:"message,omitempty"`
	CacheAgeSeconds  int64    `json:"cacheAge,omitempty"`
	InboxAgeSeconds  int64    `json:"inboxAge,omitempty"`
	ProblemFileCount int      `json:"problemFileCount,omitempty"`
	Workers          []Worker `json:"workers"`
}

// DiskLookup is the narrow catalog slice the Status Service needs to
// enrich an InUse/Finished mount with its disk row.
type DiskLookup interface {
	FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error)
}

// Reporter computes Snapshot values on demand. Mounts is the
// atomically-swapped result of the most recent Disk Inventory scan;
// Reporter never triggers a scan itself, so a status read never blocks
// on mount probing.
type Reporter struct {
	Mounts          *atomic.Pointer[[]inventory.Mount]
	Catalog         DiskLookup
	Archives        map[string]catalog.DiskArchive
	InboxDir        string
	CacheDir        string
	ProblemFilesDir string
}

// NewMountsPointer builds the atomic.Pointer Disk Inventory publishes
// into and the Status Service reads from.
func NewMountsPointer() *atomic.Pointer[[]inventory.Mount] {
	return &atomic.Pointer[[]inventory.Mount]{}
}

// Snapshot computes the current status. It never returns an error: a
// failure to enrich one mount's disk details degrades that one entry
// rather than the whole response, an unreadable inbox is reported as
// UNKNOWN rather than failing the call, and an unreadable cache or
// problem-files directory leaves its field out.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Status: OK}

	inboxCount, inboxAge, err := dirStats(r.InboxDir)
	if err != nil {
		snap.Status = Unknown
		snap.Message = "inbox unreadable: " + err.Error()
	}
	snap.InboxAgeSeconds = inboxAge

	_, cacheAge, err := dirStats(r.CacheDir)
	if err == nil {
		snap.CacheAgeSeconds = cacheAge
	}

	if count, err := countEntries(r.ProblemFilesDir); err == nil {
		snap.ProblemFileCount = count
	}

	worker := Worker{InboxCount: inboxCount, ArchivalDisks: make(map[string]DiskEntry)}

	var mounts []inventory.Mount
	if p := r.Mounts.Load(); p != nil {
		mounts = *p
	}

	for _, m := range mounts {
		entry := DiskEntry{Status: m.Status, UUID: m.DiskUUID, Available: m.Status == inventory.Available}
		switch m.Status {
		case inventory.NotUsable:
			snap.Status = Critical
			if snap.Message == "" {
				snap.Message = m.Reason
			}
		case inventory.InUse, inventory.Finished:
			if disk, ok := r.lookupDisk(ctx, m.DiskUUID); ok {
				entry.ID = disk.ID
				entry.Label = disk.Label
				entry.CopyID = disk.CopyID
				entry.Closed = disk.Flags.Closed
				entry.OnHold = disk.Flags.OnHold
				if archive, ok := r.Archives[disk.ArchiveUUID]; ok {
					entry.Archive = archive.Description
				}
			}
		}
		worker.ArchivalDisks[m.Path] = entry
	}

	snap.Workers = []Worker{worker}
	return snap
}

func (r *Reporter) lookupDisk(ctx context.Context, uuid string) (*catalog.Disk, bool) {
	if r.Catalog == nil || uuid == "" {
		return nil, false
	}
	disk, err := r.Catalog.FindDiskByUUID(ctx, uuid)
	if err != nil {
		return nil, false
	}
	return disk, true
}

// dirStats returns the entry count and the age in seconds of the oldest
// entry's mtime in dir. A missing directory is not an error: it reports
// zero entries and zero age.
func dirStats(dir string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	var oldest time.Time
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}

	var age int64
	if !oldest.IsZero() {
		age = int64(time.Since(oldest).Seconds())
	}
	return len(entries), age, nil
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(entries), nil
}
