// Package placement implements the Placement Engine: the work cycle that
// moves files from the inbox through N independent disk copies and into
// the holding cache, plus the close-sentinel phase that triggers Disk
// Lifecycle closes.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
	"diskarchiver/internal/inventory"
	"diskarchiver/internal/lifecycle"
)

// ExtractFilePairUUID pulls the file-pair UUID out of filename at the
// fixed offsets used by both Phase S and the Cache Janitor. keyPrefix's
// length determines the start offset; the UUID occupies the 36 characters
// that follow it.
func ExtractFilePairUUID(filename, keyPrefix string) (string, error) {
	start := len(keyPrefix)
	end := start + 36
	if !strings.HasPrefix(filename, keyPrefix) || len(filename) < end {
		return "", fmt.Errorf("placement: %q too short or missing prefix %q", filename, keyPrefix)
	}
	candidate := filename[start:end]
	if !looksLikeUUID(candidate) {
		return "", fmt.Errorf("placement: %q does not contain a UUID at offset %d", filename, start)
	}
	return candidate, nil
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return false
			}
		}
	}
	return true
}

// CatalogOps is the subset of the Catalog Gateway the Placement Engine
// needs.
type CatalogOps interface {
	FindFilePairByUUID(ctx context.Context, uuid string) (*catalog.FilePair, error)
	FindOpenDisk(ctx context.Context, archiveUUID string, hostID int64, copyID int) (*catalog.Disk, error)
	FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error)
	AddPlacement(ctx context.Context, diskID, filePairID, hostID int64) error
	MarkDiskOnHold(ctx context.Context, diskID int64, onHold bool) error
}

// Config names the directories and constants the engine needs. InboxDir,
// WorkDir, CacheDir, and ProblemFilesDir must share one filesystem so moves
// between them are renames; config.Load rejects a layout that spans
// filesystems. Mounts are written by copying into a temp file on the mount
// and renaming it there, so they may be on other filesystems.
type Config struct {
	InboxDir           string
	WorkDir            string
	CacheDir           string
	ProblemFilesDir    string
	ArchiveHeadroom    int64
	KeyPrefix          string
	ReclaimWork        bool
	CloseSemaphoreName string
}

// Engine runs one work cycle at a time. It exclusively owns filesystem
// moves within inbox/work/cache/disk; Disk Lifecycle exclusively performs
// on-disk manifest writes.
type Engine struct {
	Config      Config
	Catalog     CatalogOps
	Lifecycle   *lifecycle.Lifecycle
	DataStreams map[int64]catalog.DataStream
	Archives    map[string]catalog.DiskArchive
	HostID      int64
	Bus         *events.Bus
}

// RunCycle executes Phase C, Phase R, Phase S, and Phase P in order against
// the current Disk Inventory snapshot. If ctx is cancelled, it returns
// ctx's error before starting the next phase.
func (e *Engine) RunCycle(ctx context.Context, mounts []inventory.Mount) error {
	if err := e.phaseC(ctx, mounts); err != nil {
		return fmt.Errorf("placement: phase C: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Config.ReclaimWork {
		if err := e.phaseR(); err != nil {
			return fmt.Errorf("placement: phase R: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	uuids, err := e.phaseS(ctx)
	if err != nil {
		return fmt.Errorf("placement: phase S: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.phaseP(ctx, uuids, mounts); err != nil {
		return fmt.Errorf("placement: phase P: %w", err)
	}
	return nil
}

// phaseC invokes Disk Lifecycle Close for every mount whose root contains
// the close sentinel.
func (e *Engine) phaseC(ctx context.Context, mounts []inventory.Mount) error {
	for _, m := range mounts {
		semaphore := filepath.Join(m.Path, e.Config.CloseSemaphoreName)
		if _, err := os.Stat(semaphore); err != nil {
			continue
		}
		if m.DiskUUID == "" {
			log.Printf("placement: close sentinel at %s but no label.json, skipping", m.Path)
			continue
		}
		archive, ok := e.archiveForMount(ctx, m)
		if !ok {
			log.Printf("placement: close sentinel at %s but archive unknown, skipping", m.Path)
			continue
		}
		if err := e.Lifecycle.Close(ctx, m.Path, semaphore, m.DiskUUID, archive); err != nil {
			log.Printf("placement: close %s failed: %v", m.Path, err)
		}
	}
	return nil
}

func (e *Engine) archiveForMount(ctx context.Context, m inventory.Mount) (catalog.DiskArchive, bool) {
	disk, err := e.Catalog.FindDiskByUUID(ctx, m.DiskUUID)
	if err != nil {
		return catalog.DiskArchive{}, false
	}
	archive, ok := e.Archives[disk.ArchiveUUID]
	return archive, ok
}

// phaseR moves every entry in work_dir back to inbox_dir.
func (e *Engine) phaseR() error {
	entries, err := os.ReadDir(e.Config.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(e.Config.WorkDir, entry.Name())
		dst := filepath.Join(e.Config.InboxDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("reclaim %s: %w", src, err)
		}
	}
	return syncDir(e.Config.InboxDir)
}

// phaseS scans the inbox for key-prefixed entries, extracts UUIDs, and
// quarantines malformed or unknown entries. It returns the UUIDs of
// recognized file pairs in ascending numeric file-pair id order.
func (e *Engine) phaseS(ctx context.Context) ([]uuidEntry, error) {
	entries, err := os.ReadDir(e.Config.InboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []uuidEntry
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, e.Config.KeyPrefix) {
			continue
		}
		uuid, err := ExtractFilePairUUID(name, e.Config.KeyPrefix)
		if err != nil {
			e.quarantine(name, err.Error())
			continue
		}
		fp, err := e.Catalog.FindFilePairByUUID(ctx, uuid)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				e.quarantine(name, fmt.Sprintf("unknown file pair uuid %s", uuid))
				continue
			}
			return nil, fmt.Errorf("lookup file pair %s: %w", uuid, err)
		}
		found = append(found, uuidEntry{name: name, filePair: *fp})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].filePair.ID < found[j].filePair.ID })
	return found, nil
}

type uuidEntry struct {
	name     string
	filePair catalog.FilePair
}

func (e *Engine) quarantine(name, reason string) {
	src := filepath.Join(e.Config.InboxDir, name)
	dst := filepath.Join(e.Config.ProblemFilesDir, name)
	if err := os.Rename(src, dst); err != nil {
		log.Printf("placement: quarantine %s: %v", name, err)
		return
	}
	reasonPath := dst + ".why"
	if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o644); err != nil {
		log.Printf("placement: write reason file for %s: %v", name, err)
	}
}

// phaseP moves each recognized file pair through work and onto every
// required copy, then into the holding cache once all copies succeed.
func (e *Engine) phaseP(ctx context.Context, found []uuidEntry, mounts []inventory.Mount) error {
	for _, item := range found {
		if err := e.placeOne(ctx, item, mounts); err != nil {
			log.Printf("placement: place %s: %v", item.filePair.UUID, err)
		}
	}
	return nil
}

func (e *Engine) placeOne(ctx context.Context, item uuidEntry, mounts []inventory.Mount) error {
	stream, ok := e.DataStreams[item.filePair.DataStreamID]
	if !ok {
		e.quarantine(item.name, fmt.Sprintf("unknown data stream id %d", item.filePair.DataStreamID))
		return nil
	}

	workPath := filepath.Join(e.Config.WorkDir, item.name)
	if err := os.Rename(filepath.Join(e.Config.InboxDir, item.name), workPath); err != nil {
		return fmt.Errorf("move to work: %w", err)
	}
	if err := syncDir(e.Config.WorkDir); err != nil {
		return err
	}

	allCopiesDone := true
	for _, archiveUUID := range stream.Archives {
		archive, ok := e.Archives[archiveUUID]
		if !ok {
			log.Printf("placement: file pair %s references unknown archive %s", item.filePair.UUID, archiveUUID)
			allCopiesDone = false
			continue
		}
		for copyID := 1; copyID <= archive.RequiredCopies; copyID++ {
			if err := e.placeCopy(ctx, workPath, item.filePair, archive, copyID, mounts); err != nil {
				log.Printf("placement: copy %d of %s on %s: %v", copyID, item.filePair.UUID, archive.UUID, err)
				allCopiesDone = false
			}
		}
	}

	if !allCopiesDone {
		return nil
	}

	cachePath := filepath.Join(e.Config.CacheDir, item.name)
	if err := os.Rename(workPath, cachePath); err != nil {
		return fmt.Errorf("move to cache: %w", err)
	}
	return syncDir(e.Config.CacheDir)
}

func (e *Engine) placeCopy(ctx context.Context, workPath string, fp catalog.FilePair, archive catalog.DiskArchive, copyID int, mounts []inventory.Mount) error {
	disk, err := e.Catalog.FindOpenDisk(ctx, archive.UUID, e.HostID, copyID)
	var mountPath string
	if errors.Is(err, catalog.ErrNotFound) {
		disk, mountPath, err = e.openNewDisk(ctx, archive, copyID, mounts)
	} else if err == nil {
		mountPath = mountPathForUUID(mounts, disk.UUID)
	}
	if err != nil {
		e.publish(events.NoAvailableDisk, events.SeverityWarning, archive.UUID,
			fmt.Sprintf("no available disk for archive %s copy %d", archive.Description, copyID))
		return err
	}
	if mountPath == "" {
		return fmt.Errorf("disk %s has no mounted path in this scan", disk.UUID)
	}

	free, err := inventory.FreeBytes(mountPath)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", mountPath, err)
	}
	if int64(free)-fp.ArchiveSize < e.Config.ArchiveHeadroom {
		if err := e.Catalog.MarkDiskOnHold(ctx, disk.ID, true); err != nil {
			log.Printf("placement: mark disk %s on hold: %v", disk.UUID, err)
		}
		log.Printf("placement: disk %s logically full (%s free, %s headroom required), marked on_hold",
			disk.UUID, humanize.Bytes(free), humanize.Bytes(uint64(e.Config.ArchiveHeadroom)))
		return fmt.Errorf("disk %s logically full, marked on_hold", disk.UUID)
	}

	destDir := filepath.Join(mountPath, fp.UUID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, fp.ArchiveFileName)
	tmpPath := destPath + ".inflight"

	// The disk copy is written to a same-filesystem temp name and renamed
	// into place so a reader never observes a partial file; the work copy
	// itself isn't consumed here; it is only moved once, to cache, after
	// every required disk copy has landed.
	if err := copyFile(workPath, tmpPath); err != nil {
		return fmt.Errorf("stage %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		e.publish(events.FilesystemError, events.SeverityCritical, archive.UUID,
			fmt.Sprintf("rename to %s failed: %v", destPath, err))
		return fmt.Errorf("rename to %s: %w", destPath, err)
	}
	if err := syncDir(destDir); err != nil {
		return err
	}

	if err := e.Catalog.AddPlacement(ctx, disk.ID, fp.ID, e.HostID); err != nil {
		return fmt.Errorf("add placement: %w", err)
	}

	return nil
}

func (e *Engine) openNewDisk(ctx context.Context, archive catalog.DiskArchive, copyID int, mounts []inventory.Mount) (*catalog.Disk, string, error) {
	var candidates []inventory.Mount
	for _, m := range mounts {
		if m.Status == inventory.Available {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no available mount for archive %s copy %d", archive.UUID, copyID)
	}
	chosen := candidates[0]
	disk, err := e.Lifecycle.Open(ctx, chosen.Path, chosen.Serial, archive, e.HostID, copyID, int64(chosen.TotalBytes))
	if err != nil {
		return nil, "", err
	}
	return disk, chosen.Path, nil
}

func mountPathForUUID(mounts []inventory.Mount, uuid string) string {
	for _, m := range mounts {
		if m.DiskUUID == uuid {
			return m.Path
		}
	}
	return ""
}

func (e *Engine) publish(t events.EventType, sev events.Severity, archiveUUID, message string) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.Event{
		Type:     t,
		Severity: sev,
		Message:  message,
		Metadata: map[string]string{"archive_uuid": archiveUUID},
	})
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("fsync %s: %w", dst, err)
	}
	return f.Close()
}
