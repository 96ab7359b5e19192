// Package lifecycle implements Disk Lifecycle: opening a new disk on an
// Available mount and closing an InUse disk on operator sentinel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
	"diskarchiver/internal/inventory"
	"diskarchiver/internal/mailer"
	"diskarchiver/internal/manifest"
)

// CatalogOps is the subset of the Catalog Gateway Disk Lifecycle needs.
type CatalogOps interface {
	NextLabelSequence(ctx context.Context, archiveUUID string, copyID, year int) (int, error)
	CreateDisk(ctx context.Context, label, serial, archiveUUID, uuid string, hostID int64, copyID int, capacityBytes int64) (*catalog.Disk, error)
	FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error)
	ListPlacedFiles(ctx context.Context, diskID int64) ([]catalog.FilePair, error)
	CloseDisk(ctx context.Context, uuid string, sizeBytes, fileCount int64) error
}

const maxLabelAttempts = 5

// Lifecycle owns on-disk manifest writes and label.json writes; it is the
// only component permitted to do either.
type Lifecycle struct {
	Catalog CatalogOps
	Mailer  mailer.Mailer
	Bus     *events.Bus
}

// Open assigns a label, records the new disk in the catalog, and writes
// label.json at the mount root. Any existing label.json aborts before any
// catalog write happens.
func (l *Lifecycle) Open(ctx context.Context, mountPath, serial string, archive catalog.DiskArchive, hostID int64, copyID int, capacityBytes int64) (*catalog.Disk, error) {
	exists, err := inventory.LabelExists(mountPath)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: checking label.json at %s: %w", mountPath, err)
	}
	if exists {
		return nil, fmt.Errorf("lifecycle: %s already has a label.json", mountPath)
	}

	diskUUID := uuid.NewString()
	year := time.Now().Year()

	var disk *catalog.Disk
	for attempt := 0; attempt < maxLabelAttempts; attempt++ {
		seq, err := l.Catalog.NextLabelSequence(ctx, archive.UUID, copyID, year)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: next label sequence: %w", err)
		}
		label := fmt.Sprintf("%s_%d_%04d_%04d", archive.LabelPrefix, copyID, year, seq)

		disk, err = l.Catalog.CreateDisk(ctx, label, serial, archive.UUID, diskUUID, hostID, copyID, capacityBytes)
		if err == nil {
			break
		}
		var dupErr *catalog.DuplicateLabelError
		if !errors.As(err, &dupErr) {
			return nil, fmt.Errorf("lifecycle: create disk: %w", err)
		}
		disk = nil
	}
	if disk == nil {
		return nil, fmt.Errorf("lifecycle: could not assign a free label after %d attempts", maxLabelAttempts)
	}

	if err := inventory.WriteLabel(mountPath, diskUUID); err != nil {
		l.publish(events.FilesystemError, events.SeverityCritical, "", mountPath,
			fmt.Sprintf("disk %s created in catalog but label.json write failed: %v", diskUUID, err))
		return disk, fmt.Errorf("lifecycle: write label.json: %w", err)
	}

	l.publish(events.DiskOpened, events.SeverityInfo, serial, mountPath,
		fmt.Sprintf("opened disk %s (%s)", disk.Label, diskUUID))

	return disk, nil
}

// Close re-reads the disk's placements, writes its manifest, commits the
// closed state to the catalog, emails the owning archive's contacts, and
// removes the close sentinel. If the manifest write fails the disk stays
// open and the sentinel is left in place. If the catalog commit or the
// disk-ended email fails after a successful manifest write, the sentinel
// is also left in place and the close is retried next cycle; the manifest
// write and the catalog close are idempotent so repeating them is harmless.
func (l *Lifecycle) Close(ctx context.Context, mountPath, semaphorePath string, diskUUID string, archive catalog.DiskArchive) error {
	disk, err := l.Catalog.FindDiskByUUID(ctx, diskUUID)
	if err != nil {
		return fmt.Errorf("lifecycle: re-read disk %s: %w", diskUUID, err)
	}

	files, err := l.Catalog.ListPlacedFiles(ctx, disk.ID)
	if err != nil {
		return fmt.Errorf("lifecycle: list placements for disk %s: %w", diskUUID, err)
	}

	meta := buildManifest(*disk, files)

	if err := manifest.WriteTo(mountPath, meta); err != nil {
		l.publish(events.ManifestWriteFailed, events.SeverityCritical, disk.SerialNumber, mountPath,
			fmt.Sprintf("manifest write failed for disk %s: %v", diskUUID, err))
		return fmt.Errorf("lifecycle: write manifest: %w", err)
	}

	var sizeBytes, fileCount int64
	for _, f := range files {
		sizeBytes += f.ArchiveSize + f.BinarySize
		fileCount++
	}

	if err := l.Catalog.CloseDisk(ctx, diskUUID, sizeBytes, fileCount); err != nil {
		return fmt.Errorf("lifecycle: commit close for disk %s: %w", diskUUID, err)
	}

	subject := fmt.Sprintf("Disk %s closed", disk.Label)
	body := fmt.Sprintf("Disk %s (serial %s, copy %d) on archive %s has been closed with %d files (%d bytes). Please swap it out.",
		disk.Label, disk.SerialNumber, disk.CopyID, archive.Description, fileCount, sizeBytes)
	if err := l.sendCloseEmail(archive, subject, body); err != nil {
		l.publish(events.EmailFailed, events.SeverityWarning, disk.SerialNumber, mountPath,
			fmt.Sprintf("disk ended email failed for disk %s: %v", diskUUID, err))
		return fmt.Errorf("lifecycle: disk ended email for disk %s: %w", diskUUID, err)
	}

	l.publish(events.DiskClosed, events.SeverityInfo, disk.SerialNumber, mountPath,
		fmt.Sprintf("closed disk %s (%s)", disk.Label, diskUUID))

	if err := os.Remove(semaphorePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove sentinel %s: %w", semaphorePath, err)
	}

	return nil
}

func (l *Lifecycle) sendCloseEmail(archive catalog.DiskArchive, subject, body string) error {
	if l.Mailer == nil {
		return nil
	}
	var emails []string
	for _, c := range archive.Contacts {
		if c.Active && c.Email != "" {
			emails = append(emails, c.Email)
		}
	}
	if len(emails) == 0 {
		return nil
	}
	for _, email := range emails {
		if err := l.Mailer.Send(email, subject, body); err != nil {
			return err
		}
	}
	return nil
}

func buildManifest(disk catalog.Disk, files []catalog.FilePair) manifest.ArchivalDiskMetadata {
	diskFiles := make([]manifest.ArchivalDiskFile, 0, len(files))
	for _, f := range files {
		diskFiles = append(diskFiles, manifest.ArchivalDiskFile{
			ID:               f.ID,
			UUID:             f.UUID,
			DataStreamID:     f.DataStreamID,
			DataStreamUUID:   f.DataStreamUUID,
			ArchiveFileName:  f.ArchiveFileName,
			ArchiveSize:      f.ArchiveSize,
			BinaryFileName:   f.BinaryFileName,
			BinarySize:       f.BinarySize,
			ArchiveChecksum:  f.ArchiveChecksum,
			Fingerprint:      f.Fingerprint,
			WarehousePath:    f.WarehousePath,
			PriorityGroup:    f.PriorityGroup,
			DateCreated:      f.DateCreated,
			DateArchived:     f.DateArchived,
			DateUpdated:      f.DateUpdated,
			ModifiedAtOrigin: f.ModifiedAtOrigin,
			ArchivedByHostID: f.ArchivedByHostID,
			DiskUUID:         disk.UUID,
			DiskLabel:        disk.Label,
			CopyID:           disk.CopyID,
			ArchiveUUID:      disk.ArchiveUUID,
			DateAddedToDisk:  f.DateUpdated,
		})
	}

	return manifest.ArchivalDiskMetadata{
		ID:              disk.ID,
		UUID:            disk.UUID,
		Label:           disk.Label,
		CopyID:          disk.CopyID,
		DiskArchiveUUID: disk.ArchiveUUID,
		Capacity:        disk.CapacityBytes,
		DateCreated:     disk.DateCreated,
		DateUpdated:     time.Now(),
		Files:           diskFiles,
	}
}

func (l *Lifecycle) publish(t events.EventType, sev events.Severity, serial, mountPath, message string) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(events.Event{
		Type:         t,
		Severity:     sev,
		SerialNumber: serial,
		Message:      message,
		Metadata:     map[string]string{"mount_path": mountPath},
	})
}
