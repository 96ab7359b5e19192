// Package manifest serializes and parses the ArchivalDiskMetadata document
// written to a disk's mount root at close time.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxManifestSize guards against a runaway placement count producing a
// pathological metadata file; a disk holding this many file records would
// already have exhausted its capacity many times over.
const maxManifestSize = 64 * 1024 * 1024

// ArchivalDiskFile is one placed file's record inside a disk's manifest,
// mirroring the FilePair/placement attributes the JADE schema tracks.
type ArchivalDiskFile struct {
	ID               int64      `json:"id"`
	UUID             string     `json:"uuid"`
	DataStreamID     int64      `json:"dataStreamId"`
	DataStreamUUID   string     `json:"dataStreamUuid"`
	ArchiveFileName  string     `json:"archiveFileName"`
	ArchiveSize      int64      `json:"archiveSize"`
	BinaryFileName   string     `json:"binaryFileName"`
	BinarySize       int64      `json:"binarySize"`
	ArchiveChecksum  string     `json:"archiveChecksum"`
	Fingerprint      string     `json:"fingerprint"`
	WarehousePath    string     `json:"warehousePath"`
	PriorityGroup    int        `json:"priorityGroup"`
	DateCreated      time.Time  `json:"dateCreated"`
	DateArchived     *time.Time `json:"dateArchived,omitempty"`
	DateUpdated      time.Time  `json:"dateUpdated"`
	ModifiedAtOrigin time.Time  `json:"modifiedAtOrigin"`
	ArchivedByHostID *int64     `json:"archivedByHostId,omitempty"`
	DiskUUID         string     `json:"diskUuid"`
	DiskLabel        string     `json:"diskLabel"`
	CopyID           int        `json:"copyId"`
	ArchiveUUID      string     `json:"archiveUuid"`
	DateAddedToDisk  time.Time  `json:"dateAddedToDisk"`
}

// ArchivalDiskMetadata is the top-level document written to
// <mount>/<disk-uuid>.metadata at close.
type ArchivalDiskMetadata struct {
	ID              int64              `json:"id"`
	UUID            string             `json:"uuid"`
	Label           string             `json:"label"`
	CopyID          int                `json:"copyId"`
	DiskArchiveUUID string             `json:"diskArchiveUuid"`
	Capacity        int64              `json:"capacity"`
	DateCreated     time.Time          `json:"dateCreated"`
	DateUpdated     time.Time          `json:"dateUpdated"`
	Files           []ArchivalDiskFile `json:"files"`
}

// Serialize marshals m as indented JSON for on-disk storage.
func Serialize(m ArchivalDiskMetadata) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	return data, nil
}

// Parse unmarshals raw manifest JSON.
func Parse(data []byte) (ArchivalDiskMetadata, error) {
	if len(data) > maxManifestSize {
		return ArchivalDiskMetadata{}, fmt.Errorf("manifest: exceeds %d byte limit", maxManifestSize)
	}
	var m ArchivalDiskMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return ArchivalDiskMetadata{}, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	return m, nil
}

// WriteTo serializes m and writes it to <mountPath>/<uuid>.metadata,
// fsyncing both the file and its parent directory so the manifest survives
// a crash immediately after close. The write is idempotent: an existing
// manifest for the same disk is simply overwritten.
func WriteTo(mountPath string, m ArchivalDiskMetadata) error {
	data, err := Serialize(m)
	if err != nil {
		return err
	}

	path := filepath.Join(mountPath, m.UUID+".metadata")
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: rename %s to %s: %w", tmp, path, err)
	}

	dir, err := os.Open(mountPath)
	if err != nil {
		return fmt.Errorf("manifest: open directory %s: %w", mountPath, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("manifest: fsync directory %s: %w", mountPath, err)
	}

	return nil
}

// ReadFrom reads and parses the manifest at <mountPath>/<uuid>.metadata.
func ReadFrom(mountPath, uuid string) (ArchivalDiskMetadata, error) {
	path := filepath.Join(mountPath, uuid+".metadata")
	data, err := os.ReadFile(path)
	if err != nil {
		return ArchivalDiskMetadata{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}
