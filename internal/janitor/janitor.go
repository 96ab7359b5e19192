// Package janitor implements the Cache Janitor: reclaiming cache_dir space
// once a file pair has enough closed, non-bad copies to satisfy every
// archive its data stream targets.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
	"diskarchiver/internal/placement"
)

// CatalogOps is the subset of the Catalog Gateway the Cache Janitor needs.
type CatalogOps interface {
	FindFilePairByUUID(ctx context.Context, uuid string) (*catalog.FilePair, error)
	CountClosedCopies(ctx context.Context, filePairUUID, archiveUUID string) (int, error)
}

// Config names the directory the Cache Janitor sweeps and the key prefix
// it shares with the Placement Engine for UUID extraction.
type Config struct {
	CacheDir  string
	KeyPrefix string
}

// Janitor deletes cache_dir entries once every archive a file pair targets
// reports enough closed copies. It never deletes the only pending copy of
// anything, and it never touches inbox_dir or work_dir.
type Janitor struct {
	Config      Config
	Catalog     CatalogOps
	DataStreams map[int64]catalog.DataStream
	Archives    map[string]catalog.DiskArchive
	Bus         *events.Bus
}

// Sweep walks cache_dir once, deleting every entry whose file pair has
// satisfied replication on every archive its data stream targets. Entries
// that don't parse, or whose file pair or data stream is no longer known,
// are left in place with a logged warning rather than deleted.
func (j *Janitor) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(j.Config.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("janitor: read %s: %w", j.Config.CacheDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, j.Config.KeyPrefix) {
			continue
		}
		if err := j.sweepOne(ctx, name); err != nil {
			log.Printf("janitor: %s: %v", name, err)
		}
	}
	return nil
}

func (j *Janitor) sweepOne(ctx context.Context, name string) error {
	uuid, err := placement.ExtractFilePairUUID(name, j.Config.KeyPrefix)
	if err != nil {
		log.Printf("janitor: %s does not look like a cached archival file, leaving in place: %v", name, err)
		return nil
	}

	fp, err := j.Catalog.FindFilePairByUUID(ctx, uuid)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			log.Printf("janitor: %s has no catalog record, leaving in place", name)
			return nil
		}
		return fmt.Errorf("lookup file pair %s: %w", uuid, err)
	}

	stream, ok := j.DataStreams[fp.DataStreamID]
	if !ok {
		log.Printf("janitor: %s belongs to a removed data stream, leaving in place", name)
		return nil
	}

	for _, archiveUUID := range stream.Archives {
		archive, ok := j.Archives[archiveUUID]
		if !ok {
			log.Printf("janitor: %s targets a removed archive %s, leaving in place", name, archiveUUID)
			return nil
		}
		count, err := j.Catalog.CountClosedCopies(ctx, fp.UUID, archiveUUID)
		if err != nil {
			return fmt.Errorf("count closed copies for %s on %s: %w", fp.UUID, archiveUUID, err)
		}
		if count < archive.RequiredCopies {
			return nil
		}
	}

	path := filepath.Join(j.Config.CacheDir, name)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := syncDir(j.Config.CacheDir); err != nil {
		return err
	}

	j.publish(fp.UUID, fmt.Sprintf("reclaimed %s: all required copies closed", name))
	return nil
}

func (j *Janitor) publish(filePairUUID, message string) {
	if j.Bus == nil {
		return
	}
	j.Bus.Publish(events.Event{
		Type:     events.CacheReclaimed,
		Severity: events.SeverityInfo,
		Message:  message,
		Metadata: map[string]string{"file_pair_uuid": filePairUUID},
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
