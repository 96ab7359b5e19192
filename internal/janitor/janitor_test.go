package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
)

type fakeCatalog struct {
	filePairs map[string]*catalog.FilePair
	closed    map[string]int
}

func (f *fakeCatalog) FindFilePairByUUID(ctx context.Context, uuid string) (*catalog.FilePair, error) {
	fp, ok := f.filePairs[uuid]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return fp, nil
}

func (f *fakeCatalog) CountClosedCopies(ctx context.Context, filePairUUID, archiveUUID string) (int, error) {
	return f.closed[filePairUUID+":"+archiveUUID], nil
}

func TestSweepDeletesWhenFullyReplicated(t *testing.T) {
	cacheDir := t.TempDir()
	uuid := "11111111-2222-3333-4444-555555555555"
	name := "ukey_" + uuid + "_run.tar"
	if err := os.WriteFile(filepath.Join(cacheDir, name), []byte("data"), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	fc := &fakeCatalog{
		filePairs: map[string]*catalog.FilePair{
			uuid: {ID: 1, UUID: uuid, DataStreamID: 1},
		},
		closed: map[string]int{uuid + ":archive-1": 2},
	}

	j := &Janitor{
		Config:      Config{CacheDir: cacheDir, KeyPrefix: "ukey_"},
		Catalog:     fc,
		DataStreams: map[int64]catalog.DataStream{1: {ID: 1, Archives: []string{"archive-1"}}},
		Archives:    map[string]catalog.DiskArchive{"archive-1": {UUID: "archive-1", RequiredCopies: 2}},
		Bus:         events.NewBus(),
	}

	if err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, name)); !os.IsNotExist(err) {
		t.Fatal("expected fully replicated file to be reclaimed")
	}
}

func TestSweepLeavesUnderReplicated(t *testing.T) {
	cacheDir := t.TempDir()
	uuid := "22222222-3333-4444-5555-666666666666"
	name := "ukey_" + uuid + "_run.tar"
	if err := os.WriteFile(filepath.Join(cacheDir, name), []byte("data"), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	fc := &fakeCatalog{
		filePairs: map[string]*catalog.FilePair{
			uuid: {ID: 2, UUID: uuid, DataStreamID: 1},
		},
		closed: map[string]int{uuid + ":archive-1": 1},
	}

	j := &Janitor{
		Config:      Config{CacheDir: cacheDir, KeyPrefix: "ukey_"},
		Catalog:     fc,
		DataStreams: map[int64]catalog.DataStream{1: {ID: 1, Archives: []string{"archive-1"}}},
		Archives:    map[string]catalog.DiskArchive{"archive-1": {UUID: "archive-1", RequiredCopies: 2}},
	}

	if err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, name)); err != nil {
		t.Fatal("expected under-replicated file to remain in cache")
	}
}

func TestSweepLeavesUnknownDataStream(t *testing.T) {
	cacheDir := t.TempDir()
	uuid := "33333333-4444-5555-6666-777777777777"
	name := "ukey_" + uuid + "_run.tar"
	if err := os.WriteFile(filepath.Join(cacheDir, name), []byte("data"), 0o644); err != nil {
		t.Fatalf("seed cache file: %v", err)
	}

	fc := &fakeCatalog{
		filePairs: map[string]*catalog.FilePair{
			uuid: {ID: 3, UUID: uuid, DataStreamID: 99},
		},
	}

	j := &Janitor{
		Config:      Config{CacheDir: cacheDir, KeyPrefix: "ukey_"},
		Catalog:     fc,
		DataStreams: map[int64]catalog.DataStream{},
		Archives:    map[string]catalog.DiskArchive{},
	}

	if err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, name)); err != nil {
		t.Fatal("expected file with removed data stream to remain in cache")
	}
}
