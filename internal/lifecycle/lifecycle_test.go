package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
)

type fakeCatalog struct {
	disks        map[string]*catalog.Disk
	nextID       int64
	nextSeq      int
	dupUntil     int
	placed       map[int64][]catalog.FilePair
	closeErr     error
	closedCalls  int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		disks:  make(map[string]*catalog.Disk),
		placed: make(map[int64][]catalog.FilePair),
	}
}

func (f *fakeCatalog) NextLabelSequence(ctx context.Context, archiveUUID string, copyID, year int) (int, error) {
	f.nextSeq++
	return f.nextSeq, nil
}

func (f *fakeCatalog) CreateDisk(ctx context.Context, label, serial, archiveUUID, uuid string, hostID int64, copyID int, capacityBytes int64) (*catalog.Disk, error) {
	if f.dupUntil > 0 {
		f.dupUntil--
		return nil, &catalog.DuplicateLabelError{Label: label}
	}
	f.nextID++
	d := &catalog.Disk{
		ID: f.nextID, UUID: uuid, Label: label, SerialNumber: serial,
		CopyID: copyID, ArchiveUUID: archiveUUID, HostID: hostID,
		CapacityBytes: capacityBytes, DateCreated: time.Now(), DateUpdated: time.Now(),
	}
	f.disks[uuid] = d
	return d, nil
}

func (f *fakeCatalog) FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error) {
	d, ok := f.disks[uuid]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return d, nil
}

func (f *fakeCatalog) ListPlacedFiles(ctx context.Context, diskID int64) ([]catalog.FilePair, error) {
	return f.placed[diskID], nil
}

func (f *fakeCatalog) CloseDisk(ctx context.Context, uuid string, sizeBytes, fileCount int64) error {
	f.closedCalls++
	if f.closeErr != nil {
		return f.closeErr
	}
	d, ok := f.disks[uuid]
	if !ok {
		return catalog.ErrNotFound
	}
	d.Flags.Closed = true
	d.SizeBytes = sizeBytes
	d.FileCount = fileCount
	return nil
}

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) Send(to, subject, body string) error {
	f.sent = append(f.sent, to)
	return nil
}

func testArchive() catalog.DiskArchive {
	return catalog.DiskArchive{
		UUID: "archive-1", Description: "Test Archive", RequiredCopies: 1, LabelPrefix: "TST",
		Contacts: []catalog.Contact{{Name: "Op", Email: "op@example.org", Active: true}},
	}
}

func TestOpenWritesLabelAndCreatesDisk(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeCatalog()
	l := &Lifecycle{Catalog: fc, Bus: events.NewBus()}

	disk, err := l.Open(context.Background(), dir, "SERIAL1", testArchive(), 1, 1, 1_000_000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if disk.Label != "TST_1_"+time.Now().Format("2006")+"_0001" {
		t.Fatalf("unexpected label: %s", disk.Label)
	}

	if _, err := os.Stat(filepath.Join(dir, "label.json")); err != nil {
		t.Fatalf("expected label.json to be written: %v", err)
	}
}

func TestOpenRefusesExistingLabel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "label.json"), []byte(`{"uuid":"x"}`), 0o644); err != nil {
		t.Fatalf("seed label.json: %v", err)
	}

	fc := newFakeCatalog()
	l := &Lifecycle{Catalog: fc, Bus: events.NewBus()}

	if _, err := l.Open(context.Background(), dir, "SERIAL1", testArchive(), 1, 1, 1000); err == nil {
		t.Fatal("expected Open to refuse a mount with an existing label.json")
	}
	if len(fc.disks) != 0 {
		t.Fatal("expected no catalog disk to be created when label.json already exists")
	}
}

func TestOpenRetriesOnDuplicateLabel(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeCatalog()
	fc.dupUntil = 2
	l := &Lifecycle{Catalog: fc, Bus: events.NewBus()}

	disk, err := l.Open(context.Background(), dir, "SERIAL1", testArchive(), 1, 1, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if disk == nil {
		t.Fatal("expected a disk after retrying past duplicate labels")
	}
}

func TestCloseWritesManifestAndRemovesSentinel(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeCatalog()
	fm := &fakeMailer{}
	l := &Lifecycle{Catalog: fc, Mailer: fm, Bus: events.NewBus()}

	archive := testArchive()
	disk, err := l.Open(context.Background(), dir, "SERIAL1", archive, 1, 1, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fc.placed[disk.ID] = []catalog.FilePair{
		{ID: 1, UUID: "fp-1", ArchiveFileName: "a.tar", ArchiveSize: 10, BinaryFileName: "a.bin", BinarySize: 20,
			DateCreated: time.Now(), DateUpdated: time.Now()},
	}

	semaphore := filepath.Join(dir, "close.semaphore")
	if err := os.WriteFile(semaphore, nil, 0o644); err != nil {
		t.Fatalf("seed semaphore: %v", err)
	}

	if err := l.Close(context.Background(), dir, semaphore, disk.UUID, archive); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, disk.UUID+".metadata")); err != nil {
		t.Fatalf("expected manifest to be written: %v", err)
	}
	if _, err := os.Stat(semaphore); !os.IsNotExist(err) {
		t.Fatal("expected sentinel to be removed after successful close")
	}
	if len(fm.sent) != 1 || fm.sent[0] != "op@example.org" {
		t.Fatalf("expected disk-ended email to active contact, got %v", fm.sent)
	}

	closed, err := fc.FindDiskByUUID(context.Background(), disk.UUID)
	if err != nil {
		t.Fatalf("FindDiskByUUID: %v", err)
	}
	if !closed.Flags.Closed {
		t.Fatal("expected disk to be closed in catalog")
	}
}

func TestCloseLeavesSentinelWhenCatalogCommitFails(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeCatalog()
	l := &Lifecycle{Catalog: fc, Bus: events.NewBus()}

	archive := testArchive()
	disk, err := l.Open(context.Background(), dir, "SERIAL1", archive, 1, 1, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	semaphore := filepath.Join(dir, "close.semaphore")
	if err := os.WriteFile(semaphore, nil, 0o644); err != nil {
		t.Fatalf("seed semaphore: %v", err)
	}

	fc.closeErr = context.DeadlineExceeded
	if err := l.Close(context.Background(), dir, semaphore, disk.UUID, archive); err == nil {
		t.Fatal("expected Close to fail when catalog commit fails")
	}

	if _, err := os.Stat(semaphore); err != nil {
		t.Fatal("expected sentinel to remain when catalog commit fails")
	}
	if _, err := os.Stat(filepath.Join(dir, disk.UUID+".metadata")); err != nil {
		t.Fatal("expected manifest write to have already succeeded (idempotent retry)")
	}
}
