package inventory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diskarchiver/internal/catalog"
)

type fakeLookup struct {
	byUUID   map[string]*catalog.Disk
	bySerial map[string]*catalog.Disk
}

func (f *fakeLookup) FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error) {
	if d, ok := f.byUUID[uuid]; ok {
		return d, nil
	}
	return nil, catalog.ErrNotFound
}

func (f *fakeLookup) RecentDiskForSerial(ctx context.Context, serial string) (*catalog.Disk, error) {
	if d, ok := f.bySerial[serial]; ok {
		return d, nil
	}
	return nil, catalog.ErrNotFound
}

func TestWriteLabelRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := WriteLabel(dir, "uuid-1"); err != nil {
		t.Fatalf("first WriteLabel: %v", err)
	}
	if err := WriteLabel(dir, "uuid-2"); err == nil {
		t.Fatal("expected second WriteLabel to refuse, got nil error")
	}

	data, err := os.ReadFile(filepath.Join(dir, "label.json"))
	if err != nil {
		t.Fatalf("read label.json: %v", err)
	}
	var l label
	if err := json.Unmarshal(data, &l); err != nil {
		t.Fatalf("unmarshal label.json: %v", err)
	}
	if l.UUID != "uuid-1" {
		t.Fatalf("expected uuid-1 to remain after refused overwrite, got %s", l.UUID)
	}
}

func TestReadLabelMissingIsNilNotError(t *testing.T) {
	dir := t.TempDir()
	lbl, err := readLabel(dir)
	if err != nil {
		t.Fatalf("readLabel: %v", err)
	}
	if lbl != nil {
		t.Fatalf("expected nil label for empty mount, got %+v", lbl)
	}
}

func TestBaseDeviceName(t *testing.T) {
	cases := map[string]string{
		"/dev/sdb1":      "sdb",
		"/dev/sdb":       "sdb",
		"/dev/nvme0n1p2": "nvme0n1",
		"/dev/nvme0n1":   "nvme0n1",
		"tmpfs":          "",
	}
	for input, want := range cases {
		got := baseDeviceName(input)
		if got != want {
			t.Errorf("baseDeviceName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSerialReusedTooSoon(t *testing.T) {
	lookup := &fakeLookup{
		bySerial: map[string]*catalog.Disk{
			"SN-AAA": {UUID: "old-uuid", DateUpdated: time.Now().Add(-10 * 24 * time.Hour)},
		},
	}
	s := &Scanner{Catalog: lookup, MinimumDiskAge: 365 * 24 * time.Hour}

	reused, _ := s.serialReusedTooSoon(context.Background(), "SN-AAA", "new-uuid")
	if !reused {
		t.Fatal("expected serial reuse within minimum_disk_age_seconds to be flagged")
	}

	reused, _ = s.serialReusedTooSoon(context.Background(), "SN-AAA", "old-uuid")
	if reused {
		t.Fatal("expected no reuse flag when UUID matches the expected disk")
	}

	reused, _ = s.serialReusedTooSoon(context.Background(), "SN-UNKNOWN", "new-uuid")
	if reused {
		t.Fatal("expected no reuse flag for a serial never seen before")
	}
}
