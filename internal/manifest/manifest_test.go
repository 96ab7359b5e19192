package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleMetadata() ArchivalDiskMetadata {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	archived := now.Add(time.Hour)
	hostID := int64(7)
	return ArchivalDiskMetadata{
		ID:              1,
		UUID:            "disk-uuid-1",
		Label:           "ICE_1_2026_0001",
		CopyID:          1,
		DiskArchiveUUID: "archive-uuid-1",
		Capacity:        2_000_000_000_000,
		DateCreated:     now,
		DateUpdated:     archived,
		Files: []ArchivalDiskFile{
			{
				ID:               42,
				UUID:             "filepair-uuid-1",
				DataStreamID:     3,
				DataStreamUUID:   "stream-uuid-1",
				ArchiveFileName:  "run001.tar",
				ArchiveSize:      123456,
				BinaryFileName:   "run001.bin",
				BinarySize:       654321,
				ArchiveChecksum:  "abc123",
				Fingerprint:      "fp-1",
				WarehousePath:    "/warehouse/run001",
				PriorityGroup:    0,
				DateCreated:      now,
				DateArchived:     &archived,
				DateUpdated:      archived,
				ModifiedAtOrigin: now,
				ArchivedByHostID: &hostID,
				DiskUUID:         "disk-uuid-1",
				DiskLabel:        "ICE_1_2026_0001",
				CopyID:           1,
				ArchiveUUID:      "archive-uuid-1",
				DateAddedToDisk:  archived,
			},
		},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	original := sampleMetadata()

	data, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.UUID != original.UUID || parsed.Label != original.Label {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, original)
	}
	if len(parsed.Files) != 1 || parsed.Files[0].ArchiveFileName != "run001.tar" {
		t.Fatalf("round trip lost files: %+v", parsed.Files)
	}
	if !parsed.Files[0].DateArchived.Equal(*original.Files[0].DateArchived) {
		t.Fatalf("round trip lost DateArchived: got %v, want %v",
			parsed.Files[0].DateArchived, original.Files[0].DateArchived)
	}
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	dir := t.TempDir()
	original := sampleMetadata()

	if err := WriteTo(dir, original); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	read, err := ReadFrom(dir, original.UUID)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if read.UUID != original.UUID || len(read.Files) != len(original.Files) {
		t.Fatalf("round trip mismatch: got %+v", read)
	}

	if _, err := os.Stat(filepath.Join(dir, original.UUID+".metadata")); err != nil {
		t.Fatalf("expected manifest file on disk: %v", err)
	}
}

func TestWriteToIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	original := sampleMetadata()

	if err := WriteTo(dir, original); err != nil {
		t.Fatalf("first WriteTo: %v", err)
	}

	original.Capacity = 999
	if err := WriteTo(dir, original); err != nil {
		t.Fatalf("second WriteTo: %v", err)
	}

	read, err := ReadFrom(dir, original.UUID)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if read.Capacity != 999 {
		t.Fatalf("expected overwrite to take effect, got capacity %d", read.Capacity)
	}
}

func TestParseRejectsOversized(t *testing.T) {
	big := make([]byte, maxManifestSize+1)
	if _, err := Parse(big); err == nil {
		t.Fatal("expected error for oversized manifest")
	}
}
