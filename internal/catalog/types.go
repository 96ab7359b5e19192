// Package catalog is the Catalog Gateway: the only component that speaks
// to the relational catalog. It hides SQL behind typed operations on file
// pairs, disks, and the disk<->file-pair placement mapping.
package catalog

import "time"

// FilePair is the unit of archival work. The archiver never creates or
// deletes one, only records placements and mutates ArchivedByHostID /
// DateArchived.
type FilePair struct {
	ID                 int64
	UUID               string
	DataStreamID       int64
	DataStreamUUID     string
	ArchiveFileName    string
	ArchiveSize        int64
	BinaryFileName     string
	BinarySize         int64
	ArchiveChecksum    string
	Fingerprint        string
	WarehousePath      string
	PriorityGroup      int
	DateCreated        time.Time
	DateArchived        *time.Time
	DateUpdated        time.Time
	ModifiedAtOrigin   time.Time
	ArchivedByHostID   *int64
}

// Contact is a human or mailing address on a disk archive's notification
// list.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Active  bool   `json:"active"`
}

// DiskArchive is a configured archival target, immutable at runtime.
type DiskArchive struct {
	UUID         string
	Description  string
	RequiredCopies int
	LabelPrefix  string
	Contacts     []Contact
}

// DataStream is the upstream producer definition a FilePair belongs to. It
// names which disk archives a file pair targets, and therefore which N
// values and label prefixes the Placement Engine must satisfy.
type DataStream struct {
	ID               int64
	UUID             string
	Active           bool
	Compression      bool
	FileHost         string
	FilePath         string
	FilePrefix       string
	BinarySuffix     string
	SemaphoreSuffix  string
	Credentials      string
	WorkflowBean     string
	StreamMetadata   map[string]string
	Archives         []string // DiskArchive UUIDs, in the order they must be replicated
	RetroDiskPolicy  string
}

// DiskFlags holds the three mutable booleans tracked per Disk.
type DiskFlags struct {
	Bad     bool
	Closed  bool
	OnHold  bool
}

// Disk is a physical removable disk known to the catalog.
type Disk struct {
	ID              int64
	UUID            string
	Label           string
	SerialNumber    string
	CopyID          int
	ArchiveUUID     string
	HostID          int64
	CapacityBytes   int64
	Flags           DiskFlags
	DateCreated     time.Time
	DateUpdated     time.Time
	SizeBytes       int64
	FileCount       int64
}

// FilePairDiskPlacement is the many-to-many edge between a Disk and a
// FilePair.
type FilePairDiskPlacement struct {
	DiskID     int64
	FilePairID int64
	DateAdded  time.Time
}
