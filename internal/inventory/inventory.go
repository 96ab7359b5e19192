// Package inventory implements Disk Inventory: classifying configured mount
// paths by probing them with direct statfs-family syscalls and reading
// device serials from /sys/block and /proc/mounts, never by shelling out to
// mountpoint(1), lsblk, or smartctl.
package inventory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/events"
)

// Status classifies a mount path.
type Status string

const (
	NotMounted Status = "NotMounted"
	NotUsable  Status = "NotUsable"
	Available  Status = "Available"
	InUse      Status = "InUse"
	Finished   Status = "Finished"
)

// Mount is a single observation of a configured mount path. It is a
// runtime value, not persisted; its lifetime is one status refresh.
type Mount struct {
	Path         string
	Status       Status
	Serial       string
	DiskUUID     string
	FreeBytes    uint64
	TotalBytes   uint64
	Reason       string
}

// Label is the contents of label.json: presence at a mount root means
// "this disk is claimed".
type Label struct {
	UUID string `json:"uuid"`
}

type label = Label

// ReadLabel reads label.json at mountPath, returning nil if none exists.
func ReadLabel(mountPath string) (*Label, error) {
	return readLabel(mountPath)
}

// DiskLookup is the narrow slice of the Catalog Gateway Disk Inventory
// needs: resolving a UUID to its current open/closed state, and resolving a
// serial to when it was last seen.
type DiskLookup interface {
	FindDiskByUUID(ctx context.Context, uuid string) (*catalog.Disk, error)
	RecentDiskForSerial(ctx context.Context, serial string) (*catalog.Disk, error)
}

// Scanner classifies a fixed list of mount paths on every call to Scan.
type Scanner struct {
	MountPaths     []string
	MinimumDiskAge time.Duration
	HostID         int64
	Catalog        DiskLookup
	Bus            *events.Bus
}

// Scan probes every configured mount path and returns one Mount per path,
// in the configured order.
func (s *Scanner) Scan(ctx context.Context) []Mount {
	mounts := make([]Mount, 0, len(s.MountPaths))
	for _, path := range s.MountPaths {
		mounts = append(mounts, s.scanOne(ctx, path))
	}
	return mounts
}

func (s *Scanner) scanOne(ctx context.Context, path string) Mount {
	m := Mount{Path: path}

	mounted, err := isMountpoint(path)
	if err != nil || !mounted {
		m.Status = NotMounted
		m.Reason = "not a mountpoint"
		return m
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		m.Status = NotMounted
		m.Reason = fmt.Sprintf("statfs failed: %v", err)
		return m
	}
	bsize := uint64(stat.Bsize)
	m.TotalBytes = stat.Blocks * bsize
	m.FreeBytes = stat.Bavail * bsize

	serial, err := resolveSerial(path)
	if err != nil || serial == "" {
		m.Status = NotUsable
		m.Reason = "unknown serial"
		s.publish(events.UnknownSerial, events.SeverityWarning, "", path, m.Reason)
		return m
	}
	m.Serial = serial

	lbl, err := readLabel(path)
	if err != nil {
		m.Status = NotUsable
		m.Reason = fmt.Sprintf("unreadable label.json: %v", err)
		return m
	}

	if lbl == nil {
		if reused, last := s.serialReusedTooSoon(ctx, serial, ""); reused {
			m.Status = NotUsable
			m.Reason = fmt.Sprintf("serial %s last used %s ago, under minimum_disk_age_seconds", serial, time.Since(last))
			s.publish(events.SerialReuseTooSoon, events.SeverityCritical, serial, path, m.Reason)
			return m
		}
		if err := unix.Access(path, unix.W_OK); err != nil {
			m.Status = NotUsable
			m.Reason = "mount not writable"
			return m
		}
		m.Status = Available
		return m
	}

	m.DiskUUID = lbl.UUID
	disk, err := s.Catalog.FindDiskByUUID(ctx, lbl.UUID)
	if err != nil {
		m.Status = NotUsable
		m.Reason = fmt.Sprintf("label.json uuid %s not found in catalog", lbl.UUID)
		return m
	}

	if reused, last := s.serialReusedTooSoon(ctx, serial, disk.UUID); reused {
		m.Status = NotUsable
		m.Reason = fmt.Sprintf("serial %s last used %s ago on a different disk", serial, time.Since(last))
		s.publish(events.SerialReuseTooSoon, events.SeverityCritical, serial, path, m.Reason)
		return m
	}

	switch {
	case disk.Flags.Closed:
		m.Status = Finished
	case !disk.Flags.Bad && disk.HostID == s.HostID:
		m.Status = InUse
	default:
		m.Status = NotUsable
		m.Reason = "disk open on a different host or marked bad"
	}
	return m
}

// serialReusedTooSoon reports whether serial was last recorded on a disk
// UUID other than expectUUID, and that disk's last update is more recent
// than MinimumDiskAge ago.
func (s *Scanner) serialReusedTooSoon(ctx context.Context, serial, expectUUID string) (bool, time.Time) {
	recent, err := s.Catalog.RecentDiskForSerial(ctx, serial)
	if err != nil {
		return false, time.Time{}
	}
	if recent.UUID == expectUUID {
		return false, time.Time{}
	}
	if time.Since(recent.DateUpdated) >= s.MinimumDiskAge {
		return false, time.Time{}
	}
	return true, recent.DateUpdated
}

func (s *Scanner) publish(t events.EventType, sev events.Severity, serial, path, message string) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(events.Event{
		Type:         t,
		Severity:     sev,
		SerialNumber: serial,
		Message:      message,
		Metadata:     map[string]string{"mount_path": path},
	})
}

// LabelExists reports whether label.json is already present at mountPath.
// Disk Lifecycle Open consults this before assigning a label, since any
// existing label.json is a fatal refusal.
func LabelExists(mountPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(mountPath, "label.json"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteLabel writes label.json at mount root, refusing if one already
// exists. Used by Disk Lifecycle Open.
func WriteLabel(mountPath, uuid string) error {
	path := filepath.Join(mountPath, "label.json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("inventory: label.json already exists at %s", mountPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("inventory: stat %s: %w", path, err)
	}

	data, err := json.Marshal(label{UUID: uuid})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("inventory: write %s: %w", path, err)
	}
	return nil
}

func readLabel(mountPath string) (*label, error) {
	path := filepath.Join(mountPath, "label.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l label
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse label.json: %w", err)
	}
	return &l, nil
}

// FreeBytes returns the current free byte count for a mount, via
// unix.Statfs. Used by the Placement Engine to re-check headroom
// immediately before writing, since a Disk Inventory scan can be stale by
// the time Phase P runs.
func FreeBytes(mountPath string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(mountPath, &stat); err != nil {
		return 0, fmt.Errorf("inventory: statfs %s: %w", mountPath, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// isMountpoint reports whether path is a true mountpoint by comparing its
// device id against that of its parent directory, the same check
// mountpoint(1) performs internally.
func isMountpoint(path string) (bool, error) {
	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	parent := filepath.Dir(path)
	if err := unix.Stat(parent, &parentSt); err != nil {
		return false, err
	}
	return st.Dev != parentSt.Dev, nil
}

// resolveSerial maps mountPath to its backing block device via /proc/mounts,
// then reads the device's serial from /sys/block.
func resolveSerial(mountPath string) (string, error) {
	device, err := deviceForMount(mountPath)
	if err != nil {
		return "", err
	}
	return serialForDevice(device)
}

func deviceForMount(mountPath string) (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer f.Close()

	resolved, err := filepath.EvalSymlinks(mountPath)
	if err != nil {
		resolved = mountPath
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		device, mountedAt := fields[0], fields[1]
		if mountedAt == mountPath || mountedAt == resolved {
			return device, nil
		}
	}
	return "", fmt.Errorf("no /proc/mounts entry for %s", mountPath)
}

func serialForDevice(devicePath string) (string, error) {
	name := baseDeviceName(devicePath)
	if name == "" {
		return "", fmt.Errorf("could not derive block device name from %s", devicePath)
	}

	candidates := []string{
		fmt.Sprintf("/sys/block/%s/device/serial", name),
		fmt.Sprintf("/sys/block/%s/serial", name),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			if serial := strings.TrimSpace(string(data)); serial != "" {
				return serial, nil
			}
		}
	}
	return "", fmt.Errorf("no serial under /sys/block for %s", name)
}

// baseDeviceName strips a /dev/ prefix and any trailing partition suffix,
// e.g. /dev/sdb1 -> sdb, /dev/nvme0n1p2 -> nvme0n1.
func baseDeviceName(devicePath string) string {
	name := strings.TrimPrefix(devicePath, "/dev/")
	if name == devicePath {
		// Not a /dev path (e.g. tmpfs, overlay) - no block device to resolve.
		return ""
	}

	if strings.HasPrefix(name, "nvme") {
		if idx := strings.LastIndex(name, "p"); idx > 0 {
			if _, err := strconv.Atoi(name[idx+1:]); err == nil {
				return name[:idx]
			}
		}
		return name
	}

	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == "" {
		return name
	}
	return trimmed
}
