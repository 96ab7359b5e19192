package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const statementTimeout = 30 * time.Second

// withRetry runs op up to 3 times with bounded exponential backoff (base
// 250ms, full jitter) before surfacing a CatalogUnavailableError. Only
// errors that look like transient connection loss are retried; anything
// else (constraint violations, context cancellation) returns immediately.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	const maxAttempts = 3
	const base = 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			backoff := base * time.Duration(1<<attempt)
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &CatalogUnavailableError{Op: op, Err: lastErr}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "busy")
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, "constraint")
}

// FindFilePairByUUID looks up a FilePair by its UUID.
func (g *Gateway) FindFilePairByUUID(ctx context.Context, uuid string) (*FilePair, error) {
	var fp FilePair
	err := withRetry(ctx, "FindFilePairByUUID", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT id, uuid, data_stream_id, data_stream_uuid, archive_file_name,
			       archive_size, binary_file_name, binary_size, archive_checksum,
			       fingerprint, warehouse_path, priority_group, date_created,
			       date_archived, date_updated, modified_at_origin, archived_by_host_id
			FROM file_pairs WHERE uuid = ?`, uuid)
		return scanFilePair(row, &fp)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

func scanFilePair(row *sql.Row, fp *FilePair) error {
	var dateArchived, modifiedAtOrigin sql.NullTime
	var archivedByHostID sql.NullInt64
	if err := row.Scan(&fp.ID, &fp.UUID, &fp.DataStreamID, &fp.DataStreamUUID,
		&fp.ArchiveFileName, &fp.ArchiveSize, &fp.BinaryFileName, &fp.BinarySize,
		&fp.ArchiveChecksum, &fp.Fingerprint, &fp.WarehousePath, &fp.PriorityGroup,
		&fp.DateCreated, &dateArchived, &fp.DateUpdated, &modifiedAtOrigin,
		&archivedByHostID); err != nil {
		return err
	}
	if dateArchived.Valid {
		fp.DateArchived = &dateArchived.Time
	}
	if modifiedAtOrigin.Valid {
		fp.ModifiedAtOrigin = modifiedAtOrigin.Time
	}
	if archivedByHostID.Valid {
		fp.ArchivedByHostID = &archivedByHostID.Int64
	}
	return nil
}

// FindOpenDisk returns the single open (closed=false, bad=false) disk for
// (archiveUUID, hostID, copyID), or ErrNotFound if none exists.
func (g *Gateway) FindOpenDisk(ctx context.Context, archiveUUID string, hostID int64, copyID int) (*Disk, error) {
	var d Disk
	err := withRetry(ctx, "FindOpenDisk", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT id, uuid, label, serial_number, copy_id, archive_uuid, host_id,
			       capacity_bytes, bad, closed, on_hold, date_created, date_updated,
			       size_bytes, file_count
			FROM disks
			WHERE archive_uuid = ? AND host_id = ? AND copy_id = ? AND closed = 0 AND bad = 0`,
			archiveUUID, hostID, copyID)
		return scanDisk(row, &d)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDiskByUUID looks up a Disk by its UUID.
func (g *Gateway) FindDiskByUUID(ctx context.Context, uuid string) (*Disk, error) {
	var d Disk
	err := withRetry(ctx, "FindDiskByUUID", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT id, uuid, label, serial_number, copy_id, archive_uuid, host_id,
			       capacity_bytes, bad, closed, on_hold, date_created, date_updated,
			       size_bytes, file_count
			FROM disks WHERE uuid = ?`, uuid)
		return scanDisk(row, &d)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDisk(row *sql.Row, d *Disk) error {
	var bad, closed, onHold int
	if err := row.Scan(&d.ID, &d.UUID, &d.Label, &d.SerialNumber, &d.CopyID,
		&d.ArchiveUUID, &d.HostID, &d.CapacityBytes, &bad, &closed, &onHold,
		&d.DateCreated, &d.DateUpdated, &d.SizeBytes, &d.FileCount); err != nil {
		return err
	}
	d.Flags = DiskFlags{Bad: bad != 0, Closed: closed != 0, OnHold: onHold != 0}
	return nil
}

// NextLabelSequence returns the next free NNNN sequence number for
// (archiveUUID, copyID, year), used by Disk Lifecycle to assign
// <prefix>_<copy_id>_<YYYY>_<NNNN>.
func (g *Gateway) NextLabelSequence(ctx context.Context, archiveUUID string, copyID, year int) (int, error) {
	var maxSeq sql.NullInt64
	pattern := fmt.Sprintf("%%_%d_%%", year)
	err := withRetry(ctx, "NextLabelSequence", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT MAX(CAST(substr(label, -4) AS INTEGER))
			FROM disks WHERE archive_uuid = ? AND copy_id = ? AND label LIKE ?`,
			archiveUUID, copyID, pattern)
		return row.Scan(&maxSeq)
	})
	if err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return int(maxSeq.Int64) + 1, nil
}

// CreateDisk inserts a new open disk row inside a transaction. A unique
// index violation on (archive_uuid, copy_id, label) surfaces as
// *DuplicateLabelError so the caller can retry with another label instead
// of treating this as fatal.
func (g *Gateway) CreateDisk(ctx context.Context, label, serial, archiveUUID, uuid string, hostID int64, copyID int, capacityBytes int64) (*Disk, error) {
	var created Disk
	err := withRetry(ctx, "CreateDisk", func(ctx context.Context) error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO disks (uuid, label, serial_number, copy_id, archive_uuid, host_id, capacity_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid, label, serial, copyID, archiveUUID, hostID, capacityBytes)
		if err != nil {
			if isUniqueConstraint(err) {
				return &DuplicateLabelError{Label: label}
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		created = Disk{
			ID: id, UUID: uuid, Label: label, SerialNumber: serial,
			CopyID: copyID, ArchiveUUID: archiveUUID, HostID: hostID,
			CapacityBytes: capacityBytes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// AddPlacement records a disk<->file-pair placement edge. If this is the
// file pair's first placement, it also stamps archived_by_host_id and
// date_archived. Both writes happen in one transaction.
func (g *Gateway) AddPlacement(ctx context.Context, diskID, filePairID, hostID int64) error {
	return withRetry(ctx, "AddPlacement", func(ctx context.Context) error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO file_pair_disk_placements (disk_id, file_pair_id)
			VALUES (?, ?)`, diskID, filePairID); err != nil {
			return err
		}

		var archivedByHostID sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT archived_by_host_id FROM file_pairs WHERE id = ?`, filePairID,
		).Scan(&archivedByHostID); err != nil {
			return err
		}
		if !archivedByHostID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE file_pairs SET archived_by_host_id = ?, date_archived = CURRENT_TIMESTAMP
				WHERE id = ?`, hostID, filePairID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkDiskOnHold flips the on_hold flag, used when a disk is found
// logically full during Phase P.
func (g *Gateway) MarkDiskOnHold(ctx context.Context, diskID int64, onHold bool) error {
	return withRetry(ctx, "MarkDiskOnHold", func(ctx context.Context) error {
		_, err := g.db.ExecContext(ctx,
			`UPDATE disks SET on_hold = ?, date_updated = CURRENT_TIMESTAMP WHERE id = ?`,
			boolToInt(onHold), diskID)
		return err
	})
}

// CloseDisk marks a disk closed with final capacity totals, inside a
// transaction. Idempotent: closing an already-closed disk just refreshes
// the totals and timestamp.
func (g *Gateway) CloseDisk(ctx context.Context, uuid string, sizeBytes, fileCount int64) error {
	return withRetry(ctx, "CloseDisk", func(ctx context.Context) error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE disks SET closed = 1, date_updated = CURRENT_TIMESTAMP,
			       size_bytes = ?, file_count = ?
			WHERE uuid = ?`, sizeBytes, fileCount, uuid)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// CountClosedCopies returns the number of non-bad, closed disks holding a
// placement for filePairUUID under archiveUUID. The Cache Janitor compares
// this against the archive's RequiredCopies.
func (g *Gateway) CountClosedCopies(ctx context.Context, filePairUUID, archiveUUID string) (int, error) {
	var count int
	err := withRetry(ctx, "CountClosedCopies", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM file_pair_disk_placements p
			JOIN disks d ON d.id = p.disk_id
			JOIN file_pairs fp ON fp.id = p.file_pair_id
			WHERE fp.uuid = ? AND d.archive_uuid = ? AND d.bad = 0 AND d.closed = 1`,
			filePairUUID, archiveUUID)
		return row.Scan(&count)
	})
	return count, err
}

// RecentDiskForSerial returns the most recently updated disk row (any
// UUID, any state) that was last seen using the given serial number, or
// ErrNotFound if the serial has never been recorded.
func (g *Gateway) RecentDiskForSerial(ctx context.Context, serial string) (*Disk, error) {
	var d Disk
	err := withRetry(ctx, "RecentDiskForSerial", func(ctx context.Context) error {
		row := g.db.QueryRowContext(ctx, `
			SELECT id, uuid, label, serial_number, copy_id, archive_uuid, host_id,
			       capacity_bytes, bad, closed, on_hold, date_created, date_updated,
			       size_bytes, file_count
			FROM disks WHERE serial_number = ? ORDER BY date_updated DESC LIMIT 1`, serial)
		return scanDisk(row, &d)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListPlacedFiles returns every FilePair placed on diskID, ordered by
// placement date, for use when serializing a disk's close-time manifest.
func (g *Gateway) ListPlacedFiles(ctx context.Context, diskID int64) ([]FilePair, error) {
	var pairs []FilePair
	err := withRetry(ctx, "ListPlacedFiles", func(ctx context.Context) error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT fp.id, fp.uuid, fp.data_stream_id, fp.data_stream_uuid, fp.archive_file_name,
			       fp.archive_size, fp.binary_file_name, fp.binary_size, fp.archive_checksum,
			       fp.fingerprint, fp.warehouse_path, fp.priority_group, fp.date_created,
			       fp.date_archived, fp.date_updated, fp.modified_at_origin, fp.archived_by_host_id
			FROM file_pair_disk_placements p
			JOIN file_pairs fp ON fp.id = p.file_pair_id
			WHERE p.disk_id = ?
			ORDER BY p.date_added ASC`, diskID)
		if err != nil {
			return err
		}
		defer rows.Close()

		pairs = nil
		for rows.Next() {
			var fp FilePair
			var dateArchived, modifiedAtOrigin sql.NullTime
			var archivedByHostID sql.NullInt64
			if err := rows.Scan(&fp.ID, &fp.UUID, &fp.DataStreamID, &fp.DataStreamUUID,
				&fp.ArchiveFileName, &fp.ArchiveSize, &fp.BinaryFileName, &fp.BinarySize,
				&fp.ArchiveChecksum, &fp.Fingerprint, &fp.WarehousePath, &fp.PriorityGroup,
				&fp.DateCreated, &dateArchived, &fp.DateUpdated, &modifiedAtOrigin,
				&archivedByHostID); err != nil {
				return err
			}
			if dateArchived.Valid {
				fp.DateArchived = &dateArchived.Time
			}
			if modifiedAtOrigin.Valid {
				fp.ModifiedAtOrigin = modifiedAtOrigin.Time
			}
			if archivedByHostID.Valid {
				fp.ArchivedByHostID = &archivedByHostID.Int64
			}
			pairs = append(pairs, fp)
		}
		return rows.Err()
	})
	return pairs, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
