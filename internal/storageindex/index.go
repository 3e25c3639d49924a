// Package storageindex implements the storage backend contract: three
// interchangeable artifact stores (in-memory, temp-file, filesystem)
// sharing one index table and one Backend interface, mirroring
// tiny_pacs.storage's StorageBase/FileStorage/InMemoryStorage/
// TempFileStorage split.
package storageindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/db"
)

// atomic dispatches db.ChannelAtomic, the sole path to the index's
// database connection. It never holds a *sql.DB directly: §5/§9 require
// the index be reachable only through the bus.
func (idx Index) atomic(ctx context.Context) (*db.Atomic, error) {
	result, err := idx.bus.SendOne(db.ChannelAtomic, ctx)
	if err != nil {
		return nil, fmt.Errorf("begin atomic: %w", err)
	}
	a, ok := result.(*db.Atomic)
	if !ok {
		return nil, fmt.Errorf("unexpected atomic result type %T", result)
	}
	return a, nil
}

// Channel names, mirroring tiny_pacs.storage.StorageChannels.
const (
	ChannelGetFile     bus.Channel = "on-store-get-file"
	ChannelStoreDone   bus.Channel = "on-store-done"
	ChannelStoreFailure bus.Channel = "on-store-failure"
	ChannelGetFiles    bus.Channel = "on-store-get-files"
	ChannelStoreVerify bus.Channel = "on-store-verify"
)

// SOPRef identifies one SOP instance, used by OnStoreVerify's request/
// response sets.
type SOPRef struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// StoredFile is one committed artifact as returned by OnGetFiles.
type StoredFile struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// Locator is backend-specific: a *dicom.DataSet for Memory, an
	// absolute file path for TempFile and Filesystem.
	Locator any
}

// Backend is the storage index contract every backend implements: five
// methods, an interface rather than a class hierarchy.
type Backend interface {
	// OnGetFile persists ds under an uncommitted index row. Committed
	// visibility flips on OnStoreDone.
	OnGetFile(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, ds *dicom.DataSet) error
	OnStoreDone(ctx context.Context, sopInstanceUID string) error
	OnStoreFailure(ctx context.Context, sopInstanceUID string) error
	OnGetFiles(ctx context.Context, uids []string) ([]StoredFile, error)
	OnStoreVerify(ctx context.Context, requested []SOPRef) (success, failure []SOPRef, err error)
}

// Index is the shared storage_files table, held by every backend.
// Rows are created uncommitted (is_stored=false) by OnGetFile, flipped to
// committed by OnStoreDone, and deleted by OnStoreFailure — exactly
// tiny_pacs.storage.StorageBase's new_file/file_stored/remove_file.
type Index struct {
	bus *bus.Bus
}

// NewIndex binds the index to b; every query dispatches db.ChannelAtomic on
// b rather than holding a database handle directly, so the index can be
// constructed before the Database component opens its connection.
func NewIndex(b *bus.Bus) Index {
	return Index{bus: b}
}

// TableStatement returns storage_files' DDL for ChannelTables collection.
// sop_class_uid is deliberately non-unique+indexed only: the Python
// model's unique constraint on this column is a bug (two instances of the
// same SOP Class cannot both exist), fixed here.
func TableStatement() string {
	return `CREATE TABLE IF NOT EXISTS storage_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sop_instance_uid TEXT NOT NULL UNIQUE,
		sop_class_uid TEXT NOT NULL,
		transfer_syntax TEXT,
		file_name TEXT,
		added TIMESTAMP NOT NULL,
		is_stored BOOLEAN NOT NULL DEFAULT 0
	)`
}

// IndexTableIndexStatement is returned alongside TableStatement.
func IndexTableIndexStatement() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_storage_files_sop_class_uid ON storage_files(sop_class_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_storage_files_added ON storage_files(added)`,
		`CREATE INDEX IF NOT EXISTS idx_storage_files_is_stored ON storage_files(is_stored)`,
	}
}

// TableStatements returns every DDL statement the enabled storage backend
// contributes to ChannelTables.
func TableStatements() []string {
	return append([]string{TableStatement()}, IndexTableIndexStatement()...)
}

func (idx Index) newFile(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntax, fileName string) error {
	atomic, err := idx.atomic(ctx)
	if err != nil {
		return err
	}
	defer atomic.Rollback()

	if _, err := atomic.ExecContext(ctx,
		`INSERT INTO storage_files (sop_instance_uid, sop_class_uid, transfer_syntax, file_name, added, is_stored)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		sopInstanceUID, sopClassUID, transferSyntax, fileName, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert storage_files row: %w", err)
	}
	return atomic.Commit()
}

func (idx Index) fileStored(ctx context.Context, sopInstanceUID string) error {
	atomic, err := idx.atomic(ctx)
	if err != nil {
		return err
	}
	defer atomic.Rollback()

	if _, err := atomic.ExecContext(ctx,
		`UPDATE storage_files SET is_stored = 1 WHERE sop_instance_uid = ?`, sopInstanceUID); err != nil {
		return fmt.Errorf("mark storage_files row stored: %w", err)
	}
	return atomic.Commit()
}

// removeFile deletes the row and returns the file_name that was stored
// there, so callers (Filesystem/TempFile backends) can also unlink the
// artifact on disk.
func (idx Index) removeFile(ctx context.Context, sopInstanceUID string) (string, error) {
	atomic, err := idx.atomic(ctx)
	if err != nil {
		return "", err
	}
	defer atomic.Rollback()

	var fileName sql.NullString
	err = atomic.QueryRowContext(ctx,
		`SELECT file_name FROM storage_files WHERE sop_instance_uid = ?`, sopInstanceUID).Scan(&fileName)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup storage_files row: %w", err)
	}
	if _, err := atomic.ExecContext(ctx,
		`DELETE FROM storage_files WHERE sop_instance_uid = ?`, sopInstanceUID); err != nil {
		return "", fmt.Errorf("delete storage_files row: %w", err)
	}
	if err := atomic.Commit(); err != nil {
		return "", fmt.Errorf("commit storage_files delete: %w", err)
	}
	return fileName.String, nil
}

type fileRow struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	FileName          string
}

// findFiles returns every committed row whose SOP Instance UID is in uids,
// or every committed row if uids is empty, matching
// tiny_pacs.storage.StorageBase.find_files.
func (idx Index) findFiles(ctx context.Context, uids []string) ([]fileRow, error) {
	query := `SELECT sop_class_uid, sop_instance_uid, transfer_syntax, file_name
		FROM storage_files WHERE is_stored = 1`
	args := make([]any, 0, len(uids))
	if len(uids) > 0 {
		query += " AND sop_instance_uid IN (" + placeholders(len(uids)) + ")"
		for _, u := range uids {
			args = append(args, u)
		}
	}
	atomic, err := idx.atomic(ctx)
	if err != nil {
		return nil, err
	}
	defer atomic.Rollback()

	rows, err := atomic.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query storage_files: %w", err)
	}

	var out []fileRow
	for rows.Next() {
		var r fileRow
		if err := rows.Scan(&r.SOPClassUID, &r.SOPInstanceUID, &r.TransferSyntaxUID, &r.FileName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan storage_files row: %w", err)
		}
		out = append(out, r)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, rowsErr
	}
	if err := atomic.Commit(); err != nil {
		return nil, fmt.Errorf("commit storage_files query: %w", err)
	}
	return out, nil
}

// verify does the set-difference spec.md's Storage Commitment requires:
// requested instances present (and committed) are success, the rest are
// failure.
func (idx Index) verify(ctx context.Context, requested []SOPRef) (success, failure []SOPRef, err error) {
	uids := make([]string, len(requested))
	for i, r := range requested {
		uids[i] = r.SOPInstanceUID
	}
	present, err := idx.findFiles(ctx, uids)
	if err != nil {
		return nil, nil, err
	}
	presentSet := make(map[string]struct{}, len(present))
	for _, p := range present {
		presentSet[p.SOPInstanceUID] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := presentSet[r.SOPInstanceUID]; ok {
			success = append(success, r)
		} else {
			failure = append(failure, r)
		}
	}
	return success, failure, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// FromDatabase returns an Index bound to database's bus, so the index can
// be built before OnStart opens the connection: every query dispatches
// db.ChannelAtomic rather than reading database.DB directly.
func FromDatabase(database *db.Database) Index {
	return NewIndex(database.Bus)
}
