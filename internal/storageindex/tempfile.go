package storageindex

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
)

// TempFile is the temp-file storage backend: each instance is written to
// its own OS temp file and the file path is handed back by OnGetFiles.
// Grounded on tiny_pacs.storage.TempFileStorage.
type TempFile struct {
	component.Base
	component.DefaultLifecycle

	idx Index

	mu    sync.Mutex
	paths map[string]string // sopInstanceUID -> temp file path, tracked for ON_EXIT cleanup
}

// NewTempFile constructs the temp-file backend.
func NewTempFile(b *bus.Bus, idx Index) *TempFile {
	t := &TempFile{
		Base:  component.NewBase(b, nil, "storage-tempfile"),
		idx:   idx,
		paths: make(map[string]string),
	}
	t.Bind(t)
	bindBackendChannels(&t.Base, t)
	return t
}

// OnGetFile writes ds to a fresh temp file, the same "write then index"
// order tiny_pacs.storage.TempFileStorage.on_get_file uses its
// NamedTemporaryFile for.
func (t *TempFile) OnGetFile(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, ds *dicom.DataSet) error {
	f, err := os.CreateTemp("", "pacs-*.dcm")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	if err := dicom.WriteFile(path, ds); err != nil {
		os.Remove(path)
		return fmt.Errorf("write temp file: %w", err)
	}

	t.mu.Lock()
	t.paths[sopInstanceUID] = path
	t.mu.Unlock()
	return t.idx.newFile(ctx, sopClassUID, sopInstanceUID, transferSyntaxUID, path)
}

func (t *TempFile) OnStoreDone(ctx context.Context, sopInstanceUID string) error {
	return t.idx.fileStored(ctx, sopInstanceUID)
}

func (t *TempFile) OnStoreFailure(ctx context.Context, sopInstanceUID string) error {
	fileName, err := t.idx.removeFile(ctx, sopInstanceUID)
	if err != nil {
		return err
	}
	t.removeNoThrow(fileName)
	t.mu.Lock()
	delete(t.paths, sopInstanceUID)
	t.mu.Unlock()
	return nil
}

func (t *TempFile) OnGetFiles(ctx context.Context, uids []string) ([]StoredFile, error) {
	rows, err := t.idx.findFiles(ctx, uids)
	if err != nil {
		return nil, err
	}
	out := make([]StoredFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, StoredFile{
			SOPClassUID:       r.SOPClassUID,
			SOPInstanceUID:    r.SOPInstanceUID,
			TransferSyntaxUID: r.TransferSyntaxUID,
			Locator:           r.FileName,
		})
	}
	return out, nil
}

func (t *TempFile) OnStoreVerify(ctx context.Context, requested []SOPRef) (success, failure []SOPRef, err error) {
	return t.idx.verify(ctx, requested)
}

func (t *TempFile) OnExit(args ...any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, path := range t.paths {
		t.removeNoThrow(path)
	}
	return nil, nil
}

// removeNoThrow best-effort removes path, logging rather than propagating
// errors — matches tiny_pacs.storage.StorageBase.remove_nothrow.
func (t *TempFile) removeNoThrow(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.Log.Warn("failed to remove temp file", "path", path, "error", err)
	}
}
