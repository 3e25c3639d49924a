package storageindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
)

// Filesystem is the durable storage backend: instances are written under
// <dir>/<YYYYMMDD>/<uid>[_N].dcm, grounded on
// tiny_pacs.storage.FileStorage. Unlike the Python original, the daily
// directory is created on demand before the first write of the day — the
// Python version never calls makedirs and silently fails the first store
// of every new UTC day; fixed here.
type Filesystem struct {
	component.Base
	component.DefaultLifecycle

	idx Index
	dir string

	mu    sync.Mutex
	paths map[string]string
}

// NewFilesystem constructs the filesystem backend rooted at dir.
func NewFilesystem(b *bus.Bus, idx Index, dir string) *Filesystem {
	f := &Filesystem{
		Base:  component.NewBase(b, nil, "storage-filesystem"),
		idx:   idx,
		dir:   dir,
		paths: make(map[string]string),
	}
	f.Bind(f)
	bindBackendChannels(&f.Base, f)
	return f
}

func (f *Filesystem) dayDir() string {
	return filepath.Join(f.dir, time.Now().UTC().Format("20060102"))
}

// AllocatePath returns a free path for sopInstanceUID under today's
// directory, creating the directory if needed, then appending "_N" for
// any existing file the way tiny_pacs.storage.FileStorage.get_file_name
// does.
func (f *Filesystem) AllocatePath(sopInstanceUID string) (string, error) {
	dir := f.dayDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create storage directory %s: %w", dir, err)
	}

	base := filepath.Join(dir, sopInstanceUID+".dcm")
	path := base
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.dcm", sopInstanceUID, n))
	}

	f.mu.Lock()
	f.paths[sopInstanceUID] = path
	f.mu.Unlock()
	return path, nil
}

func (f *Filesystem) OnGetFile(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, ds *dicom.DataSet) error {
	path, err := f.AllocatePath(sopInstanceUID)
	if err != nil {
		return err
	}
	if err := dicom.WriteFile(path, ds); err != nil {
		return fmt.Errorf("write instance %s: %w", sopInstanceUID, err)
	}
	return f.idx.newFile(ctx, sopClassUID, sopInstanceUID, transferSyntaxUID, path)
}

func (f *Filesystem) OnStoreDone(ctx context.Context, sopInstanceUID string) error {
	return f.idx.fileStored(ctx, sopInstanceUID)
}

func (f *Filesystem) OnStoreFailure(ctx context.Context, sopInstanceUID string) error {
	fileName, err := f.idx.removeFile(ctx, sopInstanceUID)
	if err != nil {
		return err
	}
	if fileName != "" {
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			f.Log.Warn("failed to remove stored file", "path", fileName, "error", err)
		}
	}
	f.mu.Lock()
	delete(f.paths, sopInstanceUID)
	f.mu.Unlock()
	return nil
}

func (f *Filesystem) OnGetFiles(ctx context.Context, uids []string) ([]StoredFile, error) {
	rows, err := f.idx.findFiles(ctx, uids)
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

func (f *Filesystem) OnStoreVerify(ctx context.Context, requested []SOPRef) (success, failure []SOPRef, err error) {
	return f.idx.verify(ctx, requested)
}
