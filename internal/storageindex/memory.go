package storageindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
	"github.com/tinypacs/tinypacs/internal/db"
)

// Memory is the in-memory storage backend. Incoming instances are kept as
// decoded *dicom.DataSet values, never touching disk — grounded on
// tiny_pacs.storage.InMemoryStorage.
type Memory struct {
	component.Base
	component.DefaultLifecycle

	idx Index

	mu       sync.Mutex
	datasets map[string]*dicom.DataSet // sopInstanceUID -> dataset, present from OnGetFile on
}

// NewMemory constructs the in-memory backend, bound to b, and subscribes
// its five contract channels at the component's default priority.
func NewMemory(b *bus.Bus, idx Index) *Memory {
	m := &Memory{
		Base:     component.NewBase(b, nil, "storage-memory"),
		idx:      idx,
		datasets: make(map[string]*dicom.DataSet),
	}
	m.Bind(m)
	bindBackendChannels(&m.Base, m)
	return m
}

func (m *Memory) OnGetFile(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, ds *dicom.DataSet) error {
	m.mu.Lock()
	m.datasets[sopInstanceUID] = ds
	m.mu.Unlock()
	return m.idx.newFile(ctx, sopClassUID, sopInstanceUID, transferSyntaxUID, "")
}

func (m *Memory) OnStoreDone(ctx context.Context, sopInstanceUID string) error {
	return m.idx.fileStored(ctx, sopInstanceUID)
}

func (m *Memory) OnStoreFailure(ctx context.Context, sopInstanceUID string) error {
	if _, err := m.idx.removeFile(ctx, sopInstanceUID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.datasets, sopInstanceUID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) OnGetFiles(ctx context.Context, uids []string) ([]StoredFile, error) {
	rows, err := m.idx.findFiles(ctx, uids)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredFile, 0, len(rows))
	for _, r := range rows {
		ds, ok := m.datasets[r.SOPInstanceUID]
		if !ok {
			continue
		}
		out = append(out, StoredFile{
			SOPClassUID:       r.SOPClassUID,
			SOPInstanceUID:    r.SOPInstanceUID,
			TransferSyntaxUID: r.TransferSyntaxUID,
			Locator:           ds,
		})
	}
	return out, nil
}

func (m *Memory) OnStoreVerify(ctx context.Context, requested []SOPRef) (success, failure []SOPRef, err error) {
	return m.idx.verify(ctx, requested)
}

// bindBackendChannels subscribes the five contract channels on base to
// backend's methods, shared by all three backend implementations, plus
// the storage_files schema on db.ChannelTables.
func bindBackendChannels(base *component.Base, backend Backend) {
	base.Subscribe(db.ChannelTables, func(args ...any) (any, error) {
		return TableStatements(), nil
	})
	base.Subscribe(ChannelGetFile, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		return nil, backend.OnGetFile(ctx, args[1].(string), args[2].(string), args[3].(string), args[4].(*dicom.DataSet))
	})
	base.Subscribe(ChannelStoreDone, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		return nil, backend.OnStoreDone(ctx, args[1].(string))
	})
	base.Subscribe(ChannelStoreFailure, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		return nil, backend.OnStoreFailure(ctx, args[1].(string))
	})
	base.Subscribe(ChannelGetFiles, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		uids, _ := args[1].([]string)
		return backend.OnGetFiles(ctx, uids)
	})
	base.Subscribe(ChannelStoreVerify, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		requested, _ := args[1].([]SOPRef)
		success, failure, err := backend.OnStoreVerify(ctx, requested)
		if err != nil {
			return nil, fmt.Errorf("storage verify: %w", err)
		}
		return [2][]SOPRef{success, failure}, nil
	})
}
