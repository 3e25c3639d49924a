package storageindex_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/db"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

const (
	testSOPClassUID       = "1.2.840.10008.5.1.4.1.1.2"
	testTransferSyntaxUID = "1.2.840.10008.1.2.1"
)

func sampleDataSet(t *testing.T, sopInstanceUID string) *dicom.DataSet {
	t.Helper()
	ds := dicom.NewDataSet()
	for _, kv := range []struct {
		t tag.Tag
		v vr.VR
		s string
	}{
		{tag.New(0x0008, 0x0016), vr.UniqueIdentifier, testSOPClassUID},
		{tag.New(0x0008, 0x0018), vr.UniqueIdentifier, sopInstanceUID},
	} {
		val, err := value.NewStringValue(kv.v, []string{kv.s})
		require.NoError(t, err)
		elem, err := element.NewElement(kv.t, kv.v, val)
		require.NoError(t, err)
		require.NoError(t, ds.Add(elem))
	}
	return ds
}

func newTestIndex(t *testing.T) (*bus.Bus, storageindex.Index) {
	t.Helper()
	b := bus.New()
	database := db.New(b, db.Config{Driver: db.DriverSQLite, SQLiteFile: ":memory:"})
	idx := storageindex.FromDatabase(database)
	b.Subscribe(db.ChannelTables, 50, func(args ...any) (any, error) {
		return storageindex.TableStatements(), nil
	})
	_, err := b.Broadcast(bus.OnStart)
	require.NoError(t, err)
	return b, idx
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	b, idx := newTestIndex(t)
	storageindex.NewMemory(b, idx)
	ctx := context.Background()

	ds := sampleDataSet(t, "1.2.3.mem.1")
	_, err := b.SendOne(storageindex.ChannelGetFile, ctx, testSOPClassUID, "1.2.3.mem.1", testTransferSyntaxUID, ds)
	require.NoError(t, err)

	_, err = b.SendOne(storageindex.ChannelStoreDone, ctx, "1.2.3.mem.1")
	require.NoError(t, err)

	v, err := b.SendOne(storageindex.ChannelGetFiles, ctx, []string{"1.2.3.mem.1"})
	require.NoError(t, err)
	files := v.([]storageindex.StoredFile)
	require.Len(t, files, 1)
	assert.Equal(t, ds, files[0].Locator)
}

func TestMemoryBackendStoreFailureRemovesRow(t *testing.T) {
	b, idx := newTestIndex(t)
	storageindex.NewMemory(b, idx)
	ctx := context.Background()

	ds := sampleDataSet(t, "1.2.3.mem.2")
	_, err := b.SendOne(storageindex.ChannelGetFile, ctx, testSOPClassUID, "1.2.3.mem.2", testTransferSyntaxUID, ds)
	require.NoError(t, err)

	_, err = b.SendOne(storageindex.ChannelStoreFailure, ctx, "1.2.3.mem.2")
	require.NoError(t, err)

	v, err := b.SendOne(storageindex.ChannelGetFiles, ctx, []string{"1.2.3.mem.2"})
	require.NoError(t, err)
	assert.Empty(t, v.([]storageindex.StoredFile))
}

func TestTempFileBackendWritesAndRemovesOnFailure(t *testing.T) {
	b, idx := newTestIndex(t)
	tf := storageindex.NewTempFile(b, idx)
	ctx := context.Background()

	ds := sampleDataSet(t, "1.2.3.tmp.1")
	require.NoError(t, tf.OnGetFile(ctx, testSOPClassUID, "1.2.3.tmp.1", testTransferSyntaxUID, ds))
	require.NoError(t, tf.OnStoreDone(ctx, "1.2.3.tmp.1"))

	v, err := b.SendOne(storageindex.ChannelGetFiles, ctx, []string{"1.2.3.tmp.1"})
	require.NoError(t, err)
	files := v.([]storageindex.StoredFile)
	require.Len(t, files, 1)
	path := files[0].Locator.(string)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	require.NoError(t, tf.OnStoreFailure(ctx, "1.2.3.tmp.1"))
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFilesystemBackendWritesUnderDayDirectory(t *testing.T) {
	b, idx := newTestIndex(t)
	dir := t.TempDir()
	fs := storageindex.NewFilesystem(b, idx, dir)
	ctx := context.Background()

	ds := sampleDataSet(t, "1.2.3.fs.1")
	require.NoError(t, fs.OnGetFile(ctx, testSOPClassUID, "1.2.3.fs.1", testTransferSyntaxUID, ds))
	require.NoError(t, fs.OnStoreDone(ctx, "1.2.3.fs.1"))

	v, err := b.SendOne(storageindex.ChannelGetFiles, ctx, []string{"1.2.3.fs.1"})
	require.NoError(t, err)
	files := v.([]storageindex.StoredFile)
	require.Len(t, files, 1)
	path := files[0].Locator.(string)
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestFilesystemBackendAllocatesDistinctPathOnCollision(t *testing.T) {
	_, idx := newTestIndex(t)
	b2 := bus.New()
	dir := t.TempDir()
	fs := storageindex.NewFilesystem(b2, idx, dir)

	p1, err := fs.AllocatePath("1.2.3.dup")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p1, []byte("x"), 0o644))

	p2, err := fs.AllocatePath("1.2.3.dup")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestStoreVerifySplitsSuccessAndFailure(t *testing.T) {
	b, idx := newTestIndex(t)
	storageindex.NewMemory(b, idx)
	ctx := context.Background()

	ds := sampleDataSet(t, "1.2.3.verify.1")
	_, err := b.SendOne(storageindex.ChannelGetFile, ctx, testSOPClassUID, "1.2.3.verify.1", testTransferSyntaxUID, ds)
	require.NoError(t, err)
	_, err = b.SendOne(storageindex.ChannelStoreDone, ctx, "1.2.3.verify.1")
	require.NoError(t, err)

	v, err := b.SendOne(storageindex.ChannelStoreVerify, ctx, []storageindex.SOPRef{
		{SOPClassUID: testSOPClassUID, SOPInstanceUID: "1.2.3.verify.1"},
		{SOPClassUID: testSOPClassUID, SOPInstanceUID: "1.2.3.missing"},
	})
	require.NoError(t, err)
	pair := v.([2][]storageindex.SOPRef)
	require.Len(t, pair[0], 1)
	require.Len(t, pair[1], 1)
	assert.Equal(t, "1.2.3.verify.1", pair[0][0].SOPInstanceUID)
	assert.Equal(t, "1.2.3.missing", pair[1][0].SOPInstanceUID)
}
