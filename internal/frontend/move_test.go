package frontend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dimse/dimse"
	"github.com/codeninja55/go-radx/dimse/scp"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/devices"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

type recordingResponder struct {
	completed, failed, warning, remaining []uint16
}

func (r *recordingResponder) SendPending(completed, failed, warning, remaining uint16) error {
	r.completed = append(r.completed, completed)
	r.failed = append(r.failed, failed)
	r.warning = append(r.warning, warning)
	r.remaining = append(r.remaining, remaining)
	return nil
}

func TestHandleMoveNoLocatorsReturnsSuccess(t *testing.T) {
	b := bus.New()
	f := New(b, "PACS")
	b.Subscribe(ChannelMove, 50, func(args ...any) (any, error) {
		return []InstanceLocator{}, nil
	})

	resp := f.HandleMove(context.Background(), &scp.MoveRequest{CallingAE: "REMOTE", Destination: "DEST", Query: dicom.NewDataSet()}, &recordingResponder{})
	assert.Equal(t, dimse.StatusSuccess, resp.Status)
}

func TestHandleMoveUnknownDestinationReturnsMoveDestinationUnknown(t *testing.T) {
	b := bus.New()
	f := New(b, "PACS")
	b.Subscribe(ChannelMove, 50, func(args ...any) (any, error) {
		return []InstanceLocator{{SOPInstanceUID: "1.2.3"}}, nil
	})
	devices.New(b, devices.Config{})

	resp := f.HandleMove(context.Background(), &scp.MoveRequest{CallingAE: "REMOTE", Destination: "UNKNOWN", Query: dicom.NewDataSet()}, &recordingResponder{})
	assert.Equal(t, dimse.StatusMoveDestinationUnknown, resp.Status)
}

func TestResolveDestinationReturnsKnownEndpoint(t *testing.T) {
	b := bus.New()
	f := New(b, "PACS")
	devices.New(b, devices.Config{Devices: map[string]devices.Endpoint{
		"DEST": {AETitle: "DEST", Address: "10.0.0.5", Port: 104},
	}})

	ep, err := f.resolveDestination("DEST")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ep.Address)
}

func TestResolveDestinationErrorsForUnknownAE(t *testing.T) {
	b := bus.New()
	f := New(b, "PACS")
	devices.New(b, devices.Config{})

	_, err := f.resolveDestination("NOBODY")
	require.Error(t, err)
}

func TestMovePresentationContextsGroupsBySOPClass(t *testing.T) {
	files := []storageindex.StoredFile{
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUID: "1.2.840.10008.1.2"},
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.4", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
	}

	contexts := movePresentationContexts(files)
	require.Len(t, contexts, 2)
	assert.Equal(t, uint8(1), contexts[0].ID)
	assert.Equal(t, uint8(3), contexts[1].ID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", contexts[0].AbstractSyntax)
	assert.ElementsMatch(t, []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}, contexts[0].TransferSyntaxes)
}

func TestContainsString(t *testing.T) {
	assert.True(t, containsString([]string{"a", "b"}, "b"))
	assert.False(t, containsString([]string{"a", "b"}, "c"))
	assert.False(t, containsString(nil, "a"))
}
