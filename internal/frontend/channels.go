package frontend

import "github.com/tinypacs/tinypacs/internal/bus"

// AE-level channels, mirroring tiny_pacs.ae.AEChannels. The front-end
// broadcasts these; the query engine subscribes to the request channels
// and devices.Devices to the association notice.
const (
	// ChannelAssociationRequest is broadcast by the front-end before every
	// C-STORE, C-FIND, C-GET and C-MOVE request, with args (callingAET
	// string, remoteAddr string). The scp request structs carry no peer
	// address, so remoteAddr is always "". Devices subscribes here to
	// auto-register the endpoint.
	ChannelAssociationRequest bus.Channel = "on-assoc-request"

	// ChannelStore is a Broadcast channel: (ctx context.Context, ds
	// *dicom.DataSet) -> (uint16 status, error). Handlers persist the
	// dataset into the hierarchy.
	ChannelStore bus.Channel = "on-receive-store"

	// ChannelFind is a Broadcast channel: (ctx context.Context, ds
	// *dicom.DataSet) -> ([]*dicom.DataSet, error), one result set per
	// handler, flattened by the caller.
	ChannelFind bus.Channel = "on-receive-find"

	// ChannelMove is a Broadcast channel: (ctx context.Context, ds
	// *dicom.DataSet, destination string) -> ([]InstanceLocator, error).
	ChannelMove bus.Channel = "on-receive-move"

	// ChannelGet is a Broadcast channel: (ctx context.Context, ds
	// *dicom.DataSet) -> ([]InstanceLocator, error).
	ChannelGet bus.Channel = "on-receive-get"

	// ChannelCommitment is a Broadcast channel: (uids []SOPRef) ->
	// (success, failure []SOPRef, error).
	ChannelCommitment bus.Channel = "on-receive-commitment"
)

// SOPRef identifies one SOP instance for Storage Commitment requests.
type SOPRef struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// InstanceLocator identifies one instance resolved for a C-MOVE/C-GET
// request, enough for the storage index to hand back the stored artifact.
type InstanceLocator struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}
