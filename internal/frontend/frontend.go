// Package frontend adapts the vendored DIMSE SCP/SCU transport to the bus:
// it owns the AE-level channels (ChannelStore, ChannelFind, ...) and
// implements scp.Server's five service-handler interfaces by broadcasting
// to them, mirroring tiny_pacs.ae.AE's role as the thin dispatch layer in
// front of tiny_pacs.pacs.component.PACS.
package frontend

import (
	"context"
	"fmt"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dimse/dimse"
	"github.com/codeninja55/go-radx/dimse/scp"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
	"github.com/tinypacs/tinypacs/internal/devices"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

// Frontend implements scp.EchoHandler, scp.StoreHandler, scp.FindHandler,
// scp.GetHandler and scp.MoveHandler by broadcasting to the bus and
// translating the responses back into scp's request/response structs.
type Frontend struct {
	component.Base
	component.DefaultLifecycle

	callingAET string
}

// New constructs a Frontend. callingAET is used as the local AE title when
// the Move sub-operation engine opens outbound associations.
func New(b *bus.Bus, callingAET string) *Frontend {
	f := &Frontend{
		Base:       component.NewBase(b, nil, "frontend"),
		callingAET: callingAET,
	}
	f.Bind(f)
	return f
}

// HandleEcho answers C-ECHO unconditionally with success, matching
// tiny_pacs.ae.AE's verification handler (there is nothing to coordinate
// for C-ECHO, so no bus round-trip is needed).
func (f *Frontend) HandleEcho(ctx context.Context, req *scp.EchoRequest) *scp.EchoResponse {
	return &scp.EchoResponse{Status: dimse.StatusSuccess}
}

// HandleStore sends the association notice for the calling AE (so
// devices.Devices can auto-register it), then broadcasts the dataset to
// ChannelStore and answers with the first non-success status any handler
// returned, or success.
func (f *Frontend) HandleStore(ctx context.Context, req *scp.StoreRequest) *scp.StoreResponse {
	f.noteAssociation(req.CallingAE)

	results, err := f.Bus.Broadcast(ChannelStore, ctx, req.DataSet)
	if err != nil {
		f.Log.Error("store failed", "sop-instance-uid", req.SOPInstanceUID, "error", err)
		return &scp.StoreResponse{Status: dimse.StatusProcessingFailure}
	}
	for _, r := range results {
		if status, _ := r.(uint16); status != dimse.StatusSuccess {
			return &scp.StoreResponse{Status: status}
		}
	}
	return &scp.StoreResponse{Status: dimse.StatusSuccess}
}

// HandleFind broadcasts the query to ChannelFind and flattens every
// handler's result set into one response, matching tiny_pacs.ae's
// single-PACS-subscriber C-FIND dispatch.
func (f *Frontend) HandleFind(ctx context.Context, req *scp.FindRequest) *scp.FindResponse {
	f.noteAssociation(req.CallingAE)

	results, err := f.Bus.Broadcast(ChannelFind, ctx, req.Query)
	if err != nil {
		f.Log.Error("find failed", "error", err)
		return &scp.FindResponse{Status: dimse.StatusProcessingFailure}
	}

	var all []*dicom.DataSet
	for _, r := range results {
		rows, _ := r.([]*dicom.DataSet)
		all = append(all, rows...)
	}
	return &scp.FindResponse{Results: all, Status: dimse.StatusSuccess}
}

// HandleGet resolves instances via ChannelGet then reads every stored
// artifact back from the storage backend, matching
// tiny_pacs.services.qr_get_scp's single-association retrieve loop (the
// vendored scp server issues one C-STORE sub-operation per returned
// instance on the existing association).
func (f *Frontend) HandleGet(ctx context.Context, req *scp.GetRequest) *scp.GetResponse {
	f.noteAssociation(req.CallingAE)

	locators, err := f.resolveLocators(ctx, ChannelGet, req.Query)
	if err != nil {
		f.Log.Error("get resolve failed", "error", err)
		return &scp.GetResponse{Status: dimse.StatusProcessingFailure}
	}
	if len(locators) == 0 {
		return &scp.GetResponse{Status: dimse.StatusSuccess}
	}

	uids := make([]string, len(locators))
	for i, loc := range locators {
		uids[i] = loc.SOPInstanceUID
	}
	files, err := f.getFiles(ctx, uids)
	if err != nil {
		f.Log.Error("get fetch failed", "error", err)
		return &scp.GetResponse{Status: dimse.StatusProcessingFailure}
	}

	instances := make([]*dicom.DataSet, 0, len(files))
	for _, sf := range files {
		ds, err := loadDataSet(sf)
		if err != nil {
			f.Log.Warn("skipping unreadable instance", "sop-instance-uid", sf.SOPInstanceUID, "error", err)
			continue
		}
		instances = append(instances, ds)
	}
	return &scp.GetResponse{Instances: instances, Status: dimse.StatusSuccess}
}

// resolveLocators broadcasts req's query to channel and flattens the
// results, shared by HandleGet and the Move sub-operation engine.
func (f *Frontend) resolveLocators(ctx context.Context, channel bus.Channel, query *dicom.DataSet) ([]InstanceLocator, error) {
	results, err := f.Bus.Broadcast(channel, ctx, query)
	if err != nil {
		return nil, err
	}
	var all []InstanceLocator
	for _, r := range results {
		locs, _ := r.([]InstanceLocator)
		all = append(all, locs...)
	}
	return all, nil
}

func (f *Frontend) getFiles(ctx context.Context, uids []string) ([]storageindex.StoredFile, error) {
	result, err := f.Bus.SendOne(storageindex.ChannelGetFiles, ctx, uids)
	if err != nil {
		return nil, err
	}
	files, ok := result.([]storageindex.StoredFile)
	if !ok {
		return nil, fmt.Errorf("unexpected storage result type %T", result)
	}
	return files, nil
}

// loadDataSet resolves a StoredFile's Locator back into a *dicom.DataSet:
// the Memory backend hands back the dataset directly, TempFile/Filesystem
// hand back a path that must be re-parsed.
func loadDataSet(sf storageindex.StoredFile) (*dicom.DataSet, error) {
	switch locator := sf.Locator.(type) {
	case *dicom.DataSet:
		return locator, nil
	case string:
		ds, err := dicom.ParseFile(locator)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", locator, err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("unsupported locator type %T", sf.Locator)
	}
}

// noteAssociation broadcasts ChannelAssociationRequest so devices.Devices
// (and any other association-keyed component) can auto-register the
// calling AE. Errors are logged, not propagated: a registration failure
// must never fail the DIMSE operation itself.
func (f *Frontend) noteAssociation(callingAET string) {
	if _, err := f.Bus.Broadcast(devices.ChannelAssociationRequest, callingAET, ""); err != nil {
		f.Log.Warn("association notice failed", "calling-ae", callingAET, "error", err)
	}
}
