package frontend

import (
	"context"
	"fmt"

	"github.com/codeninja55/go-radx/dimse/dimse"
	"github.com/codeninja55/go-radx/dimse/dul"
	"github.com/codeninja55/go-radx/dimse/scp"
	"github.com/codeninja55/go-radx/dimse/scu"

	"github.com/tinypacs/tinypacs/internal/devices"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

// HandleMove implements scp.MoveHandler: it resolves the requested
// instances, opens an outbound association to the named destination AE, and
// issues one C-STORE sub-operation per instance, reporting progress through
// responder as it goes. Matches tiny_pacs.services.qr_move_scp's per-
// iteration PENDING loop.
func (f *Frontend) HandleMove(ctx context.Context, req *scp.MoveRequest, responder scp.MoveResponder) *scp.MoveResponse {
	f.noteAssociation(req.CallingAE)

	locators, err := f.resolveLocators(ctx, ChannelMove, req.Query)
	if err != nil {
		f.Log.Error("move resolve failed", "error", err)
		return &scp.MoveResponse{Status: dimse.StatusProcessingFailure}
	}
	if len(locators) == 0 {
		return &scp.MoveResponse{Status: dimse.StatusSuccess}
	}

	endpoint, err := f.resolveDestination(req.Destination)
	if err != nil {
		f.Log.Error("move destination resolve failed", "destination", req.Destination, "error", err)
		return &scp.MoveResponse{Status: dimse.StatusMoveDestinationUnknown}
	}

	uids := make([]string, len(locators))
	for i, loc := range locators {
		uids[i] = loc.SOPInstanceUID
	}
	files, err := f.getFiles(ctx, uids)
	if err != nil {
		f.Log.Error("move fetch failed", "error", err)
		return &scp.MoveResponse{Status: dimse.StatusProcessingFailure}
	}

	client := scu.NewClient(scu.Config{
		CallingAETitle:       f.callingAET,
		CalledAETitle:        req.Destination,
		RemoteAddr:           fmt.Sprintf("%s:%d", endpoint.Address, endpoint.Port),
		PresentationContexts: movePresentationContexts(files),
	})
	if err := client.Connect(ctx); err != nil {
		f.Log.Error("move association failed", "destination", req.Destination, "error", err)
		return &scp.MoveResponse{Status: dimse.StatusMoveDestinationUnknown}
	}
	defer client.Close(ctx)

	var completed, failed uint16
	total := uint16(len(files))
	for _, sf := range files {
		ds, err := loadDataSet(sf)
		if err != nil {
			f.Log.Warn("move sub-operation skipped, unreadable instance", "sop-instance-uid", sf.SOPInstanceUID, "error", err)
			failed++
		} else if err := client.Store(ctx, ds, sf.SOPClassUID, sf.SOPInstanceUID); err != nil {
			f.Log.Warn("move sub-operation failed", "sop-instance-uid", sf.SOPInstanceUID, "error", err)
			failed++
		} else {
			completed++
		}

		remaining := total - completed - failed
		if err := responder.SendPending(completed, failed, 0, remaining); err != nil {
			f.Log.Error("move progress send failed", "error", err)
			break
		}
	}

	return &scp.MoveResponse{
		NumberOfCompletedSubOps: completed,
		NumberOfFailedSubOps:    failed,
		NumberOfWarningSubOps:   0,
		Status:                  dimse.StatusSuccess,
	}
}

// resolveDestination looks up the destination AE title in the device
// registry, matching tiny_pacs.services.qr_move_scp's destination lookup.
func (f *Frontend) resolveDestination(aeTitle string) (*devices.Endpoint, error) {
	result, err := f.Bus.SendOne(devices.ChannelDeviceByAE, aeTitle)
	if err != nil {
		return nil, err
	}
	endpoint, ok := result.(*devices.Endpoint)
	if !ok || endpoint == nil {
		return nil, fmt.Errorf("unknown destination AE %q", aeTitle)
	}
	return endpoint, nil
}

// movePresentationContexts builds one presentation context per distinct SOP
// Class UID among files, offering each instance's own transfer syntax.
// Context IDs must be odd per the DICOM upper-layer protocol.
func movePresentationContexts(files []storageindex.StoredFile) []dul.PresentationContextRQ {
	seen := make(map[string][]string)
	var order []string
	for _, sf := range files {
		if _, ok := seen[sf.SOPClassUID]; !ok {
			order = append(order, sf.SOPClassUID)
		}
		if !containsString(seen[sf.SOPClassUID], sf.TransferSyntaxUID) {
			seen[sf.SOPClassUID] = append(seen[sf.SOPClassUID], sf.TransferSyntaxUID)
		}
	}

	contexts := make([]dul.PresentationContextRQ, 0, len(order))
	id := uint8(1)
	for _, sopClassUID := range order {
		contexts = append(contexts, dul.PresentationContextRQ{
			ID:               id,
			AbstractSyntax:   sopClassUID,
			TransferSyntaxes: seen[sopClassUID],
		})
		id += 2
	}
	return contexts
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
