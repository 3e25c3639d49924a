// Package contexts builds the SCP server's supported presentation context
// table: which abstract syntaxes (verification, QR find/move/get, storage)
// this node accepts and which transfer syntaxes it will negotiate for each.
package contexts

import "github.com/codeninja55/go-radx/dicom/uid"

// transferSyntaxes is offered for every abstract syntax below. This node
// never transcodes, so it accepts exactly the encodings radx/dicom can
// decode without a codec.
var transferSyntaxes = []string{
	uid.ImplicitVRLittleEndian.String(),
	uid.ExplicitVRLittleEndian.String(),
}

// storageClasses is the set of Storage SOP Classes this node will accept a
// C-STORE for. Not exhaustive of the DICOM standard, representative of the
// modalities a small PACS test node is likely to see.
var storageClasses = []uid.UID{
	uid.ComputedRadiographyImageStorage,
	uid.DigitalXRayImageStorageForPresentation,
	uid.CTImageStorage,
	uid.EnhancedCTImageStorage,
	uid.MRImageStorage,
	uid.EnhancedMRImageStorage,
	uid.UltrasoundImageStorage,
	uid.UltrasoundMultiFrameImageStorage,
	uid.NuclearMedicineImageStorage,
	uid.PositronEmissionTomographyImageStorage,
	uid.SecondaryCaptureImageStorage,
	uid.MultiFrameTrueColorSecondaryCaptureImageStorage,
	uid.XRayAngiographicImageStorage,
	uid.XRayRadiofluoroscopicImageStorage,
}

// Supported returns the abstract-syntax -> transfer-syntaxes table for
// scp.Config.SupportedContexts, covering verification, every Query/Retrieve
// information model this node implements, and the storage classes above.
func Supported() map[string][]string {
	table := map[string][]string{
		uid.VerificationSOPClass.String():                          transferSyntaxes,
		uid.PatientRootQueryRetrieveInformationModelFind.String(): transferSyntaxes,
		uid.PatientRootQueryRetrieveInformationModelMove.String(): transferSyntaxes,
		uid.PatientRootQueryRetrieveInformationModelGet.String():  transferSyntaxes,
		uid.StudyRootQueryRetrieveInformationModelFind.String():   transferSyntaxes,
		uid.StudyRootQueryRetrieveInformationModelMove.String():   transferSyntaxes,
		uid.StudyRootQueryRetrieveInformationModelGet.String():    transferSyntaxes,
	}
	for _, sopClass := range storageClasses {
		table[sopClass.String()] = transferSyntaxes
	}
	return table
}
