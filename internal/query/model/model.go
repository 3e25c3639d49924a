// Package model defines the four-level Patient/Study/Series/Instance
// hierarchy: table names, identity columns, and the DICOM tag -> SQL column
// mapping each query/index level uses to build filters and encode C-FIND
// responses.
package model

import (
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/vr"
)

// Level ranks the four query/retrieve levels from least to most specific.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelImage
)

// QRLevelFromString maps the QueryRetrieveLevel attribute value to a Level,
// mirroring tiny_pacs.pacs.component.QR_LEVEL.
func QRLevelFromString(s string) (Level, bool) {
	switch s {
	case "PATIENT":
		return LevelPatient, true
	case "STUDY":
		return LevelStudy, true
	case "SERIES":
		return LevelSeries, true
	case "IMAGE":
		return LevelImage, true
	default:
		return 0, false
	}
}

// Field describes one mapped DICOM attribute: the SQL column it is stored
// in and its Value Representation, used to pick the right filter builder.
type Field struct {
	Column string
	VR     vr.VR
}

// Mapping is a level's complete tag -> Field table.
type Mapping map[tag.Tag]Field

// PatientMapping mirrors tiny_pacs.pacs.models.Patient.mapping.
var PatientMapping = Mapping{
	tag.New(0x0010, 0x0010): {"patient_name", vr.PersonName},
	tag.New(0x0010, 0x0020): {"patient_id", vr.LongString},
	tag.New(0x0010, 0x0021): {"issuer_of_patient_id", vr.LongString},
	tag.New(0x0010, 0x0030): {"patient_birth_date", vr.Date},
	tag.New(0x0010, 0x0032): {"patient_birth_time", vr.Time},
	tag.New(0x0010, 0x0040): {"patient_sex", vr.CodeString},
	tag.New(0x0010, 0x1001): {"other_patient_names", vr.PersonName},
	tag.New(0x0010, 0x2160): {"ethnic_group", vr.ShortString},
	tag.New(0x0010, 0x4000): {"patient_comments", vr.LongText},
}

// StudyMapping mirrors tiny_pacs.pacs.models.Study.mapping.
var StudyMapping = Mapping{
	tag.New(0x0008, 0x0020): {"study_date", vr.Date},
	tag.New(0x0008, 0x0030): {"study_time", vr.Time},
	tag.New(0x0008, 0x0050): {"accession_number", vr.ShortString},
	tag.New(0x0020, 0x0010): {"study_id", vr.ShortString},
	tag.New(0x0020, 0x000D): {"study_instance_uid", vr.UniqueIdentifier},
	tag.New(0x0008, 0x1030): {"study_description", vr.LongString},
	tag.New(0x0008, 0x0090): {"referring_physician_name", vr.PersonName},
	tag.New(0x0008, 0x1060): {"name_of_physicians_reading_study", vr.PersonName},
	tag.New(0x0008, 0x1080): {"admitting_diagnoses_description", vr.LongString},
	tag.New(0x0010, 0x1010): {"patient_age", vr.AgeString},
	tag.New(0x0010, 0x1020): {"patient_size", vr.DecimalString},
	tag.New(0x0010, 0x1030): {"patient_weight", vr.DecimalString},
	tag.New(0x0010, 0x2180): {"occupation", vr.ShortString},
	tag.New(0x0010, 0x21B0): {"additional_patient_history", vr.LongText},
}

// SeriesMapping mirrors tiny_pacs.pacs.models.Series.mapping.
var SeriesMapping = Mapping{
	tag.New(0x0008, 0x0060): {"modality", vr.CodeString},
	tag.New(0x0020, 0x0011): {"series_number", vr.IntegerString},
	tag.New(0x0020, 0x000E): {"series_instance_uid", vr.UniqueIdentifier},
}

// InstanceMapping mirrors tiny_pacs.pacs.models.Instance.mapping.
var InstanceMapping = Mapping{
	tag.New(0x0020, 0x0013): {"instance_number", vr.IntegerString},
	tag.New(0x0008, 0x0018): {"sop_instance_uid", vr.UniqueIdentifier},
	tag.New(0x0008, 0x0016): {"sop_class_uid", vr.UniqueIdentifier},
	tag.New(0x0040, 0x0512): {"container_identifier", vr.LongString},
	tag.New(0x0002, 0x0010): {"transfer_syntax_uid", vr.UniqueIdentifier},
}

// Identity tags are looked up directly by the query engine when resolving
// which row a C-STORE or C-MOVE/C-GET request refers to, rather than through
// the generic Mapping used for same-level filters.
var (
	TagPatientID          = tag.New(0x0010, 0x0020)
	TagStudyInstanceUID   = tag.New(0x0020, 0x000D)
	TagSeriesInstanceUID  = tag.New(0x0020, 0x000E)
	TagSOPInstanceUID     = tag.New(0x0008, 0x0018)
	TagSOPClassUID        = tag.New(0x0008, 0x0016)
	TagTransferSyntaxUID  = tag.New(0x0002, 0x0010)
	TagModality           = tag.New(0x0008, 0x0060)
)

// TagModalitiesInStudy, TagSOPClassesInStudy, and the Number-of-*-Related-*
// tags are the aggregate attributes handled specially by the Patient/Study/
// Series C-FIND builders rather than through a Mapping.
var (
	TagModalitiesInStudy               = tag.New(0x0008, 0x0061)
	TagSOPClassesInStudy               = tag.New(0x0008, 0x0062)
	TagNumberOfPatientRelatedStudies    = tag.New(0x0020, 0x1200)
	TagNumberOfPatientRelatedSeries     = tag.New(0x0020, 0x1202)
	TagNumberOfPatientRelatedInstances  = tag.New(0x0020, 0x1204)
	TagNumberOfStudyRelatedSeries       = tag.New(0x0020, 0x1206)
	TagNumberOfStudyRelatedInstances    = tag.New(0x0020, 0x1208)
	TagNumberOfSeriesRelatedInstances   = tag.New(0x0020, 0x1209)
	TagQueryRetrieveLevel               = tag.New(0x0008, 0x0052)
	TagSpecificCharacterSet             = tag.New(0x0008, 0x0005)
	TagOtherStudyNumbers                = tag.New(0x0020, 0x1070)
)

// ExcludedTags are never used as same-level filters: the QR level selector,
// character set, and every aggregate attribute, which are handled by
// dedicated aggregate-select logic instead of the generic filter builder.
var ExcludedTags = map[tag.Tag]struct{}{
	TagQueryRetrieveLevel:              {},
	TagSpecificCharacterSet:            {},
	TagModalitiesInStudy:               {},
	TagSOPClassesInStudy:               {},
	TagNumberOfPatientRelatedStudies:   {},
	TagNumberOfPatientRelatedSeries:    {},
	TagNumberOfPatientRelatedInstances: {},
	TagNumberOfStudyRelatedSeries:      {},
	TagNumberOfStudyRelatedInstances:   {},
	TagNumberOfSeriesRelatedInstances:  {},
	TagOtherStudyNumbers:               {},
}

// Patient is one row of the patients table.
type Patient struct {
	ID                int64
	PatientName       string
	PatientID         string
	IssuerOfPatientID string
	PatientBirthDate  string
	PatientBirthTime  string
	PatientSex        string
	OtherPatientNames string
	EthnicGroup       string
	PatientComments   string
}

// Study is one row of the studies table.
type Study struct {
	ID                            int64
	PatientID                     int64
	StudyDate                     string
	StudyTime                     string
	AccessionNumber               string
	StudyID                       string
	StudyInstanceUID              string
	StudyDescription              string
	ReferringPhysicianName        string
	NameOfPhysiciansReadingStudy  string
	AdmittingDiagnosesDescription string
	PatientAge                    string
	PatientSize                   string
	PatientWeight                 string
	Occupation                    string
	AdditionalPatientHistory      string
}

// Series is one row of the series table.
type Series struct {
	ID                 int64
	StudyID            int64
	Modality           string
	SeriesNumber       string
	SeriesInstanceUID  string
}

// Instance is one row of the instances table.
type Instance struct {
	ID                  int64
	SeriesID            int64
	InstanceNumber      string
	SOPInstanceUID      string
	SOPClassUID         string
	ContainerIdentifier string
	TransferSyntaxUID   string
}

// CreateTableStatements returns the DDL for all four tables. sop_class_uid
// is intentionally NOT unique, only indexed (the Python source's
// models.StorageFiles/Instance marks it unique, which breaks the very
// common case of two instances sharing a SOP Class; fixed here).
func CreateTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_name TEXT,
			patient_id TEXT NOT NULL UNIQUE,
			issuer_of_patient_id TEXT,
			patient_birth_date TEXT,
			patient_birth_time TEXT,
			patient_sex TEXT,
			other_patient_names TEXT,
			ethnic_group TEXT,
			patient_comments TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS studies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id INTEGER NOT NULL REFERENCES patients(id),
			study_date TEXT,
			study_time TEXT,
			accession_number TEXT,
			study_id TEXT,
			study_instance_uid TEXT NOT NULL UNIQUE,
			study_description TEXT,
			referring_physician_name TEXT,
			name_of_physicians_reading_study TEXT,
			admitting_diagnoses_description TEXT,
			patient_age TEXT,
			patient_size TEXT,
			patient_weight TEXT,
			occupation TEXT,
			additional_patient_history TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_studies_patient_id ON studies(patient_id)`,
		`CREATE TABLE IF NOT EXISTS series (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			study_id INTEGER NOT NULL REFERENCES studies(id),
			modality TEXT,
			series_number TEXT,
			series_instance_uid TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_series_study_id ON series(study_id)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			series_id INTEGER NOT NULL REFERENCES series(id),
			instance_number TEXT,
			sop_instance_uid TEXT NOT NULL UNIQUE,
			sop_class_uid TEXT,
			container_identifier TEXT,
			transfer_syntax_uid TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_series_id ON instances(series_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_sop_class_uid ON instances(sop_class_uid)`,
	}
}
