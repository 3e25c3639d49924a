// Package query is the PACS service: it indexes stored instances into the
// Patient/Study/Series/Instance hierarchy and answers C-FIND/C-MOVE/C-GET/
// Storage Commitment requests against it. Grounded on
// tiny_pacs.pacs.component.PACS, the sole subscriber of tiny_pacs.ae's
// AEChannels in the Python original.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"
	"github.com/codeninja55/go-radx/dimse/dimse"

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
	"github.com/tinypacs/tinypacs/internal/db"
	"github.com/tinypacs/tinypacs/internal/frontend"
	"github.com/tinypacs/tinypacs/internal/query/filter"
	"github.com/tinypacs/tinypacs/internal/query/model"
	"github.com/tinypacs/tinypacs/internal/storageindex"
)

// Engine is the query/index component. It owns no storage of its own beyond
// the four hierarchy tables; artifact bytes stay with whichever
// storageindex.Backend is configured. Every read and write against those
// tables goes through db.ChannelAtomic rather than holding a *sql.DB of its
// own, so the database stays reachable exclusively through the bus.
type Engine struct {
	component.Base
	component.DefaultLifecycle
}

// New constructs the query engine bound to b.
func New(b *bus.Bus) *Engine {
	e := &Engine{
		Base: component.NewBase(b, nil, "query-engine"),
	}
	e.Bind(e)
	e.Subscribe(db.ChannelTables, func(args ...any) (any, error) {
		return model.CreateTableStatements(), nil
	})
	e.Subscribe(frontend.ChannelStore, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		ds := args[1].(*dicom.DataSet)
		status, err := e.OnStore(ctx, ds)
		return status, err
	})
	e.Subscribe(frontend.ChannelFind, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		ds := args[1].(*dicom.DataSet)
		return e.OnFind(ctx, ds)
	})
	e.Subscribe(frontend.ChannelMove, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		ds := args[1].(*dicom.DataSet)
		return e.OnMoveOrGet(ctx, ds)
	})
	e.Subscribe(frontend.ChannelGet, func(args ...any) (any, error) {
		ctx := args[0].(context.Context)
		ds := args[1].(*dicom.DataSet)
		return e.OnMoveOrGet(ctx, ds)
	})
	e.Subscribe(frontend.ChannelCommitment, func(args ...any) (any, error) {
		requested := args[0].([]frontend.SOPRef)
		success, failure, err := e.OnCommitment(context.Background(), requested)
		if err != nil {
			return nil, err
		}
		return [2][]frontend.SOPRef{success, failure}, nil
	})
	return e
}

// atomic dispatches db.ChannelAtomic to obtain one transaction-backed unit
// of work. Callers must Commit or Rollback it; deferring Rollback
// unconditionally is safe since Rollback after a successful Commit just
// returns sql.ErrTxDone.
func (e *Engine) atomic(ctx context.Context) (*db.Atomic, error) {
	result, err := e.Bus.SendOne(db.ChannelAtomic, ctx)
	if err != nil {
		return nil, fmt.Errorf("begin atomic: %w", err)
	}
	a, ok := result.(*db.Atomic)
	if !ok {
		return nil, fmt.Errorf("unexpected atomic result type %T", result)
	}
	return a, nil
}

// stringAggFunc dispatches db.ChannelStringAgg to learn which SQL
// aggregate function name this backend answers group-concatenation with.
func (e *Engine) stringAggFunc(ctx context.Context) (string, error) {
	result, err := e.Bus.SendOne(db.ChannelStringAgg, ctx)
	if err != nil {
		return "", fmt.Errorf("string agg dispatch: %w", err)
	}
	fn, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected string agg result type %T", result)
	}
	return fn, nil
}

func getString(ds *dicom.DataSet, t tag.Tag) (string, bool) {
	elem, err := ds.Get(t)
	if err != nil {
		return "", false
	}
	sv, ok := elem.Value().(*value.StringValue)
	if !ok {
		return "", false
	}
	return sv.String(), true
}

// getStrings returns a request element's raw, un-joined value list, the
// form filter.Build needs to tell a single value apart from a multi-valued
// (VM > 1) one.
func getStrings(ds *dicom.DataSet, t tag.Tag) ([]string, bool) {
	elem, err := ds.Get(t)
	if err != nil {
		return nil, false
	}
	sv, ok := elem.Value().(*value.StringValue)
	if !ok {
		return nil, false
	}
	return sv.Strings(), true
}

func setString(ds *dicom.DataSet, t tag.Tag, v vr.VR, s string) error {
	val, err := value.NewStringValue(v, []string{s})
	if err != nil {
		return fmt.Errorf("build value for %s: %w", t, err)
	}
	elem, err := element.NewElement(t, v, val)
	if err != nil {
		return fmt.Errorf("build element for %s: %w", t, err)
	}
	return ds.Add(elem)
}

// setEmpty adds t to ds with no value, matching pydicom's
// rsp.add_new(tag, vr, None): an unmapped request tag is echoed back
// present but empty rather than dropped. The VR's value-type family is
// tried in turn since an unmapped tag can carry any VR the requester chose.
func setEmpty(ds *dicom.DataSet, t tag.Tag, v vr.VR) error {
	val, err := emptyValue(v)
	if err != nil {
		return fmt.Errorf("no empty value representation for VR %s: %w", v, err)
	}
	elem, err := element.NewElement(t, v, val)
	if err != nil {
		return fmt.Errorf("build empty element for %s: %w", t, err)
	}
	return ds.Add(elem)
}

func emptyValue(v vr.VR) (value.Value, error) {
	if sv, err := value.NewStringValue(v, nil); err == nil {
		return sv, nil
	}
	if iv, err := value.NewIntValue(v, nil); err == nil {
		return iv, nil
	}
	return value.NewBytesValue(v, nil)
}

// OnStore indexes ds into the hierarchy and hands it to the configured
// storage backend. Matches tiny_pacs.pacs.component.PACS.on_store: upsert
// Patient/Study/Series/Instance by identity column, then persist the
// artifact, then mark it committed.
//
// Identity is PatientID/StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID
// respectively. Entities are never mutated after creation: a second
// C-STORE that resolves to an existing row is a no-op at the entity level
// even when its descriptive attributes differ, matching the Python
// models' get_or_create-based upserts, which never call .save() on the
// branch where the row already exists.
func (e *Engine) OnStore(ctx context.Context, ds *dicom.DataSet) (uint16, error) {
	sopClassUID, ok := getString(ds, model.TagSOPClassUID)
	if !ok {
		return dimse.StatusAttributeListError, fmt.Errorf("dataset missing SOPClassUID")
	}
	sopInstanceUID, ok := getString(ds, model.TagSOPInstanceUID)
	if !ok {
		return dimse.StatusAttributeListError, fmt.Errorf("dataset missing SOPInstanceUID")
	}
	transferSyntaxUID, _ := getString(ds, model.TagTransferSyntaxUID)

	atomic, err := e.atomic(ctx)
	if err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("begin store transaction: %w", err)
	}
	defer atomic.Rollback()

	patientID, err := upsertPatient(ctx, atomic, ds)
	if err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("upsert patient: %w", err)
	}
	studyID, err := upsertStudy(ctx, atomic, ds, patientID)
	if err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("upsert study: %w", err)
	}
	seriesID, err := upsertSeries(ctx, atomic, ds, studyID)
	if err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("upsert series: %w", err)
	}
	if err := upsertInstance(ctx, atomic, ds, seriesID, sopClassUID, sopInstanceUID, transferSyntaxUID); err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("upsert instance: %w", err)
	}

	if err := atomic.Commit(); err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("commit store transaction: %w", err)
	}

	if _, err := e.Bus.SendOne(storageindex.ChannelGetFile, ctx, sopClassUID, sopInstanceUID, transferSyntaxUID, ds); err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("persist instance: %w", err)
	}
	if _, err := e.Bus.SendOne(storageindex.ChannelStoreDone, ctx, sopInstanceUID); err != nil {
		return dimse.StatusProcessingFailure, fmt.Errorf("mark instance stored: %w", err)
	}

	return dimse.StatusSuccess, nil
}

func upsertPatient(ctx context.Context, atomic *db.Atomic, ds *dicom.DataSet) (int64, error) {
	patientID, ok := getString(ds, model.TagPatientID)
	if !ok {
		return 0, fmt.Errorf("dataset missing PatientID")
	}

	var id int64
	err := atomic.QueryRowContext(ctx, `SELECT id FROM patients WHERE patient_id = ?`, patientID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	name, _ := getString(ds, tag.New(0x0010, 0x0010))
	issuer, _ := getString(ds, tag.New(0x0010, 0x0021))
	birthDate, _ := getString(ds, tag.New(0x0010, 0x0030))
	birthTime, _ := getString(ds, tag.New(0x0010, 0x0032))
	sex, _ := getString(ds, tag.New(0x0010, 0x0040))
	otherNames, _ := getString(ds, tag.New(0x0010, 0x1001))
	ethnicGroup, _ := getString(ds, tag.New(0x0010, 0x2160))
	comments, _ := getString(ds, tag.New(0x0010, 0x4000))
	res, err := atomic.ExecContext(ctx, `INSERT INTO patients
		(patient_name, patient_id, issuer_of_patient_id, patient_birth_date, patient_birth_time, patient_sex, other_patient_names, ethnic_group, patient_comments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, patientID, issuer, birthDate, birthTime, sex, otherNames, ethnicGroup, comments)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertStudy(ctx context.Context, atomic *db.Atomic, ds *dicom.DataSet, patientID int64) (int64, error) {
	studyInstanceUID, ok := getString(ds, model.TagStudyInstanceUID)
	if !ok {
		return 0, fmt.Errorf("dataset missing StudyInstanceUID")
	}

	var id int64
	err := atomic.QueryRowContext(ctx, `SELECT id FROM studies WHERE study_instance_uid = ?`, studyInstanceUID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	studyDate, _ := getString(ds, tag.New(0x0008, 0x0020))
	studyTime, _ := getString(ds, tag.New(0x0008, 0x0030))
	accession, _ := getString(ds, tag.New(0x0008, 0x0050))
	studyID, _ := getString(ds, tag.New(0x0020, 0x0010))
	desc, _ := getString(ds, tag.New(0x0008, 0x1030))
	referring, _ := getString(ds, tag.New(0x0008, 0x0090))
	readingPhysicians, _ := getString(ds, tag.New(0x0008, 0x1060))
	admittingDx, _ := getString(ds, tag.New(0x0008, 0x1080))
	age, _ := getString(ds, tag.New(0x0010, 0x1010))
	size, _ := getString(ds, tag.New(0x0010, 0x1020))
	weight, _ := getString(ds, tag.New(0x0010, 0x1030))
	occupation, _ := getString(ds, tag.New(0x0010, 0x2180))
	history, _ := getString(ds, tag.New(0x0010, 0x21B0))

	res, err := atomic.ExecContext(ctx, `INSERT INTO studies
		(patient_id, study_date, study_time, accession_number, study_id, study_instance_uid, study_description,
		 referring_physician_name, name_of_physicians_reading_study, admitting_diagnoses_description,
		 patient_age, patient_size, patient_weight, occupation, additional_patient_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		patientID, studyDate, studyTime, accession, studyID, studyInstanceUID, desc,
		referring, readingPhysicians, admittingDx, age, size, weight, occupation, history)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertSeries(ctx context.Context, atomic *db.Atomic, ds *dicom.DataSet, studyID int64) (int64, error) {
	seriesInstanceUID, ok := getString(ds, model.TagSeriesInstanceUID)
	if !ok {
		return 0, fmt.Errorf("dataset missing SeriesInstanceUID")
	}

	var id int64
	err := atomic.QueryRowContext(ctx, `SELECT id FROM series WHERE series_instance_uid = ?`, seriesInstanceUID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	modality, _ := getString(ds, model.TagModality)
	number, _ := getString(ds, tag.New(0x0020, 0x0011))

	res, err := atomic.ExecContext(ctx, `INSERT INTO series (study_id, modality, series_number, series_instance_uid)
		VALUES (?, ?, ?, ?)`, studyID, modality, number, seriesInstanceUID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertInstance(ctx context.Context, atomic *db.Atomic, ds *dicom.DataSet, seriesID int64, sopClassUID, sopInstanceUID, transferSyntaxUID string) error {
	var id int64
	err := atomic.QueryRowContext(ctx, `SELECT id FROM instances WHERE sop_instance_uid = ?`, sopInstanceUID).Scan(&id)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	number, _ := getString(ds, tag.New(0x0020, 0x0013))
	container, _ := getString(ds, tag.New(0x0040, 0x0512))

	_, err = atomic.ExecContext(ctx, `INSERT INTO instances
		(series_id, instance_number, sop_instance_uid, sop_class_uid, container_identifier, transfer_syntax_uid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seriesID, number, sopInstanceUID, sopClassUID, container, transferSyntaxUID)
	return err
}

// levelTable names each level's table and levelMapping its tag mapping,
// used by both OnFind and OnMoveOrGet.
var levelTable = map[model.Level]string{
	model.LevelPatient: "patients",
	model.LevelStudy:   "studies",
	model.LevelSeries:  "series",
	model.LevelImage:   "instances",
}

var levelMapping = map[model.Level]model.Mapping{
	model.LevelPatient: model.PatientMapping,
	model.LevelStudy:   model.StudyMapping,
	model.LevelSeries:  model.SeriesMapping,
	model.LevelImage:   model.InstanceMapping,
}

// baseQuery builds the FROM clause starting at level's own table and joining
// each parent table up to patients; tables below level are not joined.
func baseQuery(level model.Level) string {
	switch level {
	case model.LevelPatient:
		return "FROM patients"
	case model.LevelStudy:
		return "FROM studies JOIN patients ON studies.patient_id = patients.id"
	case model.LevelSeries:
		return "FROM series JOIN studies ON series.study_id = studies.id JOIN patients ON studies.patient_id = patients.id"
	default:
		return "FROM instances JOIN series ON instances.series_id = series.id " +
			"JOIN studies ON series.study_id = studies.id JOIN patients ON studies.patient_id = patients.id"
	}
}

// collectFilters walks every mapping up to and including level, turning each
// attribute present in ds (and not in model.ExcludedTags) into a filter
// clause. Used by OnMoveOrGet, which (unlike OnFind) has no response to
// build and so needs filters only, not a response-attribute plan.
func collectFilters(ds *dicom.DataSet, level model.Level) ([]filter.Clause, error) {
	var clauses []filter.Clause
	levels := []model.Level{model.LevelPatient, model.LevelStudy, model.LevelSeries, model.LevelImage}
	for _, l := range levels {
		if l > level {
			break
		}
		for t, field := range levelMapping[l] {
			if _, excluded := model.ExcludedTags[t]; excluded {
				continue
			}
			values, ok := getStrings(ds, t)
			if !ok || len(values) == 0 || (len(values) == 1 && values[0] == "") {
				continue
			}
			clause, err := filter.Build(levelTable[l]+"."+field.Column, field.VR, values)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause)
		}
	}
	return clauses, nil
}

func whereSQL(clauses []filter.Clause) (string, []any) {
	if len(clauses) == 0 {
		return "", nil
	}
	parts := make([]string, len(clauses))
	var args []any
	for i, c := range clauses {
		parts[i] = c.SQL
		args = append(args, c.Args...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// responseAttr is one element of a C-FIND response-building plan: either a
// DB column to echo (column != ""), or a request tag with no mapping at or
// above the query level, echoed back with no value.
type responseAttr struct {
	tag    tag.Tag
	vr     vr.VR
	level  model.Level // level owning column; meaningless when column == ""
	column string
}

// aggregateTagSet returns the aggregate attribute tags level computes
// specially rather than through Mapping, mirroring the conditional
// aggregate blocks in tiny_pacs.pacs.{patient,study}_api.c_find (each only
// runs `if TAG in ds`).
func aggregateTagSet(level model.Level) map[tag.Tag]struct{} {
	switch level {
	case model.LevelPatient:
		return map[tag.Tag]struct{}{
			model.TagNumberOfPatientRelatedStudies:  {},
			model.TagNumberOfPatientRelatedSeries:   {},
			model.TagNumberOfPatientRelatedInstances: {},
		}
	case model.LevelStudy:
		return map[tag.Tag]struct{}{
			model.TagModalitiesInStudy:           {},
			model.TagSOPClassesInStudy:            {},
			model.TagNumberOfStudyRelatedSeries:    {},
			model.TagNumberOfStudyRelatedInstances: {},
		}
	case model.LevelSeries:
		return map[tag.Tag]struct{}{
			model.TagNumberOfSeriesRelatedInstances: {},
		}
	default:
		return nil
	}
}

// lookupMapping searches each level's Mapping from Patient up to maxLevel
// (inclusive) and returns the first match, the Go equivalent of
// build_filters looking a request tag up against only the target level's
// model: a tag mapped at a level below maxLevel (e.g. a Series attribute
// in a Study-level query) is treated the same as an unmapped tag.
func lookupMapping(t tag.Tag, maxLevel model.Level) (model.Field, model.Level, bool) {
	levels := []model.Level{model.LevelPatient, model.LevelStudy, model.LevelSeries, model.LevelImage}
	for _, l := range levels {
		if l > maxLevel {
			break
		}
		if field, ok := levelMapping[l][t]; ok {
			return field, l, true
		}
	}
	return model.Field{}, 0, false
}

// planAttrs classifies every element of the request ds into the response
// plan OnFind needs to build each result row strictly from the request's
// own tag set, matching tiny_pacs.pacs.base_api.build_filters plus the
// per-aggregate-tag gating in study_api/patient_api.c_find: a level's own
// aggregate tags are recorded for conditional computation; tags mapped at
// or above level become same-level filters (and same-level or parent-path
// response attrs); everything else is echoed back empty.
func planAttrs(ds *dicom.DataSet, level model.Level) (clauses []filter.Clause, attrs []responseAttr, aggregates map[tag.Tag]bool, err error) {
	aggregates = make(map[tag.Tag]bool)
	levelAggs := aggregateTagSet(level)

	for _, elem := range ds.Elements() {
		t := elem.Tag()

		if _, isAgg := levelAggs[t]; isAgg {
			aggregates[t] = true
			continue
		}
		if _, excluded := model.ExcludedTags[t]; excluded {
			continue
		}

		field, foundLevel, ok := lookupMapping(t, level)
		if !ok {
			attrs = append(attrs, responseAttr{tag: t, vr: elem.VR()})
			continue
		}
		attrs = append(attrs, responseAttr{tag: t, vr: field.VR, level: foundLevel, column: field.Column})

		values, hasValues := getStrings(ds, t)
		if !hasValues || len(values) == 0 || (len(values) == 1 && values[0] == "") {
			continue
		}
		clause, buildErr := filter.Build(levelTable[foundLevel]+"."+field.Column, field.VR, values)
		if buildErr != nil {
			return nil, nil, nil, buildErr
		}
		clauses = append(clauses, clause)
	}
	return clauses, attrs, aggregates, nil
}

// OnFind answers a C-FIND request at whatever QueryRetrieveLevel ds
// specifies, returning one response dataset per matching row. Response
// attributes and aggregates are driven entirely by ds's own elements via
// planAttrs, matching tiny_pacs.pacs.base_api.encode_response.
func (e *Engine) OnFind(ctx context.Context, ds *dicom.DataSet) ([]*dicom.DataSet, error) {
	levelStr, ok := getString(ds, model.TagQueryRetrieveLevel)
	if !ok {
		return nil, fmt.Errorf("find request missing QueryRetrieveLevel")
	}
	level, ok := model.QRLevelFromString(levelStr)
	if !ok {
		return nil, fmt.Errorf("find request has unsupported QueryRetrieveLevel %q", levelStr)
	}

	clauses, attrs, aggregates, err := planAttrs(ds, level)
	if err != nil {
		return nil, err
	}
	where, args := whereSQL(clauses)

	atomic, err := e.atomic(ctx)
	if err != nil {
		return nil, err
	}
	defer atomic.Rollback()

	table := levelTable[level]
	query := fmt.Sprintf("SELECT %s.id %s%s", table, baseQuery(level), where)
	rows, err := atomic.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find query: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan find row: %w", err)
		}
		ids = append(ids, id)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, rowsErr
	}

	results := make([]*dicom.DataSet, 0, len(ids))
	for _, id := range ids {
		result, err := e.encodeRow(ctx, atomic, level, id, attrs, aggregates)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := atomic.Commit(); err != nil {
		return nil, fmt.Errorf("commit find transaction: %w", err)
	}
	return results, nil
}

// encodeRow fetches the columns attrs calls for at level's row id (joining
// up through baseQuery so parent-level attrs resolve in the same query),
// echoes unmapped attrs back empty, and fills whichever aggregates the
// request asked for.
func (e *Engine) encodeRow(ctx context.Context, atomic *db.Atomic, level model.Level, id int64, attrs []responseAttr, aggregates map[tag.Tag]bool) (*dicom.DataSet, error) {
	out := dicom.NewDataSet()
	if err := setString(out, model.TagQueryRetrieveLevel, vr.CodeString, levelName(level)); err != nil {
		return nil, err
	}

	var mapped []responseAttr
	for _, a := range attrs {
		if a.column != "" {
			mapped = append(mapped, a)
		}
	}

	if len(mapped) > 0 {
		columns := make([]string, len(mapped))
		for i, a := range mapped {
			columns[i] = levelTable[a.level] + "." + a.column
		}
		table := levelTable[level]
		query := fmt.Sprintf("SELECT %s %s WHERE %s.id = ?", strings.Join(columns, ", "), baseQuery(level), table)
		scanDest := make([]any, len(mapped))
		values := make([]sql.NullString, len(mapped))
		for i := range values {
			scanDest[i] = &values[i]
		}
		if err := atomic.QueryRowContext(ctx, query, id).Scan(scanDest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		for i, a := range mapped {
			if !values[i].Valid || values[i].String == "" {
				continue
			}
			if err := setString(out, a.tag, a.vr, values[i].String); err != nil {
				return nil, err
			}
		}
	}

	for _, a := range attrs {
		if a.column != "" {
			continue
		}
		if err := setEmpty(out, a.tag, a.vr); err != nil {
			return nil, err
		}
	}

	if err := e.encodeAggregates(ctx, atomic, level, id, aggregates, out); err != nil {
		return nil, err
	}
	return out, nil
}

func levelName(level model.Level) string {
	switch level {
	case model.LevelPatient:
		return "PATIENT"
	case model.LevelStudy:
		return "STUDY"
	case model.LevelSeries:
		return "SERIES"
	default:
		return "IMAGE"
	}
}

// encodeAggregates fills whichever of the Number-of-*-Related-* and
// ModalitiesInStudy/SOPClassesInStudy counters aggregates requests,
// matching tiny_pacs.pacs.{patient,study,series}_api's conditional
// aggregate query methods: an aggregate the request didn't ask for is
// never computed.
func (e *Engine) encodeAggregates(ctx context.Context, atomic *db.Atomic, level model.Level, id int64, aggregates map[tag.Tag]bool, out *dicom.DataSet) error {
	switch level {
	case model.LevelPatient:
		if aggregates[model.TagNumberOfPatientRelatedStudies] {
			if err := e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM studies WHERE patient_id = ?", model.TagNumberOfPatientRelatedStudies, id); err != nil {
				return err
			}
		}
		if aggregates[model.TagNumberOfPatientRelatedSeries] {
			if err := e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM series JOIN studies ON series.study_id = studies.id WHERE studies.patient_id = ?",
				model.TagNumberOfPatientRelatedSeries, id); err != nil {
				return err
			}
		}
		if aggregates[model.TagNumberOfPatientRelatedInstances] {
			if err := e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM instances JOIN series ON instances.series_id = series.id JOIN studies ON series.study_id = studies.id WHERE studies.patient_id = ?",
				model.TagNumberOfPatientRelatedInstances, id); err != nil {
				return err
			}
		}
	case model.LevelStudy:
		if aggregates[model.TagNumberOfStudyRelatedSeries] {
			if err := e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM series WHERE study_id = ?", model.TagNumberOfStudyRelatedSeries, id); err != nil {
				return err
			}
		}
		if aggregates[model.TagNumberOfStudyRelatedInstances] {
			if err := e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM instances JOIN series ON instances.series_id = series.id WHERE series.study_id = ?",
				model.TagNumberOfStudyRelatedInstances, id); err != nil {
				return err
			}
		}
		if aggregates[model.TagModalitiesInStudy] {
			if err := e.aggString(ctx, atomic, out,
				"SELECT %s(modality, '\\') FROM series WHERE study_id = ?", model.TagModalitiesInStudy, vr.CodeString, id); err != nil {
				return err
			}
		}
		if aggregates[model.TagSOPClassesInStudy] {
			if err := e.aggString(ctx, atomic, out,
				"SELECT %s(instances.sop_class_uid, '\\') FROM instances JOIN series ON instances.series_id = series.id WHERE series.study_id = ?",
				model.TagSOPClassesInStudy, vr.UniqueIdentifier, id); err != nil {
				return err
			}
		}
	case model.LevelSeries:
		if aggregates[model.TagNumberOfSeriesRelatedInstances] {
			return e.countOne(ctx, atomic, out,
				"SELECT COUNT(*) FROM instances WHERE series_id = ?", model.TagNumberOfSeriesRelatedInstances, id)
		}
	}
	return nil
}

func (e *Engine) countOne(ctx context.Context, atomic *db.Atomic, out *dicom.DataSet, query string, t tag.Tag, id int64) error {
	var n int
	if err := atomic.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return fmt.Errorf("count aggregate %s: %w", t, err)
	}
	return setString(out, t, vr.IntegerString, fmt.Sprintf("%d", n))
}

// aggString runs queryTemplate (which carries a single "%s" placeholder
// for the aggregate function name dispatched through db.ChannelStringAgg)
// and de-duplicates the resulting backslash-joined string in Go, the same
// way tiny_pacs.pacs.study_api's aggregate lambda does
// ('\\'.join(set(v.split('\\')))) rather than at the SQL level: SQLite's
// group_concat(DISTINCT x) can't take a custom separator, so dedup has to
// happen after the fact regardless of backend.
func (e *Engine) aggString(ctx context.Context, atomic *db.Atomic, out *dicom.DataSet, queryTemplate string, t tag.Tag, outVR vr.VR, id int64) error {
	fn, err := e.stringAggFunc(ctx)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(queryTemplate, fn)
	var raw sql.NullString
	if err := atomic.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		return fmt.Errorf("aggregate %s: %w", t, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var unique []string
	for _, v := range strings.Split(raw.String, "\\") {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}
	if len(unique) == 0 {
		return nil
	}
	return setString(out, t, outVR, strings.Join(unique, "\\"))
}

// OnMoveOrGet resolves the instances a C-MOVE or C-GET request refers to,
// ranking by QueryRetrieveLevel the same way OnFind does, but returning bare
// locators rather than encoded response datasets. Matches
// tiny_pacs.pacs.component.PACS.c_move_get_instances.
func (e *Engine) OnMoveOrGet(ctx context.Context, ds *dicom.DataSet) ([]frontend.InstanceLocator, error) {
	levelStr, ok := getString(ds, model.TagQueryRetrieveLevel)
	if !ok {
		return nil, fmt.Errorf("move/get request missing QueryRetrieveLevel")
	}
	level, ok := model.QRLevelFromString(levelStr)
	if !ok {
		return nil, fmt.Errorf("move/get request has unsupported QueryRetrieveLevel %q", levelStr)
	}

	clauses, err := collectFilters(ds, level)
	if err != nil {
		return nil, err
	}
	where, args := whereSQL(clauses)

	atomic, err := e.atomic(ctx)
	if err != nil {
		return nil, err
	}
	defer atomic.Rollback()

	query := fmt.Sprintf(`SELECT studies.study_instance_uid, series.series_instance_uid, instances.sop_instance_uid
		FROM instances
		JOIN series ON instances.series_id = series.id
		JOIN studies ON series.study_id = studies.id
		JOIN patients ON studies.patient_id = patients.id%s`, where)
	rows, err := atomic.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("move/get query: %w", err)
	}
	defer rows.Close()

	var out []frontend.InstanceLocator
	for rows.Next() {
		var loc frontend.InstanceLocator
		if err := rows.Scan(&loc.StudyInstanceUID, &loc.SeriesInstanceUID, &loc.SOPInstanceUID); err != nil {
			return nil, fmt.Errorf("scan move/get row: %w", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := atomic.Commit(); err != nil {
		return nil, fmt.Errorf("commit move/get transaction: %w", err)
	}
	return out, nil
}

// OnCommitment verifies every requested SOP instance is present and
// committed in the storage backend, delegating the set-difference to
// storageindex.ChannelStoreVerify. Matches
// tiny_pacs.pacs.component.PACS.on_storage_commitment.
func (e *Engine) OnCommitment(ctx context.Context, requested []frontend.SOPRef) (success, failure []frontend.SOPRef, err error) {
	refs := make([]storageindex.SOPRef, len(requested))
	for i, r := range requested {
		refs[i] = storageindex.SOPRef{SOPClassUID: r.SOPClassUID, SOPInstanceUID: r.SOPInstanceUID}
	}

	result, err := e.Bus.SendOne(storageindex.ChannelStoreVerify, ctx, refs)
	if err != nil {
		return nil, nil, fmt.Errorf("verify storage commitment: %w", err)
	}
	pair, ok := result.([2][]storageindex.SOPRef)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected storage verify result type %T", result)
	}

	success = make([]frontend.SOPRef, len(pair[0]))
	for i, r := range pair[0] {
		success[i] = frontend.SOPRef{SOPClassUID: r.SOPClassUID, SOPInstanceUID: r.SOPInstanceUID}
	}
	failure = make([]frontend.SOPRef, len(pair[1]))
	for i, r := range pair[1] {
		failure[i] = frontend.SOPRef{SOPClassUID: r.SOPClassUID, SOPInstanceUID: r.SOPInstanceUID}
	}
	return success, failure, nil
}
