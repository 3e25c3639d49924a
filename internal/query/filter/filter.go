// Package filter builds SQL WHERE clauses from DICOM query elements,
// dispatching on VR family the way tiny_pacs.pacs.base_api.build_filter
// does: text attributes get wildcard LIKE matching, date/time/datetime
// attributes get either an exact match or a "start-end" range.
package filter

import (
	"fmt"
	"strings"

	"github.com/codeninja55/go-radx/dicom/vr"
)

// ErrUnsupportedVR is returned for any VR outside the four supported
// filter families (text, date, time, datetime).
type ErrUnsupportedVR struct {
	VR vr.VR
}

func (e ErrUnsupportedVR) Error() string {
	return fmt.Sprintf("filter: unsupported VR %s", e.VR)
}

// textVRs are matched with wildcard LIKE semantics (DICOM universal
// matching: '*' -> any sequence, '?' -> any single character), exactly the
// eleven VRs tiny_pacs.pacs.base_api.TEXT_VR lists. AS/DS/IS are
// deliberately left out: the Python original's build_filter only special-
// cases TEXT_VR and DA/TM/DT, so a same-level filter against an AS/DS/IS
// column falls through to its ValueError branch. buildText's wildcard
// matching doesn't make sense for numeric-ish values anyway, so the same
// VRs fail clearly here via ErrUnsupportedVR.
var textVRs = map[vr.VR]struct{}{
	vr.ApplicationEntity:          {},
	vr.CodeString:                 {},
	vr.LongString:                 {},
	vr.LongText:                   {},
	vr.PersonName:                 {},
	vr.ShortString:                {},
	vr.ShortText:                  {},
	vr.UniqueIdentifier:           {},
	vr.UnlimitedCharacters:        {},
	vr.UnlimitedText:              {},
	vr.UniversalResourceIdentifier: {},
}

// Clause is one SQL WHERE fragment plus its bind argument(s).
type Clause struct {
	SQL  string
	Args []any
}

// Build dispatches on v's family and returns the clause that filters column
// against values, following spec's §4.4 same-level filter rules. More than
// one value means the request element was multi-valued (VM > 1); per §4.4
// "if the value is a list, match set membership", that becomes a SQL IN
// clause regardless of VR family, the same as tiny_pacs.pacs.base_api.
// _text_filter's `attr << value` branch for a list value.
func Build(column string, v vr.VR, values []string) (Clause, error) {
	if len(values) > 1 {
		return buildIn(column, values), nil
	}
	value := ""
	if len(values) == 1 {
		value = values[0]
	}
	if _, ok := textVRs[v]; ok {
		return buildText(column, value), nil
	}
	switch v {
	case vr.Date, vr.Time, vr.DateTime:
		return buildRangeOrEquals(column, value), nil
	default:
		return Clause{}, ErrUnsupportedVR{VR: v}
	}
}

// buildText converts DICOM wildcard syntax ('*', '?') into SQL LIKE syntax
// ('%', '_'), matching tiny_pacs.pacs.base_api._text_filter. A value with
// no wildcards is issued as an exact match instead of a no-op LIKE.
func buildText(column, value string) Clause {
	if !strings.ContainsAny(value, "*?") {
		return Clause{SQL: column + " = ?", Args: []any{value}}
	}
	pattern := strings.NewReplacer("?", "_", "*", "%").Replace(value)
	return Clause{SQL: column + " LIKE ?", Args: []any{pattern}}
}

// buildIn matches column against any of values exactly, the set-membership
// test DICOM list-valued identifiers use instead of per-value wildcarding.
func buildIn(column string, values []string) Clause {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return Clause{SQL: column + " IN (" + strings.Join(placeholders, ", ") + ")", Args: args}
}

// buildRangeOrEquals handles DA/TM/DT attributes: a single '-' splits the
// value into an inclusive "start-end" range, matching
// tiny_pacs.pacs.base_api._date_filter/_time_filter/_date_time_filter.
func buildRangeOrEquals(column, value string) Clause {
	if idx := strings.Index(value, "-"); idx >= 0 {
		start := value[:idx]
		end := value[idx+1:]
		switch {
		case start == "":
			return Clause{SQL: column + " <= ?", Args: []any{end}}
		case end == "":
			return Clause{SQL: column + " >= ?", Args: []any{start}}
		default:
			return Clause{SQL: "(" + column + " >= ? AND " + column + " <= ?)", Args: []any{start, end}}
		}
	}
	return Clause{SQL: column + " = ?", Args: []any{value}}
}
