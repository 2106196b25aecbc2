// Package table implements the per-(database, table) row storage facade
// (TableStorage) and its companion replica-placement index (TableReplica),
// plus the Row value they both key off of.
package table

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// internalFieldPrefix marks fields that are never surfaced to user-level
// queries, per spec §3's row model.
const internalFieldPrefix = "__"

// uuidField is the internal field carrying the row's stable identifier.
const uuidField = "__uuid"

// Row is a self-describing record: a schemaless JSON blob that the engine
// never interprets beyond extracting row_id, parsed lazily on first field
// access.
type Row struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage // populated lazily by parse()
}

// NewRow wraps a user-supplied field map, stamping __uuid with rowID.
func NewRow(rowID uuid.UUID, fields map[string]any) (Row, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields[uuidField] = rowID.String()
	raw, err := json.Marshal(fields)
	if err != nil {
		return Row{}, err
	}
	return Row{raw: raw}, nil
}

// RowFromBytes wraps an already-serialized row, typically read back from
// TableStorage's persisted blob.
func RowFromBytes(raw []byte) Row {
	return Row{raw: append(json.RawMessage(nil), raw...)}
}

// Bytes returns the row's serialized form.
func (r Row) Bytes() []byte { return append([]byte(nil), r.raw...) }

func (r *Row) parse() error {
	if r.fields != nil {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.raw, &fields); err != nil {
		return err
	}
	r.fields = fields
	return nil
}

// RowID extracts __uuid from the row.
func (r *Row) RowID() (uuid.UUID, error) {
	if err := r.parse(); err != nil {
		return uuid.UUID{}, err
	}
	var s string
	if err := json.Unmarshal(r.fields[uuidField], &s); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(s)
}

// Column returns the raw JSON value of a user-visible column, or (nil,
// false) if absent or internal. select(column, value) in TableStorage uses
// this for its linear scan.
func (r *Row) Column(name string) (json.RawMessage, bool) {
	if strings.HasPrefix(name, internalFieldPrefix) {
		return nil, false
	}
	if err := r.parse(); err != nil {
		return nil, false
	}
	v, ok := r.fields[name]
	return v, ok
}

// ColumnEquals reports whether column name's JSON value, rendered as a
// string, equals value. Used by select()'s equality match; values are
// compared on their unmarshaled string/number form rather than exact byte
// equality so `"5"` in the query matches the JSON number `5` in storage.
func (r *Row) ColumnEquals(name, value string) bool {
	raw, ok := r.Column(name)
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == value
	default:
		b, err := json.Marshal(t)
		return err == nil && strings.Trim(string(b), `"`) == value
	}
}
