// Package replication implements ReplicationApplier (C10): the entry point
// for mutations delivered from peers, per spec §4.8's record table.
package replication

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/kallio-labs/peerbase/pkg/schema"
	"github.com/kallio-labs/peerbase/pkg/table"
)

// RecordType tags a Record's payload shape, matching spec §4.8's table.
type RecordType string

const (
	CreateDatabase         RecordType = "createDatabase"
	DropDatabase           RecordType = "dropDatabase"
	CreateTable            RecordType = "createTable"
	DropTable              RecordType = "dropTable"
	Insert                 RecordType = "insert"
	TableReplicaInsert     RecordType = "TableReplicaInsert"
	TableReplicaDelete     RecordType = "TableReplicaDelete"
	ReplicateInsertObject  RecordType = "ReplicateInsertObject"
	ReplicateUpdateObject  RecordType = "ReplicateUpdateObject"
	ReplicateDeleteObject  RecordType = "ReplicateDeleteObject"
	SelectRespond          RecordType = "SelectRespond"
	SendTableReplicaToNode RecordType = "SendTableReplicaToNode"
	DeleteEverything       RecordType = "DeleteEverything"
)

// Record is the self-describing wire shape for one replicated mutation.
// Fields not relevant to a given Type are left zero; the applier reads only
// what its Type requires.
type Record struct {
	Type RecordType `json:"type"`

	Database string `json:"db,omitempty"`
	Table    string `json:"table,omitempty"`

	Row    json.RawMessage `json:"row,omitempty"`
	RowID  string          `json:"row_id,omitempty"`
	Column string          `json:"column,omitempty"`
	Value  string          `json:"value,omitempty"`

	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`

	WhereColumn string `json:"where_col,omitempty"`
	WhereValue  string `json:"where_val,omitempty"`
	UpdateKey   string `json:"update_key,omitempty"`
	UpdateValue string `json:"update_val,omitempty"`

	SelectWhat string `json:"select_what,omitempty"`

	NodeID string `json:"node_id,omitempty"`
	NodeIP string `json:"node_ip,omitempty"`
}

// TableSource resolves (and lazily creates) the TableStorage/TableReplica
// pair backing a (database, table), so the applier can mutate C5/C6 without
// owning their lifecycle.
type TableSource interface {
	Lookup(database, tableName string) (storage *table.TableStorage, replica *table.TableReplica, ok bool)
	Ensure(database, tableName string) (storage *table.TableStorage, replica *table.TableReplica)
	Drop(database, tableName string)
}

// Applier applies records to the local Catalog/TableStorage/TableReplica
// state. It never re-broadcasts — broadcast is reserved to the originator
// of a client-facing mutation (spec §4.8's invariant).
type Applier struct {
	catalog *schema.Catalog
	tables  TableSource
}

// New constructs an Applier over catalog and tables.
func New(catalog *schema.Catalog, tables TableSource) *Applier {
	return &Applier{catalog: catalog, tables: tables}
}

// SelectResult is returned by Apply for a SelectRespond record. When the
// request named a SelectWhat column, Values holds that column's projected
// value for each matching row (in the same order as RowIDs) instead of the
// full row; RowIDs alone are returned when SelectWhat is empty.
type SelectResult struct {
	RowIDs []uuid.UUID       `json:"row_ids"`
	Values []json.RawMessage `json:"values,omitempty"`
}

// ReplicaSnapshot is returned by Apply for a SendTableReplicaToNode record.
type ReplicaSnapshot struct {
	Placements map[string]table.Placement `json:"placements"`
}

// Apply dispatches rec to the handler for its Type. Malformed records (bad
// uuid, missing required fields) are logged and ignored rather than
// returned as an error, per spec §4.8: "malformed records are logged and
// ignored". The returned value is non-nil only for read-type records
// (SelectRespond, SendTableReplicaToNode).
func (a *Applier) Apply(rec Record) (any, error) {
	switch rec.Type {
	case CreateDatabase:
		a.applyCreateDatabase(rec)
	case DropDatabase:
		a.applyDropDatabase(rec)
	case CreateTable:
		a.applyCreateTable(rec)
	case DropTable:
		a.applyDropTable(rec)
	case Insert, ReplicateInsertObject:
		a.applyInsert(rec)
	case TableReplicaInsert:
		a.applyReplicaInsert(rec)
	case TableReplicaDelete:
		a.applyReplicaDelete(rec)
	case ReplicateUpdateObject:
		a.applyUpdate(rec)
	case ReplicateDeleteObject:
		a.applyDelete(rec)
	case SelectRespond:
		return a.applySelect(rec)
	case SendTableReplicaToNode:
		return a.applySendReplica(rec)
	case DeleteEverything:
		a.applyDeleteEverything()
	default:
		log.Printf("replication: unknown record type %q, ignoring", rec.Type)
	}
	return nil, nil
}

// applyCreateDatabase is idempotent: creating an already-present database
// is a no-op rather than an error, satisfying §8's "apply twice == apply
// once" requirement for this type.
func (a *Applier) applyCreateDatabase(rec Record) {
	if rec.Database == "" {
		log.Printf("replication: createDatabase missing db, ignoring")
		return
	}
	if err := a.catalog.CreateDatabase(rec.Database); err != nil && errkind.ClassifyOf(err) != errkind.AlreadyExists {
		log.Printf("replication: createDatabase %q failed: %v", rec.Database, err)
	}
}

func (a *Applier) applyDropDatabase(rec Record) {
	if rec.Database == "" {
		log.Printf("replication: dropDatabase missing db, ignoring")
		return
	}
	if err := a.catalog.DropDatabase(rec.Database); err != nil {
		log.Printf("replication: dropDatabase %q failed: %v", rec.Database, err)
	}
}

func (a *Applier) applyCreateTable(rec Record) {
	if rec.Database == "" || rec.Table == "" {
		log.Printf("replication: createTable missing db/table, ignoring")
		return
	}
	if err := a.catalog.CreateTable(rec.Database, rec.Table); err != nil && errkind.ClassifyOf(err) != errkind.AlreadyExists {
		log.Printf("replication: createTable %s/%s failed: %v", rec.Database, rec.Table, err)
	}
}

// applyDropTable drops the table from the catalog and discards its cached
// TableStorage/TableReplica pair, so a later createTable of the same name
// starts from empty state instead of resurrecting the dropped rows/
// placements still held in a.tables (spec §3: TableStorage is "destroyed
// by a 'drop table' mutation").
func (a *Applier) applyDropTable(rec Record) {
	if rec.Database == "" || rec.Table == "" {
		log.Printf("replication: dropTable missing db/table, ignoring")
		return
	}
	if err := a.catalog.DropTable(rec.Database, rec.Table); err != nil {
		log.Printf("replication: dropTable %s/%s failed: %v", rec.Database, rec.Table, err)
		return
	}
	a.tables.Drop(rec.Database, rec.Table)
}

// applyInsert handles both `insert` (local client mutation, not
// rebroadcast further) and `ReplicateInsertObject` (peer-originated row
// copy) — both resolve to the same C5 insert-or-overwrite effect.
func (a *Applier) applyInsert(rec Record) {
	if rec.Database == "" || rec.Table == "" || len(rec.Row) == 0 {
		log.Printf("replication: insert missing db/table/row, ignoring")
		return
	}
	storage, _ := a.tables.Ensure(rec.Database, rec.Table)
	row := table.RowFromBytes(rec.Row)
	rowID, err := row.RowID()
	if err != nil {
		log.Printf("replication: insert with unparseable row uuid, ignoring: %v", err)
		return
	}
	if err := storage.Update(rowID, row); err != nil {
		log.Printf("replication: insert %s failed: %v", rowID, err)
	}
}

func (a *Applier) applyReplicaInsert(rec Record) {
	id, ok := parseRowID(rec.RowID)
	if !ok {
		log.Printf("replication: TableReplicaInsert with invalid row_id %q, ignoring", rec.RowID)
		return
	}
	_, replica := a.tables.Ensure(rec.Database, rec.Table)
	replica.InsertOrReplace(id, table.Placement{Primary: rec.Primary, Secondary: rec.Secondary})
}

func (a *Applier) applyReplicaDelete(rec Record) {
	id, ok := parseRowID(rec.RowID)
	if !ok {
		log.Printf("replication: TableReplicaDelete with invalid row_id %q, ignoring", rec.RowID)
		return
	}
	_, replica, ok := a.tables.Lookup(rec.Database, rec.Table)
	if !ok {
		return
	}
	replica.Delete(id)
}

func (a *Applier) applyUpdate(rec Record) {
	id, ok := parseRowID(rec.RowID)
	if !ok {
		log.Printf("replication: ReplicateUpdateObject with invalid row_id %q, ignoring", rec.RowID)
		return
	}
	storage, _, ok := a.tables.Lookup(rec.Database, rec.Table)
	if !ok {
		log.Printf("replication: ReplicateUpdateObject for unknown table %s/%s, ignoring", rec.Database, rec.Table)
		return
	}
	row, err := storage.Get(id)
	if err != nil {
		log.Printf("replication: ReplicateUpdateObject row %s not found, ignoring", id)
		return
	}
	if rec.WhereColumn != "" && !row.ColumnEquals(rec.WhereColumn, rec.WhereValue) {
		return
	}
	updated, err := applyFieldUpdate(row, rec.UpdateKey, rec.UpdateValue)
	if err != nil {
		log.Printf("replication: ReplicateUpdateObject failed to apply update to row %s: %v", id, err)
		return
	}
	if err := storage.Update(id, updated); err != nil {
		log.Printf("replication: ReplicateUpdateObject write-back failed for row %s: %v", id, err)
	}
}

// applyFieldUpdate sets a single field on row's underlying JSON object and
// re-wraps it as a Row, preserving every other field untouched.
func applyFieldUpdate(row table.Row, key, value string) (table.Row, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row.Bytes(), &fields); err != nil {
		return table.Row{}, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return table.Row{}, err
	}
	fields[key] = encoded
	merged, err := json.Marshal(fields)
	if err != nil {
		return table.Row{}, err
	}
	return table.RowFromBytes(merged), nil
}

func (a *Applier) applyDelete(rec Record) {
	id, ok := parseRowID(rec.RowID)
	if !ok {
		log.Printf("replication: ReplicateDeleteObject with invalid row_id %q, ignoring", rec.RowID)
		return
	}
	storage, _, ok := a.tables.Lookup(rec.Database, rec.Table)
	if !ok {
		return
	}
	if err := storage.Delete(id); err != nil {
		log.Printf("replication: ReplicateDeleteObject %s failed: %v", id, err)
	}
}

// applySelect returns the row ids matching (rec.Column, rec.Value). When
// rec.SelectWhat names a column, it additionally projects that column's
// value out of each matching row, per spec §4.8's "return selected rows or
// projected column".
func (a *Applier) applySelect(rec Record) (*SelectResult, error) {
	storage, _, ok := a.tables.Lookup(rec.Database, rec.Table)
	if !ok {
		return &SelectResult{}, nil
	}
	ids, err := storage.Select(rec.Column, rec.Value)
	if err != nil {
		return nil, err
	}
	if rec.SelectWhat == "" {
		return &SelectResult{RowIDs: ids}, nil
	}

	values := make([]json.RawMessage, 0, len(ids))
	matched := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		row, err := storage.Get(id)
		if err != nil {
			continue
		}
		v, ok := row.Column(rec.SelectWhat)
		if !ok {
			continue
		}
		matched = append(matched, id)
		values = append(values, v)
	}
	return &SelectResult{RowIDs: matched, Values: values}, nil
}

func (a *Applier) applySendReplica(rec Record) (*ReplicaSnapshot, error) {
	_, replica, ok := a.tables.Lookup(rec.Database, rec.Table)
	if !ok {
		return &ReplicaSnapshot{Placements: map[string]table.Placement{}}, nil
	}
	return &ReplicaSnapshot{Placements: replica.All()}, nil
}

// applyDeleteEverything drops every database from the catalog and discards
// the cached TableStorage/TableReplica pair of each of its tables, so their
// rows and placements are no longer returned by a.tables. It exists for
// test/reset use (spec §4.8); files already on disk are left in place.
func (a *Applier) applyDeleteEverything() {
	for _, name := range a.catalog.ListDatabases() {
		if tableNames, err := a.catalog.ListTables(name); err == nil {
			for _, tableName := range tableNames {
				a.tables.Drop(name, tableName)
			}
		}
		if err := a.catalog.DropDatabase(name); err != nil {
			log.Printf("replication: DeleteEverything failed to drop %q: %v", name, err)
		}
	}
}

func parseRowID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
