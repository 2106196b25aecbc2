package table

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/kallio-labs/peerbase/pkg/lsm"
)

// blobFileName is the single serialized blob TableStorage persists to under
// <data_root>/<db>/<table>/, per spec §6's on-disk layout.
const blobFileName = "storage"

// TableStorage is the per-(database, table) row_id -> row facade (spec
// §4.4, C5). In its default mode it keeps an ordered in-memory map and
// persists it as one blob file. When opened with an LSMEngine it instead
// delegates Insert/Update/Delete/Get to the engine, which persists itself as
// SSTables — "wraps an LSMEngine instance when used". In that mode Select
// returns an error and SaveToDisk/LoadFromDisk are no-ops.
type TableStorage struct {
	mu       sync.RWMutex
	database string
	table    string
	dir      string

	rows map[string]Row // row_id string -> row; nil when engine != nil
	keys []string        // insertion-stable ordering for select()'s scan

	engine *lsm.LSMEngine
}

// New creates a blob-backed TableStorage rooted at dir (typically
// <data_root>/<db>/<table>).
func New(database, tableName, dir string) *TableStorage {
	return &TableStorage{
		database: database,
		table:    tableName,
		dir:      dir,
		rows:     make(map[string]Row),
	}
}

// NewWithEngine creates an LSM-backed TableStorage: every row is a key in
// engine, keyed by the row_id string.
func NewWithEngine(database, tableName, dir string, engine *lsm.LSMEngine) *TableStorage {
	return &TableStorage{
		database: database,
		table:    tableName,
		dir:      dir,
		engine:   engine,
	}
}

// Insert adds row under rowID. Returns errkind.AlreadyExists if rowID is
// already present (insert never silently overwrites; use Update for that).
func (ts *TableStorage) Insert(rowID uuid.UUID, row Row) error {
	key := rowID.String()

	if ts.engine != nil {
		existing, err := ts.engine.Get([]byte(key))
		if err != nil {
			return err
		}
		if existing.State == lsm.Found {
			return errkind.NewAlreadyExists("table.Insert", "row already exists", nil)
		}
		return ts.engine.Put([]byte(key), row.Bytes())
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.rows[key]; ok {
		return errkind.NewAlreadyExists("table.Insert", "row already exists", nil)
	}
	ts.rows[key] = row
	ts.keys = append(ts.keys, key)
	return nil
}

// Update replaces the row stored under rowID, inserting it if absent.
func (ts *TableStorage) Update(rowID uuid.UUID, row Row) error {
	key := rowID.String()

	if ts.engine != nil {
		return ts.engine.Put([]byte(key), row.Bytes())
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.rows[key]; !ok {
		ts.keys = append(ts.keys, key)
	}
	ts.rows[key] = row
	return nil
}

// Delete removes rowID. Deleting a row that does not exist is a no-op,
// matching the engine's tombstone-on-absent-key semantics.
func (ts *TableStorage) Delete(rowID uuid.UUID) error {
	key := rowID.String()

	if ts.engine != nil {
		return ts.engine.Delete([]byte(key))
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.rows[key]; !ok {
		return nil
	}
	delete(ts.rows, key)
	for i, k := range ts.keys {
		if k == key {
			ts.keys = append(ts.keys[:i], ts.keys[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the row stored under rowID, or errkind.NotFound.
func (ts *TableStorage) Get(rowID uuid.UUID) (Row, error) {
	key := rowID.String()

	if ts.engine != nil {
		r, err := ts.engine.Get([]byte(key))
		if err != nil {
			return Row{}, err
		}
		if r.State != lsm.Found {
			return Row{}, errkind.NewNotFound("table.Get", "row not found", nil)
		}
		return RowFromBytes(r.Value), nil
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	row, ok := ts.rows[key]
	if !ok {
		return Row{}, errkind.NewNotFound("table.Get", "row not found", nil)
	}
	return row, nil
}

// Select scans every live row and returns the row_ids whose column equals
// value, in map-iteration-independent order: insertion order, or row_id
// order for rows restored by LoadFromDisk. There is no
// secondary index (spec §4.4): this is a linear scan.
func (ts *TableStorage) Select(column, value string) ([]uuid.UUID, error) {
	if ts.engine != nil {
		return nil, errkind.NewPersistent("table.Select", "Select is unsupported in LSM-backed mode", nil)
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var matches []uuid.UUID
	for _, key := range ts.keys {
		row, ok := ts.rows[key]
		if !ok {
			continue
		}
		if row.ColumnEquals(column, value) {
			id, err := uuid.Parse(key)
			if err != nil {
				continue
			}
			matches = append(matches, id)
		}
	}
	return matches, nil
}

// persistedSnapshot is the on-disk shape written by SaveToDisk, matching
// the versioned meta-file convention described in spec §6.
type persistedSnapshot struct {
	Version  int               `json:"version"`
	Database string            `json:"database"`
	Table    string            `json:"table"`
	Rows     map[string]string `json:"rows"` // row_id -> base64-free raw JSON row
}

const snapshotVersion = 1

// SaveToDisk atomically (temp-file + rename) writes the row map to the
// table's blob file. A no-op in LSM-backed mode, where durability is the
// engine's own SSTable files.
func (ts *TableStorage) SaveToDisk() error {
	if ts.engine != nil {
		return nil
	}

	ts.mu.RLock()
	snap := persistedSnapshot{
		Version:  snapshotVersion,
		Database: ts.database,
		Table:    ts.table,
		Rows:     make(map[string]string, len(ts.rows)),
	}
	for k, row := range ts.rows {
		snap.Rows[k] = string(row.Bytes())
	}
	ts.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return errkind.NewPersistent("table.SaveToDisk", "marshal failed", err)
	}

	if err := os.MkdirAll(ts.dir, 0o755); err != nil {
		return errkind.NewTransient("table.SaveToDisk", "mkdir failed", err)
	}

	path := filepath.Join(ts.dir, blobFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errkind.NewTransient("table.SaveToDisk", "write failed", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.NewTransient("table.SaveToDisk", "rename failed", err)
	}
	return nil
}

// LoadFromDisk reads the blob file written by SaveToDisk. A missing,
// truncated, or version-mismatched file is treated as empty state: the
// table starts fresh and the condition is logged at warning severity
// rather than treated as fatal (spec §9's open question, resolved toward
// availability since the row data can be re-synced from a peer's replica).
func (ts *TableStorage) LoadFromDisk() error {
	if ts.engine != nil {
		return nil
	}

	path := filepath.Join(ts.dir, blobFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Printf("table: %s/%s: failed to read blob, starting empty: %v", ts.database, ts.table, err)
		return nil
	}

	var snap persistedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("table: %s/%s: corrupted blob, starting empty: %v", ts.database, ts.table, err)
		return nil
	}
	if snap.Version != snapshotVersion {
		log.Printf("table: %s/%s: unknown blob version %d, refusing to load", ts.database, ts.table, snap.Version)
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rows = make(map[string]Row, len(snap.Rows))
	ts.keys = ts.keys[:0]
	ordered := make([]string, 0, len(snap.Rows))
	for k := range snap.Rows {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		ts.rows[k] = RowFromBytes([]byte(snap.Rows[k]))
		ts.keys = append(ts.keys, k)
	}
	return nil
}

// Database and Table return the identity this storage was opened with.
func (ts *TableStorage) Database() string { return ts.database }
func (ts *TableStorage) Table() string    { return ts.table }
