// Package schema implements SchemaCatalog (C7): the process-wide mapping of
// database name to its set of tables, and the per-database meta file that
// persists it.
package schema

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kallio-labs/peerbase/pkg/errkind"
)

// metaVersion is the version byte stamped on every <db>.meta file. A reader
// that sees any other value refuses to load, per spec §6's meta-file format.
const metaVersion = 1

// DatabaseObject is the in-memory record for one database: its name and the
// ordered, duplicate-free sequence of table names it contains.
type DatabaseObject struct {
	Name   string   `json:"name"`
	Tables []string `json:"tables"`
}

// Catalog is the process-wide database_name -> DatabaseObject map (spec
// §4.5). A single writer lock guards every mutation; enumeration methods
// copy the inner maps before returning so callers never observe a catalog
// being mutated underneath them (spec §5: "readers use copy-on-read of the
// inner maps for enumeration").
type Catalog struct {
	mu    sync.Mutex
	dir   string // data_root; <db>.meta lives directly under this
	dbs   map[string]*DatabaseObject
	dirty map[string]bool // databases whose meta file needs rewriting at the next checkpoint
}

// New creates an empty Catalog rooted at dataRoot. Callers typically follow
// with LoadAll to recover any meta files already on disk.
func New(dataRoot string) *Catalog {
	return &Catalog{
		dir:   dataRoot,
		dbs:   make(map[string]*DatabaseObject),
		dirty: make(map[string]bool),
	}
}

func normalize(name string) string { return strings.ToLower(name) }

// CreateDatabase registers an empty database. Returns errkind.AlreadyExists
// if the (case-insensitive) name is already taken.
func (c *Catalog) CreateDatabase(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normalize(name)
	if _, ok := c.dbs[key]; ok {
		return errkind.NewAlreadyExists("schema.CreateDatabase", "database already exists", nil)
	}
	c.dbs[key] = &DatabaseObject{Name: name}
	c.dirty[key] = true
	return nil
}

// DropDatabase removes a database and every table it held. A no-op if the
// database does not exist, matching C10's "drop if present" idempotence
// requirement.
func (c *Catalog) DropDatabase(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normalize(name)
	delete(c.dbs, key)
	c.dirty[key] = true
	return nil
}

// CreateTable adds tableName to an existing database. Fails with NotFound if
// the database doesn't exist, AlreadyExists if the table name is taken.
func (c *Catalog) CreateTable(database, tableName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normalize(database)
	db, ok := c.dbs[key]
	if !ok {
		return errkind.NewNotFound("schema.CreateTable", "database not found", nil)
	}
	for _, t := range db.Tables {
		if normalize(t) == normalize(tableName) {
			return errkind.NewAlreadyExists("schema.CreateTable", "table already exists", nil)
		}
	}
	db.Tables = append(db.Tables, tableName)
	c.dirty[key] = true
	return nil
}

// DropTable removes tableName from database, if present. A no-op if the
// database or table is absent.
func (c *Catalog) DropTable(database, tableName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normalize(database)
	db, ok := c.dbs[key]
	if !ok {
		return nil
	}
	kept := db.Tables[:0]
	for _, t := range db.Tables {
		if normalize(t) != normalize(tableName) {
			kept = append(kept, t)
		}
	}
	db.Tables = kept
	c.dirty[key] = true
	return nil
}

// DatabaseExists reports whether name (case-insensitive) is registered.
func (c *Catalog) DatabaseExists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dbs[normalize(name)]
	return ok
}

// TableExists reports whether tableName exists within database.
func (c *Catalog) TableExists(database, tableName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[normalize(database)]
	if !ok {
		return false
	}
	for _, t := range db.Tables {
		if normalize(t) == normalize(tableName) {
			return true
		}
	}
	return false
}

// ListDatabases returns every registered database name, sorted for
// deterministic output, copied so the caller cannot mutate catalog state.
func (c *Catalog) ListDatabases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.dbs))
	for _, db := range c.dbs {
		names = append(names, db.Name)
	}
	sort.Strings(names)
	return names
}

// ListTables returns database's tables, or errkind.NotFound if database
// doesn't exist.
func (c *Catalog) ListTables(database string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[normalize(database)]
	if !ok {
		return nil, errkind.NewNotFound("schema.ListTables", "database not found", nil)
	}
	out := make([]string, len(db.Tables))
	copy(out, db.Tables)
	return out, nil
}

// DirtyDatabases returns a snapshot of the database names whose meta file
// needs rewriting, for PersistenceScheduler's DATABASE_METADATA class. It
// does not clear the dirty set — a name stays dirty until MarkClean
// confirms its meta file was actually written, so a checkpoint that fails
// partway through leaves the unwritten (and any not-yet-attempted) names
// dirty for the next checkpoint, per spec §4.7's "failed writes are
// scheduled to be rewritten at the next checkpoint".
func (c *Catalog) DirtyDatabases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.dirty))
	for k := range c.dirty {
		names = append(names, k)
	}
	return names
}

// MarkClean clears key's dirty flag after its meta file has been
// successfully written. A no-op if key isn't currently dirty (e.g. it was
// dropped, or cleaned already).
func (c *Catalog) MarkClean(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirty, key)
}

type metaFile struct {
	Version int            `json:"version"`
	Object  DatabaseObject `json:"object"`
}

// metaPath returns <data_root>/<db>.meta for the normalized database key.
func (c *Catalog) metaPath(key string) string {
	return filepath.Join(c.dir, key+".meta")
}

// SaveDatabase atomically (temp+rename) writes key's meta file. If the
// database was dropped, any existing meta file is removed instead.
func (c *Catalog) SaveDatabase(key string) error {
	c.mu.Lock()
	db, ok := c.dbs[key]
	var snap metaFile
	if ok {
		snap = metaFile{Version: metaVersion, Object: *db}
	}
	c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errkind.NewTransient("schema.SaveDatabase", "mkdir failed", err)
	}

	path := c.metaPath(key)
	if !ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errkind.NewTransient("schema.SaveDatabase", "remove failed", err)
		}
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errkind.NewPersistent("schema.SaveDatabase", "marshal failed", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errkind.NewTransient("schema.SaveDatabase", "write failed", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.NewTransient("schema.SaveDatabase", "rename failed", err)
	}
	return nil
}

// LoadAll scans dir for *.meta files and populates the catalog from them.
// An unreadable or version-mismatched file is logged at error severity and
// skipped rather than failing the whole load (spec §6: "any reader that
// sees an unknown version byte must refuse to load and log at error
// severity - never silently overwrite").
func (c *Catalog) LoadAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.NewTransient("schema.LoadAll", "readdir failed", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("schema: failed to read %s, skipping: %v", path, err)
			continue
		}
		var mf metaFile
		if err := json.Unmarshal(data, &mf); err != nil {
			log.Printf("schema: corrupted meta file %s, skipping: %v", path, err)
			continue
		}
		if mf.Version != metaVersion {
			log.Printf("schema: %s has unknown meta version %d, refusing to load", path, mf.Version)
			continue
		}
		obj := mf.Object
		c.dbs[normalize(obj.Name)] = &obj
	}
	return nil
}
