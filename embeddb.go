// Package embeddb implements an embedded, single-process, persistent object
// store: entities are sharded, append-only logs materialized in memory, with
// secondary indexes and a filter/query planner layered on top.
package embeddb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/embeddb/pkg/log"
	"github.com/cuemby/embeddb/registry"
)

// Database is the top-level handle for a directory on disk holding zero or
// more entities. All public operations delegate to the named Entity after
// taking Database's own lock just long enough to look it up — entity-level
// concurrency is then owned entirely by that Entity's own RWMutex.
type Database struct {
	dir string
	reg *registry.Registry

	mu       sync.RWMutex
	entities map[string]*Entity
}

// Open opens (creating if necessary) the database directory at dir, discovers
// any entities already present (a subdirectory containing a schema.json),
// and replays each one. reg is the type registry to use for class
// construction/decomposition; pass registry.Default() for the common
// process-wide-registry usage, or a fresh registry.New() for test isolation.
func Open(dir string, reg *registry.Registry) (*Database, error) {
	if reg == nil {
		reg = registry.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embeddb: open database dir %s: %w", dir, err)
	}

	db := &Database{dir: dir, reg: reg, entities: make(map[string]*Entity)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("embeddb: list database dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, entry.Name(), "schema.json")); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}

	g := new(errgroup.Group)
	results := make([]*Entity, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			e, err := openEntity(db, name, reg)
			if err != nil {
				return err
			}
			results[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, name := range names {
		db.entities[name] = results[i]
	}

	log.Info(fmt.Sprintf("database opened at %s with %d entities", dir, len(db.entities)))
	return db, nil
}

// CreateEntity defines and opens a new entity named name with the given
// schema. Fails with ErrEntityExists if an entity of that name is already
// open or already has a directory on disk.
func (db *Database) CreateEntity(name string, schema Schema) (*Entity, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.entities[name]; ok {
		return nil, fmt.Errorf("entity %q: %w", name, ErrEntityExists)
	}
	e, err := createEntity(db, name, schema, db.reg)
	if err != nil {
		return nil, err
	}
	db.entities[name] = e
	return e, nil
}

// Entity returns the named entity, or ErrEntityMissing if it is not open.
func (db *Database) Entity(name string) (*Entity, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.entities[name]
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", name, ErrEntityMissing)
	}
	return e, nil
}

// ListEntities returns the names of every open entity, sorted.
func (db *Database) ListEntities() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.entities))
	for name := range db.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropEntity removes an entity's in-memory state and its on-disk directory.
// This is irreversible.
func (db *Database) DropEntity(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.entities[name]
	if !ok {
		return fmt.Errorf("entity %q: %w", name, ErrEntityMissing)
	}
	e.mu.Lock()
	dir := e.dir
	e.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("embeddb: drop entity %q: %w", name, err)
	}
	delete(db.entities, name)
	return nil
}

// InsertInto inserts fields as a new record of the named entity.
func (db *Database) InsertInto(entity string, fields map[string]interface{}) error {
	e, err := db.Entity(entity)
	if err != nil {
		return err
	}
	return e.Insert(fields)
}

// InsertParallel inserts every record in rows into the named entity
// concurrently, one goroutine per row, and returns the first error any row
// produced. A failing row does not cancel the others: every row is still
// attempted. Validation and encoding run in parallel; the uniqueness check,
// log append and install of each row serialize on the entity-wide Entity.mu.
func (db *Database) InsertParallel(entity string, rows []map[string]interface{}) error {
	e, err := db.Entity(entity)
	if err != nil {
		return err
	}
	g := new(errgroup.Group)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			return e.Insert(row)
		})
	}
	return g.Wait()
}

// SelectFrom evaluates q against the named entity.
func (db *Database) SelectFrom(entity string, q Query) ([]*Record, error) {
	e, err := db.Entity(entity)
	if err != nil {
		return nil, err
	}
	return e.Select(q)
}

// UpdateEntity applies mutator to every record of the named entity matching
// filter.
func (db *Database) UpdateEntity(entity string, filter Filter, mutator Mutator) error {
	e, err := db.Entity(entity)
	if err != nil {
		return err
	}
	return e.Update(filter, mutator)
}

// DeleteFrom removes every record of the named entity matching filter.
func (db *Database) DeleteFrom(entity string, filter Filter) error {
	e, err := db.Entity(entity)
	if err != nil {
		return err
	}
	return e.Delete(filter)
}

// OptimizeEntity runs eager compaction on the named entity.
func (db *Database) OptimizeEntity(entity string) error {
	e, err := db.Entity(entity)
	if err != nil {
		return err
	}
	return e.Optimize()
}

// Registry returns the type registry this database was opened with, so
// callers can Register classes before CreateEntity. Entities already on disk
// were replayed by Open, so their classes must be registered on reg before
// calling Open.
func (db *Database) Registry() *registry.Registry {
	return db.reg
}
