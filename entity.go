package embeddb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/embeddb/internal/shardhash"
	"github.com/cuemby/embeddb/pkg/log"
	"github.com/cuemby/embeddb/pkg/metrics"
	"github.com/cuemby/embeddb/registry"
)

// Entity is one named collection: a fixed-cardinality set of shards, each
// backed by its own append-only log file, materialized in memory as a
// primary-key-to-Record map per shard. A single RWMutex serializes every
// mutation (and compaction) against every read: writers take the writer lock
// for the whole operation, readers take the reader lock for the duration of
// candidate gathering plus filter evaluation.
type Entity struct {
	db         *Database
	name       string
	schema     Schema
	shardCount int
	dir        string
	reg        *registry.Registry

	mu     sync.RWMutex
	logs   []*shardLog
	shards []map[interface{}]*Record
	pkSet  map[interface{}]struct{}
	index  *indexManager
}

func entityDir(dbDir, name string) string {
	return filepath.Join(dbDir, name)
}

func shardLogPath(dir string, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%04d.log", shard))
}

// createEntity validates schema, creates the entity's directory and
// schema.json, and returns a freshly opened (empty) Entity.
func createEntity(db *Database, name string, schema Schema, reg *registry.Registry) (*Entity, error) {
	if err := schema.validate(name); err != nil {
		return nil, err
	}
	dir := entityDir(db.dir, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("entity %q: %w", name, ErrEntityExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embeddb: create entity dir %s: %w", dir, err)
	}
	if err := writeSchema(filepath.Join(dir, "schema.json"), schema, name); err != nil {
		return nil, err
	}

	class := schema.Class
	if class == "" {
		class = name
	}
	reg.RegisterIfAbsent(class)

	return openEntity(db, name, reg)
}

// openEntity reads schema.json and replays every shard log in parallel,
// rebuilding in-memory state from scratch. Parallel per-shard replay is safe
// because shards share no keys.
func openEntity(db *Database, name string, reg *registry.Registry) (*Entity, error) {
	dir := entityDir(db.dir, name)
	schema, err := readSchema(filepath.Join(dir, "schema.json"))
	if err != nil {
		return nil, fmt.Errorf("entity %q: %w", name, err)
	}

	class := schema.Class
	if class == "" {
		class = name
	}
	reg.RegisterIfAbsent(class)

	timer := metrics.NewTimer()
	e := &Entity{
		db:         db,
		name:       name,
		schema:     schema,
		shardCount: schema.ShardCount,
		dir:        dir,
		reg:        reg,
		logs:       make([]*shardLog, schema.ShardCount),
		shards:     make([]map[interface{}]*Record, schema.ShardCount),
		pkSet:      make(map[interface{}]struct{}),
		index:      newIndexManager(schema.Indexes),
	}
	for i := 0; i < schema.ShardCount; i++ {
		e.logs[i] = newShardLog(shardLogPath(dir, i))
		e.shards[i] = make(map[interface{}]*Record)
	}

	g := new(errgroup.Group)
	for i := 0; i < schema.ShardCount; i++ {
		shardNum := i
		g.Go(func() error {
			return e.replayShard(shardNum)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for pk := range e.pkSetSeed() {
		e.pkSet[pk] = struct{}{}
	}
	e.index.rebuild(e.shards)

	timer.ObserveDurationVec(metrics.ReplayDuration, name)
	log.WithEntity(name).Info().Int("records", len(e.pkSet)).Msg("entity opened")
	metrics.RecordsTotal.WithLabelValues(name).Set(float64(len(e.pkSet)))
	return e, nil
}

// pkSetSeed walks the just-replayed shard maps to seed e.pkSet. Replay
// itself does not touch pkSet directly so it can run concurrently across
// shards without a shared-map data race; this pass runs single-threaded
// after every replayShard goroutine has returned.
func (e *Entity) pkSetSeed() map[interface{}]struct{} {
	out := make(map[interface{}]struct{})
	for _, shard := range e.shards {
		for pk := range shard {
			out[pk] = struct{}{}
		}
	}
	return out
}

func (e *Entity) replayShard(shard int) error {
	state := e.shards[shard]
	return e.logs[shard].replay(func(entry logEntry) error {
		switch entry.Op {
		case opInsert:
			var wire map[string]interface{}
			if err := json.Unmarshal(entry.Data, &wire); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			rec, err := decodeRecord(wire, e.reg)
			if err != nil {
				return err
			}
			for k, v := range rec.Data {
				if typ, declared := e.schema.Fields[k]; declared {
					if nv, err := e.normalizeValue(k, typ, v); err == nil {
						rec.Data[k] = nv
					}
				}
			}
			pk, ok := rec.Get(e.schema.PrimaryKey)
			if !ok {
				return fmt.Errorf("%w: insert entry missing primary key field", ErrCorruptLog)
			}
			state[normalizeKey(pk)] = rec
		case opUpdate:
			var pk interface{}
			if err := json.Unmarshal(entry.PK, &pk); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			pk = normalizeKey(pk)
			var fields map[string]interface{}
			if err := json.Unmarshal(entry.Data, &fields); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			existing, ok := state[pk]
			if !ok {
				// Compaction can truncate the insert an update referred to;
				// tolerate it silently rather than aborting replay.
				return nil
			}
			merged := existing.clone()
			for k, v := range fields {
				dv, err := decodeFieldValue(v, e.reg)
				if err != nil {
					return err
				}
				if typ, declared := e.schema.Fields[k]; declared {
					if nv, err := e.normalizeValue(k, typ, dv); err == nil {
						dv = nv
					}
				}
				merged.Data[k] = dv
			}
			state[pk] = merged
		case opDelete:
			var pk interface{}
			if err := json.Unmarshal(entry.PK, &pk); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			delete(state, normalizeKey(pk))
		default:
			return fmt.Errorf("%w: unrecognized op %q", ErrCorruptLog, entry.Op)
		}
		return nil
	})
}

// normalizeKey collapses a Go int and the integral float64 values JSON
// decoding produces into int64, the representation Insert stores, so a key
// written as an int and read back as a float64 still hashes the same way.
func normalizeKey(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
	}
	return v
}

// --- schema-driven normalization -----------------------------------------

// normalizeValue coerces an input field value to the Go representation the
// engine stores internally (int64 for "int", float64 for "float", etc.),
// and checks it against the schema's declared type. A nested class-typed
// field must be a *Record whose Class matches the declared type name.
func (e *Entity) normalizeValue(field, typ string, v interface{}) (interface{}, error) {
	switch typ {
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
		return nil, fmt.Errorf("field %q: %w", field, ErrTypeMismatch)
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("field %q: %w", field, ErrTypeMismatch)
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("field %q: %w", field, ErrTypeMismatch)
	case TypeStr:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("field %q: %w", field, ErrTypeMismatch)
	default:
		rec, ok := v.(*Record)
		if !ok || rec.Class != typ {
			return nil, fmt.Errorf("field %q: expected class %q: %w", field, typ, ErrTypeMismatch)
		}
		return rec, nil
	}
}

// validateRecord normalizes and type-checks every declared field of fields,
// returning the normalized field map. Unknown fields are rejected; missing
// fields are left absent, treated as present-but-unset.
func (e *Entity) validateRecord(fields map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		typ, declared := e.schema.Fields[k]
		if !declared {
			return nil, fmt.Errorf("field %q is not declared in schema: %w", k, ErrInvalidSchema)
		}
		nv, err := e.normalizeValue(k, typ, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func diffFields(pre, post map[string]interface{}) map[string]interface{} {
	diff := make(map[string]interface{})
	for k, v := range post {
		if old, ok := pre[k]; !ok || !reflect.DeepEqual(old, v) {
			diff[k] = v
		}
	}
	return diff
}

// --- CRUD -----------------------------------------------------------------

// Insert validates fields against the schema, assigns it to its shard by
// hashing the primary key, and appends an INSERT log entry before installing
// the record in memory: the log write precedes visibility.
func (e *Entity) Insert(fields map[string]interface{}) error {
	timer := metrics.NewTimer()
	normalized, err := e.validateRecord(fields)
	if err != nil {
		return err
	}
	pk, ok := normalized[e.schema.PrimaryKey]
	if !ok || pk == nil {
		return fmt.Errorf("entity %q: %w", e.name, ErrNullPrimaryKey)
	}

	rec := NewRecord(e.classTag(), normalized)
	wire, err := encodeRecord(e.reg, rec)
	if err != nil {
		return err
	}

	shardNum, err := shardhash.Shard(pk, e.shardCount)
	if err != nil {
		return fmt.Errorf("entity %q: %w", e.name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.pkSet[pk]; exists {
		return fmt.Errorf("entity %q: %w", e.name, ErrDuplicatePrimaryKey)
	}
	if err := e.logs[shardNum].appendInsert(wire); err != nil {
		return err
	}
	e.shards[shardNum][pk] = rec
	e.pkSet[pk] = struct{}{}
	e.index.onInsert(pk, rec)

	metrics.OperationsTotal.WithLabelValues(e.name, "insert").Inc()
	metrics.RecordsTotal.WithLabelValues(e.name).Set(float64(len(e.pkSet)))
	timer.ObserveDurationVec(metrics.OperationDuration, e.name, "insert")
	return nil
}

// PrimaryKeyField returns the schema's declared primary-key field name.
func (e *Entity) PrimaryKeyField() string {
	return e.schema.PrimaryKey
}

// EncodeWire returns a record's tagged wire encoding (__class__/__version__/
// __data__), the same shape appended to a shard log. Exposed for tooling
// that needs to export a record outside the engine's own log format (e.g.
// a bbolt snapshot).
func (e *Entity) EncodeWire(rec *Record) ([]byte, error) {
	wire, err := encodeRecord(e.reg, rec)
	if err != nil {
		return nil, err
	}
	return []byte(mustMarshal(wire)), nil
}

func (e *Entity) classTag() string {
	if e.schema.Class != "" {
		return e.schema.Class
	}
	return e.name
}

// Mutator transforms a record's current field values into its replacement
// values. It receives a private deep copy and may read or modify it freely.
type Mutator func(current map[string]interface{}) (map[string]interface{}, error)

// singlePKEquality reports whether filter is exactly one bare equality
// criterion on the primary-key field, returning its operand. This is the
// fast path for Update/Delete: a targeted single-record mutation that skips
// the planner entirely and also preserves ErrEntityMissing when the key is
// absent, rather than silently affecting zero rows like a general filter.
func singlePKEquality(filter Filter, pkField string) (interface{}, bool) {
	if len(filter) != 1 {
		return nil, false
	}
	criterion, ok := filter[pkField]
	if !ok {
		return nil, false
	}
	return equalityOperand(criterion)
}

// matchingPKsLocked plans and gathers the primary keys of every record
// matching filter, mirroring Select's own planning (PK lookup, then
// indexed-equality, then full scan) but returning keys instead of records so
// Update/Delete can apply a mutation to each one in turn. Callers must
// already hold the writer lock.
func (e *Entity) matchingPKsLocked(filter Filter) ([]interface{}, error) {
	if pkCriterion, ok := filter[e.schema.PrimaryKey]; ok {
		if operand, isEq := equalityOperand(pkCriterion); isEq {
			pk := normalizeKey(operand)
			rec, err := e.lookupByPK(pk)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, nil
			}
			ok, err := matchesFilter(rec, filter)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return []interface{}{pk}, nil
		}
	}

	if field, value, ok := e.indexedEqualityField(filter); ok {
		var pks []interface{}
		for pk := range e.index.Lookup(field, value) {
			rec, err := e.lookupByPK(pk)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			matched, err := matchesFilter(rec, filter)
			if err != nil {
				return nil, err
			}
			if matched {
				pks = append(pks, pk)
			}
		}
		return pks, nil
	}

	var pks []interface{}
	for _, shard := range e.shards {
		for pk, rec := range shard {
			matched, err := matchesFilter(rec, filter)
			if err != nil {
				return nil, err
			}
			if matched {
				pks = append(pks, pk)
			}
		}
	}
	return pks, nil
}

// Update selects every record matching filter and, for each, runs mutator
// against a private copy of its current field values, validates and diffs
// the result, and — if anything actually changed — appends an UPDATE log
// entry and installs a brand-new *Record by pointer replacement so
// concurrent readers never observe a torn record. A bare primary-key
// equality filter takes an O(1) fast path and returns ErrEntityMissing if
// the key is absent; any other filter selects zero or more records and is a
// no-op if none match.
func (e *Entity) Update(filter Filter, mutator Mutator) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pk, ok := singlePKEquality(filter, e.schema.PrimaryKey); ok {
		return e.updateOneLocked(normalizeKey(pk), mutator)
	}

	targets, err := e.matchingPKsLocked(filter)
	if err != nil {
		return err
	}
	for _, pk := range targets {
		if err := e.updateOneLocked(pk, mutator); err != nil {
			return err
		}
	}
	return nil
}

func (e *Entity) updateOneLocked(pk interface{}, mutator Mutator) error {
	timer := metrics.NewTimer()

	shardNum, err := shardhash.Shard(pk, e.shardCount)
	if err != nil {
		return fmt.Errorf("entity %q: %w", e.name, err)
	}
	shard := e.shards[shardNum]
	existing, ok := shard[pk]
	if !ok {
		return fmt.Errorf("entity %q: %w", e.name, ErrEntityMissing)
	}

	preCopy := existing.clone()
	proposed, err := mutator(preCopy.Data)
	if err != nil {
		return fmt.Errorf("entity %q update mutator: %w", e.name, err)
	}
	normalized, err := e.validateRecord(proposed)
	if err != nil {
		return err
	}
	if newPK, ok := normalized[e.schema.PrimaryKey]; ok && !equalValues(newPK, pk) {
		return fmt.Errorf("entity %q: update must not change the primary key: %w", e.name, ErrInvalidSchema)
	}

	diff := diffFields(existing.Data, normalized)
	if len(diff) == 0 {
		return nil
	}

	next := &Record{Class: existing.Class, Version: existing.Version, Data: normalized}
	wireDiff, err := encodeFieldMap(e.reg, diff)
	if err != nil {
		return err
	}
	if err := e.logs[shardNum].appendUpdate(pk, wireDiff); err != nil {
		return err
	}

	shard[pk] = next
	e.index.onUpdate(pk, existing, next, diff)

	metrics.OperationsTotal.WithLabelValues(e.name, "update").Inc()
	timer.ObserveDurationVec(metrics.OperationDuration, e.name, "update")
	return nil
}

// Delete selects every record matching filter and removes it, appending a
// DELETE log entry per removed record. A bare primary-key equality filter
// takes an O(1) fast path and returns ErrEntityMissing if the key is absent;
// any other filter selects zero or more records and is a no-op if none
// match.
func (e *Entity) Delete(filter Filter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pk, ok := singlePKEquality(filter, e.schema.PrimaryKey); ok {
		return e.deleteOneLocked(normalizeKey(pk))
	}

	targets, err := e.matchingPKsLocked(filter)
	if err != nil {
		return err
	}
	for _, pk := range targets {
		if err := e.deleteOneLocked(pk); err != nil {
			return err
		}
	}
	return nil
}

func (e *Entity) deleteOneLocked(pk interface{}) error {
	timer := metrics.NewTimer()

	shardNum, err := shardhash.Shard(pk, e.shardCount)
	if err != nil {
		return fmt.Errorf("entity %q: %w", e.name, err)
	}
	shard := e.shards[shardNum]
	existing, ok := shard[pk]
	if !ok {
		return fmt.Errorf("entity %q: %w", e.name, ErrEntityMissing)
	}
	if err := e.logs[shardNum].appendDelete(pk); err != nil {
		return err
	}
	delete(shard, pk)
	delete(e.pkSet, pk)
	e.index.onDelete(pk, existing)

	metrics.OperationsTotal.WithLabelValues(e.name, "delete").Inc()
	metrics.RecordsTotal.WithLabelValues(e.name).Set(float64(len(e.pkSet)))
	timer.ObserveDurationVec(metrics.OperationDuration, e.name, "delete")
	return nil
}

// Select evaluates q against every record, returning matches in no
// guaranteed order. A Predicate forces a full scan; a Filter is planned: a
// primary-key equality routes straight to its shard, otherwise the first
// equality criterion found on an indexed field narrows the candidates to that
// field's index bucket (further indexed equalities are not intersected; they
// are checked against each candidate like any other criterion), and
// everything else falls back to a full scan with the criteria applied in
// memory.
func (e *Entity) Select(q Query) ([]*Record, error) {
	timer := metrics.NewTimer()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Record
	var planErr error
	plan := "scan"

	switch {
	case q.Predicate != nil:
		out, planErr = e.scanAll(func(r *Record) (bool, error) { return q.Predicate(r), nil })

	case q.Filter != nil:
		if pkCriterion, ok := q.Filter[e.schema.PrimaryKey]; ok {
			if operand, isEq := equalityOperand(pkCriterion); isEq {
				plan = "pk-lookup"
				rec, err := e.lookupByPK(normalizeKey(operand))
				if err != nil {
					return nil, err
				}
				if rec == nil {
					return nil, nil
				}
				ok, err := matchesFilter(rec, q.Filter)
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, rec)
				}
				break
			}
		}
		if field, value, ok := e.indexedEqualityField(q.Filter); ok {
			plan = "index"
			out, planErr = e.scanCandidates(e.index.Lookup(field, value), func(r *Record) (bool, error) {
				return matchesFilter(r, q.Filter)
			})
		} else {
			out, planErr = e.scanAll(func(r *Record) (bool, error) {
				return matchesFilter(r, q.Filter)
			})
		}

	default:
		out, planErr = e.scanAll(func(*Record) (bool, error) { return true, nil })
	}

	if planErr != nil {
		return nil, planErr
	}
	metrics.QueryPlanTotal.WithLabelValues(e.name, plan).Inc()
	timer.ObserveDurationVec(metrics.OperationDuration, e.name, "select")
	return out, nil
}

// indexedEqualityField finds the first filter field that is both
// index-maintained and expressed as a bare equality, for index-assisted
// planning. Callers must already hold at least the reader lock.
func (e *Entity) indexedEqualityField(filter Filter) (string, interface{}, bool) {
	for field, criterion := range filter {
		if !e.index.IsIndexed(field) {
			continue
		}
		if value, ok := equalityOperand(criterion); ok {
			return field, value, true
		}
	}
	return "", nil, false
}

func (e *Entity) lookupByPK(pk interface{}) (*Record, error) {
	shardNum, err := shardhash.Shard(pk, e.shardCount)
	if err != nil {
		return nil, fmt.Errorf("entity %q: %w", e.name, err)
	}
	return e.shards[shardNum][pk], nil
}

func (e *Entity) scanAll(match func(*Record) (bool, error)) ([]*Record, error) {
	var out []*Record
	for _, shard := range e.shards {
		for _, rec := range shard {
			ok, err := match(rec)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (e *Entity) scanCandidates(pks map[interface{}]struct{}, match func(*Record) (bool, error)) ([]*Record, error) {
	var out []*Record
	for pk := range pks {
		shardNum, err := shardhash.Shard(pk, e.shardCount)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.name, err)
		}
		rec, ok := e.shards[shardNum][pk]
		if !ok {
			continue
		}
		matched, err := match(rec)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, rec)
		}
	}
	return out, nil
}
