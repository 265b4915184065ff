package embeddb

// indexManager owns the in-memory secondary indexes for one entity:
// field name -> field value -> set of primary keys. It is never persisted;
// openEntity rebuilds it from the replayed shard maps. All methods assume
// the caller already holds the entity's writer lock (for mutation) or
// reader lock (for lookup) — indexManager has no locking of its own,
// mirroring the single entity-wide RWMutex design.
type indexManager struct {
	fields map[string]bool
	data   map[string]map[interface{}]map[interface{}]struct{}
}

func newIndexManager(fields []string) *indexManager {
	im := &indexManager{
		fields: make(map[string]bool, len(fields)),
		data:   make(map[string]map[interface{}]map[interface{}]struct{}, len(fields)),
	}
	for _, f := range fields {
		im.fields[f] = true
		im.data[f] = make(map[interface{}]map[interface{}]struct{})
	}
	return im
}

// IsIndexed reports whether field has a maintained index.
func (im *indexManager) IsIndexed(field string) bool {
	return im.fields[field]
}

// Lookup returns the set of primary keys whose indexed field equals value,
// or nil if there are none (or the field isn't indexed).
func (im *indexManager) Lookup(field string, value interface{}) map[interface{}]struct{} {
	return im.data[field][value]
}

func (im *indexManager) add(field string, value interface{}, pk interface{}) {
	bucket, ok := im.data[field][value]
	if !ok {
		bucket = make(map[interface{}]struct{})
		im.data[field][value] = bucket
	}
	bucket[pk] = struct{}{}
}

func (im *indexManager) remove(field string, value interface{}, pk interface{}) {
	bucket, ok := im.data[field][value]
	if !ok {
		return
	}
	delete(bucket, pk)
	if len(bucket) == 0 {
		delete(im.data[field], value)
	}
}

// onInsert adds pk to every indexed field's bucket for the new record.
func (im *indexManager) onInsert(pk interface{}, rec *Record) {
	for f := range im.fields {
		if v, ok := rec.Data[f]; ok {
			im.add(f, v, pk)
		}
	}
}

// onDelete removes pk from every indexed field's bucket.
func (im *indexManager) onDelete(pk interface{}, rec *Record) {
	for f := range im.fields {
		if v, ok := rec.Data[f]; ok {
			im.remove(f, v, pk)
		}
	}
}

// onUpdate moves pk between buckets for every indexed field present in
// diff (diff already contains only fields whose value actually changed).
func (im *indexManager) onUpdate(pk interface{}, pre, post *Record, diff map[string]interface{}) {
	for f := range im.fields {
		if _, changed := diff[f]; !changed {
			continue
		}
		im.remove(f, pre.Data[f], pk)
		im.add(f, post.Data[f], pk)
	}
}

// rebuild clears and repopulates every bucket from a freshly replayed shard
// map. Used once at entity open.
func (im *indexManager) rebuild(shards []map[interface{}]*Record) {
	for f := range im.fields {
		im.data[f] = make(map[interface{}]map[interface{}]struct{})
	}
	for _, shard := range shards {
		for pk, rec := range shard {
			im.onInsert(pk, rec)
		}
	}
}
