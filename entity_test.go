package embeddb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/embeddb/internal/shardhash"
	"github.com/cuemby/embeddb/registry"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, registry.New())
	require.NoError(t, err)
	return db
}

func widgetSchema() Schema {
	return Schema{
		Fields:     map[string]string{"id": TypeInt, "owner": TypeStr, "count": TypeInt},
		PrimaryKey: "id",
		Indexes:    []string{"owner"},
		ShardCount: 4,
	}
}

func TestEntityInsertAndSelectByPK(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 3}))

	recs, err := e.Select(Query{Filter: Filter{"id": 1}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "alice", recs[0].Data["owner"])
}

func TestEntityInsertRejectsDuplicatePrimaryKey(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))
	err = e.Insert(map[string]interface{}{"id": 1, "owner": "bob", "count": 2})
	require.ErrorIs(t, err, ErrDuplicatePrimaryKey)
}

func TestEntityInsertRejectsNullPrimaryKey(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	err = e.Insert(map[string]interface{}{"owner": "alice", "count": 1})
	require.ErrorIs(t, err, ErrNullPrimaryKey)
}

func TestEntityInsertRejectsSchemaTypeMismatch(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	err = e.Insert(map[string]interface{}{"id": 1, "owner": 42, "count": 1})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestEntityInsertRejectsUndeclaredField(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	err = e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "ghost": true})
	require.ErrorIs(t, err, ErrInvalidSchema)
}

func TestEntityUpdateReplacesFieldsAndMovesIndex(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	err = e.Update(Filter{"id": 1}, func(current map[string]interface{}) (map[string]interface{}, error) {
		current["owner"] = "bob"
		current["count"] = 9
		return current, nil
	})
	require.NoError(t, err)

	recs, err := e.Select(Query{Filter: Filter{"owner": "bob"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(9), recs[0].Data["count"])

	recs, err = e.Select(Query{Filter: Filter{"owner": "alice"}})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestEntityUpdateRejectsPrimaryKeyChange(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	err = e.Update(Filter{"id": 1}, func(current map[string]interface{}) (map[string]interface{}, error) {
		current["id"] = 2
		return current, nil
	})
	require.ErrorIs(t, err, ErrInvalidSchema)
}

func TestEntityUpdateMissingKeyErrors(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)

	err = e.Update(Filter{"id": 99}, func(current map[string]interface{}) (map[string]interface{}, error) {
		return current, nil
	})
	require.ErrorIs(t, err, ErrEntityMissing)
}

func TestEntityUpdateNoOpWhenNothingChanges(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	err = e.Update(Filter{"id": 1}, func(current map[string]interface{}) (map[string]interface{}, error) {
		return current, nil
	})
	require.NoError(t, err)
}

func TestEntityDelete(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	require.NoError(t, e.Delete(Filter{"id": 1}))
	recs, err := e.Select(Query{Filter: Filter{"id": 1}})
	require.NoError(t, err)
	require.Empty(t, recs)

	err = e.Delete(Filter{"id": 1})
	require.ErrorIs(t, err, ErrEntityMissing)
}

func TestEntityUpdateByFilterAffectsEveryMatch(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Insert(map[string]interface{}{"id": i, "owner": "alice", "count": i}))
	}

	err = e.Update(Filter{"count": map[string]interface{}{"$lt": 3}}, func(current map[string]interface{}) (map[string]interface{}, error) {
		current["owner"] = "bob"
		return current, nil
	})
	require.NoError(t, err)

	bob, err := e.Select(Query{Filter: Filter{"owner": "bob"}})
	require.NoError(t, err)
	require.Len(t, bob, 3)

	alice, err := e.Select(Query{Filter: Filter{"owner": "alice"}})
	require.NoError(t, err)
	require.Len(t, alice, 2)
}

func TestEntityUpdateByFilterNoMatchesIsNoOp(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	err = e.Update(Filter{"owner": "ghost"}, func(current map[string]interface{}) (map[string]interface{}, error) {
		current["count"] = 99
		return current, nil
	})
	require.NoError(t, err)

	recs, err := e.Select(Query{Filter: Filter{"id": 1}})
	require.NoError(t, err)
	require.Equal(t, int64(1), recs[0].Data["count"])
}

func TestEntityDeleteByFilterRemovesEveryMatch(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Insert(map[string]interface{}{"id": i, "owner": "alice", "count": i}))
	}

	require.NoError(t, e.Delete(Filter{"count": map[string]interface{}{"$lt": 3}}))

	recs, err := e.Select(Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.True(t, r.Data["count"].(int64) >= 3)
	}
}

func TestEntityDeleteByFilterNoMatchesIsNoOp(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	require.NoError(t, e.Delete(Filter{"owner": "ghost"}))

	recs, err := e.Select(Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestEntitySelectPlansIndexLookup(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))
	require.NoError(t, e.Insert(map[string]interface{}{"id": 2, "owner": "alice", "count": 2}))
	require.NoError(t, e.Insert(map[string]interface{}{"id": 3, "owner": "bob", "count": 3}))

	recs, err := e.Select(Query{Filter: Filter{"owner": "alice"}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestEntitySelectFallsBackToFullScan(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 5}))
	require.NoError(t, e.Insert(map[string]interface{}{"id": 2, "owner": "bob", "count": 10}))

	recs, err := e.Select(Query{Filter: Filter{"count": map[string]interface{}{"$gte": 10}}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "bob", recs[0].Data["owner"])
}

func TestEntitySelectWithPredicateForcesScan(t *testing.T) {
	db := newTestDB(t)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))
	require.NoError(t, e.Insert(map[string]interface{}{"id": 2, "owner": "bob", "count": 2}))

	recs, err := e.Select(Query{Predicate: func(r *Record) bool {
		return r.Data["owner"] == "bob"
	}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestEntityReplayFromLogOnReopen(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	db, err := Open(dir, reg)
	require.NoError(t, err)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))
	require.NoError(t, e.Insert(map[string]interface{}{"id": 2, "owner": "bob", "count": 2}))
	require.NoError(t, e.Update(Filter{"id": 1}, func(current map[string]interface{}) (map[string]interface{}, error) {
		current["count"] = 100
		return current, nil
	}))
	require.NoError(t, e.Delete(Filter{"id": 2}))

	reopened, err := Open(dir, registry.New())
	require.NoError(t, err)
	e2, err := reopened.Entity("widgets")
	require.NoError(t, err)

	recs, err := e2.Select(Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(100), recs[0].Data["count"])
}

func TestEntityReplayToleratesUpdateForMissingKey(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	db, err := Open(dir, reg)
	require.NoError(t, err)
	e, err := db.CreateEntity("widgets", widgetSchema())
	require.NoError(t, err)
	require.NoError(t, e.Insert(map[string]interface{}{"id": 1, "owner": "alice", "count": 1}))

	// Simulate compaction truncating the insert this update referred to: an
	// UPDATE entry for a key the replayed shard state has never seen.
	shardNum, err := shardhash.Shard(int64(99), e.shardCount)
	require.NoError(t, err)
	require.NoError(t, e.logs[shardNum].appendUpdate(int64(99), map[string]interface{}{"owner": "ghost"}))

	reopened, err := Open(dir, registry.New())
	require.NoError(t, err)
	e2, err := reopened.Entity("widgets")
	require.NoError(t, err)

	recs, err := e2.Select(Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "alice", recs[0].Data["owner"])
}

func TestEntityDirAndShardLogPathHelpers(t *testing.T) {
	dir := entityDir("/data", "widgets")
	require.Equal(t, filepath.Join("/data", "widgets"), dir)
	require.Equal(t, filepath.Join(dir, "shard_0000.log"), shardLogPath(dir, 0))
}
