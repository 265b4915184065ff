package boltlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorePutAndReadEntity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bolt")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	key1, err := EncodeKey(1)
	require.NoError(t, err)
	key2, err := EncodeKey(2)
	require.NoError(t, err)

	rows := map[string][]byte{
		string(key1): []byte(`{"__class__":"Widget","__version__":1,"__data__":{"id":1}}`),
		string(key2): []byte(`{"__class__":"Widget","__version__":1,"__data__":{"id":2}}`),
	}
	require.NoError(t, store.PutEntity("widgets", rows))

	names, err := store.Entities()
	require.NoError(t, err)
	require.Equal(t, []string{"widgets"}, names)

	back, err := store.ReadEntity("widgets")
	require.NoError(t, err)
	require.Len(t, back, 2)
	require.Equal(t, rows[string(key1)], back[string(key1)])
}

func TestPutEntityReplacesBucketWholesale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bolt")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	key1, err := EncodeKey(1)
	require.NoError(t, err)
	require.NoError(t, store.PutEntity("widgets", map[string][]byte{string(key1): []byte("first")}))

	key2, err := EncodeKey(2)
	require.NoError(t, err)
	require.NoError(t, store.PutEntity("widgets", map[string][]byte{string(key2): []byte("second")}))

	back, err := store.ReadEntity("widgets")
	require.NoError(t, err)
	require.Len(t, back, 1)
	_, hasOld := back[string(key1)]
	require.False(t, hasOld)
}

func TestReadEntityMissingBucketErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bolt")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ReadEntity("ghost")
	require.Error(t, err)
}

func TestEncodeKeyIsStableForEqualValues(t *testing.T) {
	a, err := EncodeKey(42)
	require.NoError(t, err)
	b, err := EncodeKey(42)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
