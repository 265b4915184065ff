// Package shardhash computes the deterministic primary-key-to-shard mapping
// shared by the shard log and the entity store. Go's built-in map iteration
// and string hashing are randomized per-process, which rules out the host
// language's default hash for a mapping that must stay stable across
// reopens; xxhash64 over the key's canonical JSON encoding, seeded with a
// fixed constant, gives a stable result across runs and processes.
package shardhash

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// seed is fixed so the mapping is reproducible across process restarts.
const seed uint64 = 0x656d62656464625f // "embeddb_" in hex, arbitrary but fixed

// Shard returns the shard index in [0, shardCount) for a primary-key value.
func Shard(key interface{}, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, fmt.Errorf("shardhash: shard count must be positive, got %d", shardCount)
	}
	h, err := Hash(key)
	if err != nil {
		return 0, err
	}
	return int(h % uint64(shardCount)), nil
}

// Hash returns the stable 64-bit hash of a primary-key value's canonical
// JSON encoding. Canonical here means encoding/json's deterministic map-key
// sorting and number formatting, which is stable for the primitive key
// types (int, float, bool, string).
func Hash(key interface{}) (uint64, error) {
	canonical, err := json.Marshal(key)
	if err != nil {
		return 0, fmt.Errorf("shardhash: cannot canonicalize key %v: %w", key, err)
	}
	d := xxhash.New()
	var seedBuf [8]byte
	for i := 0; i < 8; i++ {
		seedBuf[i] = byte(seed >> (8 * i))
	}
	_, _ = d.Write(seedBuf[:])
	_, _ = d.Write(canonical)
	return d.Sum64(), nil
}
