package embeddb

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Type descriptors a schema field may declare. Any other string is
// interpreted as the name of a class registered with the type registry.
const (
	TypeInt   = "int"
	TypeFloat = "float"
	TypeBool  = "bool"
	TypeStr   = "str"
)

var entityNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema describes an entity's fields, primary key, and secondary indexes.
type Schema struct {
	// Fields maps field name to a type descriptor: "int", "float", "bool",
	// "str", or a registered class name for a nested composite field.
	Fields map[string]string
	// PrimaryKey names the field holding each record's unique key.
	PrimaryKey string
	// Indexes lists field names the index manager should maintain.
	Indexes []string
	// Class is the class tag stamped on every row of this entity. Defaults
	// to the entity name if empty. Kept distinct from the entity name so a
	// schema can reuse a class already registered under a different name,
	// e.g. an entity "users" whose rows are tagged class "User".
	Class string
	// ShardCount is the fixed shard count P for this entity. Defaults to 10.
	ShardCount int
}

func (s Schema) validate(entityName string) error {
	if !entityNamePattern.MatchString(entityName) {
		return fmt.Errorf("%q: %w", entityName, ErrInvalidName)
	}
	if s.PrimaryKey == "" {
		return fmt.Errorf("schema for %q: missing primary_key: %w", entityName, ErrInvalidSchema)
	}
	if _, ok := s.Fields[s.PrimaryKey]; !ok {
		return fmt.Errorf("schema for %q: primary_key %q is not a declared field: %w", entityName, s.PrimaryKey, ErrInvalidSchema)
	}
	for _, idx := range s.Indexes {
		if _, ok := s.Fields[idx]; !ok {
			return fmt.Errorf("schema for %q: indexed field %q is not a declared field: %w", entityName, idx, ErrInvalidSchema)
		}
	}
	return nil
}

// persistedSchema is the on-disk shape of schema.json: primary_key,
// per-field type keys, optional indexes, plus two reserved extension keys —
// __class__ and __shards__ — needed because a record must be told its class
// tag and shard count explicitly rather than carrying them on a live
// class instance.
type persistedSchema struct {
	PrimaryKey string            `json:"primary_key"`
	Indexes    []string          `json:"indexes,omitempty"`
	Class      string            `json:"__class__,omitempty"`
	ShardCount int               `json:"__shards__,omitempty"`
	Fields     map[string]string `json:"-"`
}

func (s Schema) toPersisted(entityName string) persistedSchema {
	class := s.Class
	if class == "" {
		class = entityName
	}
	shards := s.ShardCount
	if shards <= 0 {
		shards = defaultShardCount
	}
	return persistedSchema{
		PrimaryKey: s.PrimaryKey,
		Indexes:    s.Indexes,
		Class:      class,
		ShardCount: shards,
		Fields:     s.Fields,
	}
}

const defaultShardCount = 10

func writeSchema(path string, s Schema, entityName string) error {
	p := s.toPersisted(entityName)

	// Flatten into one JSON object: reserved keys plus one key per field.
	flat := map[string]interface{}{
		"primary_key": p.PrimaryKey,
		"__class__":   p.Class,
		"__shards__":  p.ShardCount,
	}
	if len(p.Indexes) > 0 {
		flat["indexes"] = p.Indexes
	}
	for field, typ := range p.Fields {
		flat[field] = typ
	}

	b, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return fmt.Errorf("embeddb: encode schema: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("embeddb: write schema %s: %w", path, err)
	}
	return nil
}

var reservedSchemaKeys = map[string]bool{
	"primary_key": true,
	"indexes":     true,
	"__class__":   true,
	"__shards__":  true,
}

func readSchema(path string) (Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("embeddb: read schema %s: %w", path, err)
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(b, &flat); err != nil {
		return Schema{}, fmt.Errorf("embeddb: decode schema %s: %w", path, err)
	}

	s := Schema{Fields: map[string]string{}, ShardCount: defaultShardCount}
	if pk, ok := flat["primary_key"].(string); ok {
		s.PrimaryKey = pk
	}
	if cls, ok := flat["__class__"].(string); ok {
		s.Class = cls
	}
	if shards, ok := flat["__shards__"].(float64); ok && shards > 0 {
		s.ShardCount = int(shards)
	}
	if rawIdx, ok := flat["indexes"].([]interface{}); ok {
		for _, v := range rawIdx {
			if name, ok := v.(string); ok {
				s.Indexes = append(s.Indexes, name)
			}
		}
	}
	for k, v := range flat {
		if reservedSchemaKeys[k] {
			continue
		}
		if typ, ok := v.(string); ok {
			s.Fields[k] = typ
		}
	}
	return s, nil
}
