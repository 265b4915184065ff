package embeddb

import (
	"errors"

	"github.com/cuemby/embeddb/registry"
)

// Sentinel error kinds surfaced to callers. Use errors.Is to test for a kind;
// call sites wrap these with fmt.Errorf("...: %w", ...) to add context.
//
// ErrUnknownClass and ErrMissingUpgrader are aliased to the registry
// package's own sentinels rather than redeclared, so errors.Is(err,
// embeddb.ErrUnknownClass) matches errors returned from deep inside
// Registry.Upgrade/Construct/Decompose as well as the ones decodeRecord
// raises directly.
var (
	ErrInvalidName         = errors.New("embeddb: invalid entity name")
	ErrInvalidSchema       = errors.New("embeddb: invalid schema")
	ErrEntityExists        = errors.New("embeddb: entity already exists")
	ErrEntityMissing       = errors.New("embeddb: entity does not exist")
	ErrTypeMismatch        = errors.New("embeddb: field value does not match schema type")
	ErrNullPrimaryKey      = errors.New("embeddb: primary key cannot be null")
	ErrDuplicatePrimaryKey = errors.New("embeddb: duplicate primary key")
	ErrUnknownClass        = registry.ErrUnknownClass
	ErrMissingUpgrader     = registry.ErrMissingUpgrader
	ErrCorruptLog          = errors.New("embeddb: corrupt log entry")
)
