package embeddb

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/embeddb/registry"
)

// Record is the in-memory and on-the-wire shape of every value the engine
// stores: a class tag, a version tag, and a field map. Both entity rows and
// nested composite field values share this shape: a Record's Data may itself
// contain *Record values, and those nest the same way.
type Record struct {
	Class   string
	Version int
	Data    map[string]interface{}
}

// NewRecord builds a Record with the given class tag and field map at
// version 1.
func NewRecord(class string, data map[string]interface{}) *Record {
	return &Record{Class: class, Version: 1, Data: data}
}

// Get returns a field's value and whether it was present.
func (r *Record) Get(field string) (interface{}, bool) {
	v, ok := r.Data[field]
	return v, ok
}

// clone deep-copies a Record so mutator functions cannot corrupt a
// concurrently-visible pre-image.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Class: r.Class, Version: r.Version, Data: cloneValue(r.Data).(map[string]interface{})}
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case *Record:
		return t.clone()
	default:
		// primitives (int64, float64, bool, string, nil) are immutable values
		return v
	}
}

// --- wire encoding -------------------------------------------------------
//
// A Record encodes to a reserved-attribute wire shape:
//
//	{"__class__":"<name>","__version__":<int>,"__data__":{...}}
//
// Primitive field values encode directly; a nested *Record recurses into
// the same shape. Cycles are not supported and not detected:
// encodeRecord/encodeFieldValue recurse without a depth bound, so a *Record
// graph that contains itself recurses until the goroutine stack overflows.

func encodeRecord(reg *registry.Registry, r *Record) (map[string]interface{}, error) {
	if r == nil {
		return nil, fmt.Errorf("embeddb: cannot encode a nil record")
	}
	decomposed, err := reg.Decompose(r.Class, r.Data)
	if err != nil {
		return nil, err
	}
	data, err := encodeFieldMap(reg, decomposed)
	if err != nil {
		return nil, err
	}
	version := r.Version
	if version == 0 {
		version = 1
	}
	wire := map[string]interface{}{
		"__class__":   r.Class,
		"__version__": version,
		"__data__":    data,
	}
	return wire, nil
}

func encodeFieldMap(reg *registry.Registry, data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		ev, err := encodeFieldValue(reg, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

func encodeFieldValue(reg *registry.Registry, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *Record:
		return encodeRecord(reg, t)
	case map[string]interface{}:
		// a raw nested map with no class tag is not a valid field value;
		// schema validation should have caught this earlier, but codec
		// itself never invents a __class__ it wasn't given.
		return nil, fmt.Errorf("untagged nested map is not a valid field value")
	default:
		return v, nil
	}
}

// decodeRecord turns a decoded JSON object (the <rec> grammar production)
// back into a Record, applying the registered upgrade chain and
// constructor for its class tag. reg is the type registry external
// collaborator; wire is the generic map produced by encoding/json.
func decodeRecord(wire map[string]interface{}, reg *registry.Registry) (*Record, error) {
	classRaw, ok := wire["__class__"]
	if !ok {
		return nil, fmt.Errorf("%w: record is missing __class__", ErrCorruptLog)
	}
	class, ok := classRaw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: __class__ is not a string", ErrCorruptLog)
	}

	version := 1
	if vRaw, ok := wire["__version__"]; ok {
		version = toInt(vRaw)
	}

	rawData, _ := wire["__data__"].(map[string]interface{})
	if rawData == nil {
		rawData = map[string]interface{}{}
	}

	if !reg.Known(class) {
		return nil, fmt.Errorf("class %q: %w", class, ErrUnknownClass)
	}

	latest, _ := reg.LatestVersion(class)
	upgraded := rawData
	var err error
	if version < latest {
		upgraded, err = reg.Upgrade(class, version, rawData)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	decodedData, err := decodeFieldMap(upgraded, reg)
	if err != nil {
		return nil, err
	}

	constructed, err := reg.Construct(class, decodedData)
	if err != nil {
		return nil, err
	}

	return &Record{Class: class, Version: version, Data: constructed}, nil
}

func decodeFieldMap(data map[string]interface{}, reg *registry.Registry) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		dv, err := decodeFieldValue(v, reg)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = dv
	}
	return out, nil
}

func decodeFieldValue(v interface{}, reg *registry.Registry) (interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	if _, hasClass := m["__class__"]; !hasClass {
		return nil, fmt.Errorf("%w: untagged object in field position", ErrCorruptLog)
	}
	return decodeRecord(m, reg)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 1
	}
}
