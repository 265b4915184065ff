package embeddb

import "fmt"

// Filter is an associative mapping from field name to a criterion. A
// criterion is either a literal value (equality) or a map from operator tag
// ($eq, $ne, $lt, $lte, $gt, $gte, $in, $nin) to operand. Multiple operators
// on one field, and multiple fields in one Filter, are conjunctive. A nil
// Filter matches every record.
type Filter map[string]interface{}

// Predicate is the legacy closure call form: when supplied, the evaluator
// skips planning entirely and scans every shard.
type Predicate func(*Record) bool

// Query is the input to Select: exactly one of Filter or Predicate should
// be set. Both nil selects every record.
type Query struct {
	Filter    Filter
	Predicate Predicate
}

func equalityOperand(criterion interface{}) (interface{}, bool) {
	if m, ok := criterion.(map[string]interface{}); ok {
		if len(m) != 1 {
			return nil, false
		}
		if v, ok := m["$eq"]; ok {
			return v, true
		}
		return nil, false
	}
	return criterion, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// compareValues orders a against b; comparable is false for mixed types or
// any type other than numbers and strings, which are left undefined across
// mixed types.
func compareValues(a, b interface{}) (result int, comparable bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1, true
			case as > bs:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	return 0, false
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	return false
}

func evalOperator(op string, value, operand interface{}) (bool, error) {
	switch op {
	case "$eq":
		return equalValues(value, operand), nil
	case "$ne":
		return !equalValues(value, operand), nil
	case "$lt":
		cmp, ok := compareValues(value, operand)
		return ok && cmp < 0, nil
	case "$lte":
		cmp, ok := compareValues(value, operand)
		return ok && cmp <= 0, nil
	case "$gt":
		cmp, ok := compareValues(value, operand)
		return ok && cmp > 0, nil
	case "$gte":
		cmp, ok := compareValues(value, operand)
		return ok && cmp >= 0, nil
	case "$in":
		items, ok := operand.([]interface{})
		if !ok {
			return false, fmt.Errorf("embeddb: $in operand must be a sequence")
		}
		for _, it := range items {
			if equalValues(value, it) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		in, err := evalOperator("$in", value, operand)
		if err != nil {
			return false, err
		}
		return !in, nil
	default:
		return false, fmt.Errorf("embeddb: unknown filter operator %q", op)
	}
}

func matchesCriterion(value, criterion interface{}) (bool, error) {
	if opMap, ok := criterion.(map[string]interface{}); ok {
		for op, operand := range opMap {
			ok, err := evalOperator(op, value, operand)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return equalValues(value, criterion), nil
}

func matchesFilter(rec *Record, filter Filter) (bool, error) {
	for field, criterion := range filter {
		v := rec.Data[field]
		ok, err := matchesCriterion(v, criterion)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
