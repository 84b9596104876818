package memstore

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Filters and updates reaching this file have been round tripped through BSON, so nested
// documents are bson.M, arrays are bson.A and integers are int32 or int64.

func matches(doc bson.M, filter bson.M) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or":
			clauses, ok := cond.(bson.A)
			if !ok {
				return false, fmt.Errorf("%s needs an array of filters", key)
			}
			matched := false
			for _, c := range clauses {
				sub, ok := c.(bson.M)
				if !ok {
					return false, fmt.Errorf("%s needs an array of filters", key)
				}
				ok, err := matches(doc, sub)
				if err != nil {
					return false, err
				}
				if key == "$and" && !ok {
					return false, nil
				}
				matched = matched || ok
			}
			if key == "$or" && !matched {
				return false, nil
			}
		default:
			if isOperatorKey(key) {
				return false, fmt.Errorf("unsupported top level operator %s", key)
			}
			val, present := doc[key]
			ok, err := matchCondition(val, present, cond)
			if err != nil {
				return false, fmt.Errorf("field %s: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchCondition(val interface{}, present bool, cond interface{}) (bool, error) {
	ops, ok := cond.(bson.M)
	if !ok || !isOperatorMap(ops) {
		return equalsOrContains(val, present, cond), nil
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equalsOrContains(val, present, arg) {
				return false, nil
			}
		case "$ne":
			if equalsOrContains(val, present, arg) {
				return false, nil
			}
		case "$in", "$nin":
			list, ok := arg.(bson.A)
			if !ok {
				return false, fmt.Errorf("%s needs an array", op)
			}
			found := false
			for _, want := range list {
				if equalsOrContains(val, present, want) {
					found = true
					break
				}
			}
			if found != (op == "$in") {
				return false, nil
			}
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return false, fmt.Errorf("$exists needs a boolean")
			}
			if present != want {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %s", op)
		}
	}
	return true, nil
}

// equalsOrContains follows the document store's equality rule: a missing field equals null
// and an array field matches when it equals want or holds an element equal to want.
func equalsOrContains(val interface{}, present bool, want interface{}) bool {
	if !present || val == nil {
		return want == nil
	}
	if valuesEqual(val, want) {
		return true
	}
	if arr, ok := val.(bson.A); ok {
		for _, elem := range arr {
			if valuesEqual(elem, want) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if oa, ok := a.(primitive.ObjectID); ok {
		ob, ok := b.(primitive.ObjectID)
		return ok && oa == ob
	}
	aa, aok := a.(bson.A)
	ba, bok := b.(bson.A)
	if aok && bok {
		if len(aa) != len(ba) {
			return false
		}
		for i := range aa {
			if !valuesEqual(aa[i], ba[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isOperatorKey(k string) bool {
	return strings.HasPrefix(k, "$")
}

func isOperatorMap(v interface{}) bool {
	m, ok := v.(bson.M)
	if !ok || len(m) == 0 {
		return false
	}
	for k := range m {
		if !isOperatorKey(k) {
			return false
		}
	}
	return true
}

func applyUpdate(doc bson.M, update bson.M, inserting bool) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update")
	}
	for op, raw := range update {
		args, ok := raw.(bson.M)
		if !ok {
			return fmt.Errorf("%s needs a document of fields", op)
		}
		switch op {
		case "$set":
			for k, v := range args {
				if k == "_id" && !inserting && !valuesEqual(doc["_id"], v) {
					return fmt.Errorf("_id is immutable")
				}
				doc[k] = v
			}
		case "$setOnInsert":
			if inserting {
				for k, v := range args {
					doc[k] = v
				}
			}
		case "$unset":
			for k := range args {
				delete(doc, k)
			}
		case "$addToSet", "$push":
			for k, v := range args {
				arr, err := arrayField(doc, k)
				if err != nil {
					return err
				}
				for _, item := range eachItems(v) {
					if op == "$addToSet" && containsValue(arr, item) {
						continue
					}
					arr = append(arr, item)
				}
				doc[k] = arr
			}
		case "$pull":
			for k, cond := range args {
				arr, err := arrayField(doc, k)
				if err != nil {
					return err
				}
				kept := bson.A{}
				for _, elem := range arr {
					ok, err := matchCondition(elem, true, cond)
					if err != nil {
						return err
					}
					if !ok {
						kept = append(kept, elem)
					}
				}
				doc[k] = kept
			}
		default:
			return fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return nil
}

func arrayField(doc bson.M, k string) (bson.A, error) {
	v, ok := doc[k]
	if !ok || v == nil {
		return bson.A{}, nil
	}
	arr, ok := v.(bson.A)
	if !ok {
		return nil, fmt.Errorf("field %s is not an array", k)
	}
	return arr, nil
}

func eachItems(v interface{}) bson.A {
	if m, ok := v.(bson.M); ok {
		if each, ok := m["$each"].(bson.A); ok {
			return each
		}
	}
	return bson.A{v}
}

func containsValue(arr bson.A, v interface{}) bool {
	for _, elem := range arr {
		if valuesEqual(elem, v) {
			return true
		}
	}
	return false
}
