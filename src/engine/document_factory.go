package engine

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// instanceFromDocument builds a saved instance from a stored document. Link fields of the type
// are split off from the ordinary fields; missing ones take their empty value.
func instanceFromDocument(s *Session, t *ModelType, doc bson.M) (*Instance, error) {
	id, ok := doc["_id"].(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("%s document has no ObjectID _id: %v", t.name, doc["_id"])
	}

	inst := newInstance(s, t)
	inst.id = id
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		inst.fields[k] = v
	}
	if err := inst.splitReferences(); err != nil {
		return nil, err
	}
	return inst, nil
}

// splitReferences moves the type's link fields out of fields and into refs, normalizing them.
// Nothing is moved when a link names an instance that cannot be referenced.
func (i *Instance) splitReferences() error {
	refs := i.typ.ReferenceFields()
	for _, f := range refs {
		if err := checkLinkValue(f.Name, i.fields[f.Name]); err != nil {
			return err
		}
	}
	for _, f := range refs {
		v, present := i.fields[f.Name]
		delete(i.fields, f.Name)
		if f.List {
			i.refs[f.Name] = toIDs(v)
			continue
		}
		if !present {
			i.refs[f.Name] = nil
			continue
		}
		if id, ok := toID(v); ok {
			i.refs[f.Name] = id
		} else {
			i.refs[f.Name] = nil
		}
	}
	return nil
}

// checkLinkValue rejects instances used as link values before they are saved.
func checkLinkValue(field string, v interface{}) error {
	switch link := v.(type) {
	case *Instance:
		if link == nil {
			return nil
		}
		if err := link.AssertSaved(); err != nil {
			return fmt.Errorf("link field %s: %w", field, err)
		}
	case []*Instance:
		for _, inst := range link {
			if err := checkLinkValue(field, inst); err != nil {
				return err
			}
		}
	case bson.A:
		return checkLinkValue(field, []interface{}(link))
	case []interface{}:
		for _, x := range link {
			if err := checkLinkValue(field, x); err != nil {
				return err
			}
		}
	}
	return nil
}

func toID(v interface{}) (primitive.ObjectID, bool) {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id, !id.IsZero()
	case *Instance:
		if id != nil && id.IsSaved() {
			return id.id, true
		}
	}
	return primitive.NilObjectID, false
}

// toIDs reads a link value as a list of ids. Scalars become a one element list and anything
// that is not an id is skipped.
func toIDs(v interface{}) []primitive.ObjectID {
	switch list := v.(type) {
	case nil:
		return []primitive.ObjectID{}
	case []primitive.ObjectID:
		return list
	case bson.A:
		return idsOf(list)
	case []interface{}:
		return idsOf(list)
	case []*Instance:
		ids := make([]primitive.ObjectID, 0, len(list))
		for _, inst := range list {
			if id, ok := toID(inst); ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if id, ok := toID(v); ok {
		return []primitive.ObjectID{id}
	}
	return []primitive.ObjectID{}
}

func idsOf(values []interface{}) []primitive.ObjectID {
	ids := make([]primitive.ObjectID, 0, len(values))
	for _, v := range values {
		if id, ok := toID(v); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
