package engine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ManyProxy is the collection side of a many valued relationship for one owner. Queries are
// scoped to the owner's targets; caller filters are combined with the scope.
type ManyProxy struct {
	rel   *Relationship
	owner *Instance
}

func (m *ManyProxy) Relationship() *Relationship {
	return m.rel
}

func (m *ManyProxy) Owner() *Instance {
	return m.owner
}

func (m *ManyProxy) Count(ctx context.Context, filter bson.M) (int64, error) {
	target, scoped, err := m.scoped(ctx, filter)
	if err != nil {
		return 0, err
	}
	return m.owner.session.Count(ctx, target, scoped)
}

func (m *ManyProxy) Find(ctx context.Context, filter bson.M) (*Cursor, error) {
	target, scoped, err := m.scoped(ctx, filter)
	if err != nil {
		return nil, err
	}
	return m.owner.session.Find(ctx, target, scoped)
}

// All loads every target matching filter.
func (m *ManyProxy) All(ctx context.Context, filter bson.M) ([]*Instance, error) {
	cur, err := m.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return cur.All(ctx)
}

// FindOne returns the first target matching query, an ObjectID or a filter, or nil.
func (m *ManyProxy) FindOne(ctx context.Context, query interface{}) (*Instance, error) {
	filter, err := queryFilter(query)
	if err != nil {
		return nil, err
	}
	target, scoped, err := m.scoped(ctx, filter)
	if err != nil {
		return nil, err
	}
	return m.owner.session.FindOne(ctx, target, scoped)
}

// Add links target to the owner. Adding a target that is already linked changes nothing.
func (m *ManyProxy) Add(ctx context.Context, target *Instance) error {
	if target == nil {
		return fmt.Errorf("add to %s: target is nil", m.rel)
	}
	return m.rel.add(ctx, m.owner, target)
}

// Remove unlinks targets from the owner without deleting them. which is an *Instance, an
// ObjectID, a filter selecting among the owner's targets, or nil for all of them.
func (m *ManyProxy) Remove(ctx context.Context, which interface{}) error {
	var ids []primitive.ObjectID
	switch w := which.(type) {
	case *Instance:
		if err := m.rel.checkTarget(w); err != nil {
			return fmt.Errorf("remove from %s: %w", m.rel, err)
		}
		ids = []primitive.ObjectID{w.id}
	case primitive.ObjectID:
		ids = []primitive.ObjectID{w}
	case nil:
		all, err := m.scopedIDs(ctx, nil)
		if err != nil {
			return err
		}
		ids = all
	case bson.M:
		matched, err := m.scopedIDs(ctx, w)
		if err != nil {
			return err
		}
		ids = matched
	default:
		return fmt.Errorf("remove from %s: unsupported argument %T", m.rel, which)
	}
	return m.rel.removeTargets(ctx, m.owner, ids)
}

func (m *ManyProxy) scoped(ctx context.Context, filter bson.M) (*ModelType, bson.M, error) {
	if m.owner.removed {
		return nil, nil, fmt.Errorf("%w: %s", ErrRemoved, m.owner)
	}
	target, err := m.rel.Target()
	if err != nil {
		return nil, nil, err
	}
	scope, err := m.rel.Policy().scopeFilter(ctx, m.rel, m.owner)
	if err != nil {
		return nil, nil, err
	}
	if len(filter) == 0 {
		return target, scope, nil
	}
	return target, bson.M{"$and": bson.A{scope, filter}}, nil
}

func (m *ManyProxy) scopedIDs(ctx context.Context, filter bson.M) ([]primitive.ObjectID, error) {
	target, scoped, err := m.scoped(ctx, filter)
	if err != nil {
		return nil, err
	}
	cur, err := m.owner.session.Collection(target).Find(ctx, scoped)
	if err != nil {
		return nil, storageError("find "+target.name, err)
	}
	defer cur.Close(ctx)

	var ids []primitive.ObjectID
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, storageError("decode "+target.name, err)
		}
		if id, ok := doc["_id"].(primitive.ObjectID); ok {
			ids = append(ids, id)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, storageError("find "+target.name, err)
	}
	return ids, nil
}
