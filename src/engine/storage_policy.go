package engine

import (
	"context"
	"errors"
	"fmt"

	"docrel/src/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PolicyKind selects the physical layout of a relationship's links.
type PolicyKind int

const (
	// PolicyLocal keeps the target id in a scalar field of the owner document.
	PolicyLocal PolicyKind = iota + 1
	// PolicyLocalList keeps the target ids in a set-semantics list on the owner document.
	PolicyLocalList
	// PolicyRemote keeps the owner id in a scalar field of the target document.
	PolicyRemote
	// PolicyRemoteList keeps the owner id in a set-semantics list on the target document.
	PolicyRemoteList
	// PolicyLocalAndRemoteList keeps redundant id lists on both documents.
	PolicyLocalAndRemoteList
	// PolicyJoin keeps (owner id, target id) rows in a separate collection.
	PolicyJoin
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyLocal:
		return "Local"
	case PolicyLocalList:
		return "LocalList"
	case PolicyRemote:
		return "Remote"
	case PolicyRemoteList:
		return "RemoteList"
	case PolicyLocalAndRemoteList:
		return "LocalAndRemoteList"
	case PolicyJoin:
		return "Join"
	}
	return fmt.Sprintf("PolicyKind(%d)", int(k))
}

// StoragePolicy is a closed set of layouts; Kind says which of the fields are meaningful.
// Policies are plain values and compare with ==.
type StoragePolicy struct {
	Kind PolicyKind

	// Field is the link field of Local, LocalList, Remote and RemoteList.
	Field string

	// Collection, OwnerField and TargetField describe a Join. OwnerField and TargetField are also
	// the owner side and target side lists of LocalAndRemoteList.
	Collection  string
	OwnerField  string
	TargetField string
}

func Local(field string) StoragePolicy {
	return StoragePolicy{Kind: PolicyLocal, Field: field}
}

func LocalList(field string) StoragePolicy {
	return StoragePolicy{Kind: PolicyLocalList, Field: field}
}

func Remote(field string) StoragePolicy {
	return StoragePolicy{Kind: PolicyRemote, Field: field}
}

func RemoteList(field string) StoragePolicy {
	return StoragePolicy{Kind: PolicyRemoteList, Field: field}
}

func LocalAndRemoteList(ownerField, targetField string) StoragePolicy {
	return StoragePolicy{Kind: PolicyLocalAndRemoteList, OwnerField: ownerField, TargetField: targetField}
}

func Join(collection, ownerField, targetField string) StoragePolicy {
	return StoragePolicy{Kind: PolicyJoin, Collection: collection, OwnerField: ownerField, TargetField: targetField}
}

func (p StoragePolicy) String() string {
	switch p.Kind {
	case PolicyLocal, PolicyLocalList, PolicyRemote, PolicyRemoteList:
		return fmt.Sprintf("%s(%s)", p.Kind, p.Field)
	case PolicyLocalAndRemoteList:
		return fmt.Sprintf("%s(%s, %s)", p.Kind, p.OwnerField, p.TargetField)
	case PolicyJoin:
		return fmt.Sprintf("%s(%s, %s, %s)", p.Kind, p.Collection, p.OwnerField, p.TargetField)
	}
	return p.Kind.String()
}

// ReferenceField is a link field an owner document carries for a relationship.
type ReferenceField struct {
	Name string
	List bool
}

// OwnerReferenceFields lists the fields the owner document must carry. An absent scalar field
// means no target and an absent list means an empty one.
func (p StoragePolicy) OwnerReferenceFields() []ReferenceField {
	switch p.Kind {
	case PolicyLocal:
		return []ReferenceField{{Name: p.Field}}
	case PolicyLocalList:
		return []ReferenceField{{Name: p.Field, List: true}}
	case PolicyLocalAndRemoteList:
		return []ReferenceField{{Name: p.OwnerField, List: true}}
	case PolicyRemote, PolicyRemoteList, PolicyJoin:
		return nil
	}
	return nil
}

// Mirror returns the policy the inverse relationship must use to read the same links from the
// other side.
func (p StoragePolicy) Mirror() StoragePolicy {
	switch p.Kind {
	case PolicyLocal:
		return Remote(p.Field)
	case PolicyRemote:
		return Local(p.Field)
	case PolicyLocalList:
		return RemoteList(p.Field)
	case PolicyRemoteList:
		return LocalList(p.Field)
	case PolicyLocalAndRemoteList:
		return LocalAndRemoteList(p.TargetField, p.OwnerField)
	case PolicyJoin:
		return Join(p.Collection, p.TargetField, p.OwnerField)
	}
	return p
}

func (p StoragePolicy) validate() error {
	switch p.Kind {
	case PolicyLocal, PolicyLocalList, PolicyRemote, PolicyRemoteList:
		if p.Field == "" {
			return fmt.Errorf("%w: %s needs a field name", ErrIncompatiblePolicy, p.Kind)
		}
	case PolicyLocalAndRemoteList:
		if p.OwnerField == "" || p.TargetField == "" {
			return fmt.Errorf("%w: %s needs both list field names", ErrIncompatiblePolicy, p.Kind)
		}
	case PolicyJoin:
		if p.Collection == "" || p.OwnerField == "" || p.TargetField == "" {
			return fmt.Errorf("%w: %s needs a collection and two key fields", ErrIncompatiblePolicy, p.Kind)
		}
		if p.OwnerField == p.TargetField {
			return fmt.Errorf("%w: %s key fields must differ", ErrIncompatiblePolicy, p.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
	}
	return nil
}

// ownerMustBeSaved reports whether writing a link needs the owner's id.
func (p StoragePolicy) ownerMustBeSaved() bool {
	switch p.Kind {
	case PolicyLocal, PolicyLocalList:
		return false
	case PolicyRemote, PolicyRemoteList, PolicyLocalAndRemoteList, PolicyJoin:
		return true
	}
	return true
}

// detaches reports whether links of this policy live outside the owner document and have to be
// cleaned up when the owner is removed.
func (p StoragePolicy) detaches() bool {
	switch p.Kind {
	case PolicyLocal, PolicyLocalList:
		return false
	case PolicyRemote, PolicyRemoteList, PolicyLocalAndRemoteList, PolicyJoin:
		return true
	}
	return false
}

// fetchOne loads the single target linked to owner, or nil.
func (p StoragePolicy) fetchOne(ctx context.Context, rel *Relationship, owner *Instance) (*Instance, error) {
	s := owner.session
	target, err := rel.Target()
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case PolicyLocal:
		id, ok := owner.refID(p.Field)
		if !ok {
			return nil, nil
		}
		return s.FindOne(ctx, target, id)
	case PolicyRemote, PolicyRemoteList:
		if !owner.IsSaved() {
			return nil, nil
		}
		return s.FindOne(ctx, target, bson.M{p.Field: owner.id})
	case PolicyJoin:
		if !owner.IsSaved() {
			return nil, nil
		}
		joins, err := s.joinCollection(ctx, p)
		if err != nil {
			return nil, err
		}
		row, err := joins.FindOne(ctx, bson.M{p.OwnerField: owner.id})
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, storageError("read join row", err)
		}
		id, ok := row[p.TargetField].(primitive.ObjectID)
		if !ok {
			return nil, nil
		}
		return s.FindOne(ctx, target, id)
	case PolicyLocalList, PolicyLocalAndRemoteList:
		return nil, fmt.Errorf("%w: %s holds many targets", ErrWrongCardinality, p)
	}
	return nil, fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

// setOne links owner to target, unlinking whatever owner pointed at before.
func (p StoragePolicy) setOne(ctx context.Context, rel *Relationship, owner, target *Instance) error {
	s := owner.session

	switch p.Kind {
	case PolicyLocal:
		if owner.IsSaved() {
			err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
				bson.M{"$set": bson.M{p.Field: target.id}}, false)
			if err != nil {
				return storageError("set "+rel.String(), err)
			}
			s.mirror(owner.id, func(i *Instance) { i.setLink(p.Field, target.id) })
		}
		owner.setLink(p.Field, target.id)
		return nil
	case PolicyRemote:
		coll := s.Collection(target.typ)
		err := coll.UpdateMany(ctx, bson.M{p.Field: owner.id, "_id": bson.M{"$ne": target.id}},
			bson.M{"$unset": bson.M{p.Field: ""}})
		if err != nil {
			return storageError("unlink previous target of "+rel.String(), err)
		}
		s.mirrorLinked(target.typ, p.Field, owner.id, func(i *Instance) {
			if i.id != target.id {
				i.setLink(p.Field, nil)
			}
		})
		err = coll.UpdateOne(ctx, docstore.IDFilter(target.id), bson.M{"$set": bson.M{p.Field: owner.id}}, false)
		if err != nil {
			return storageError("set "+rel.String(), err)
		}
		s.mirror(target.id, func(i *Instance) { i.setLink(p.Field, owner.id) })
		return nil
	case PolicyRemoteList:
		coll := s.Collection(target.typ)
		err := coll.UpdateMany(ctx, bson.M{p.Field: owner.id, "_id": bson.M{"$ne": target.id}},
			bson.M{"$pull": bson.M{p.Field: owner.id}})
		if err != nil {
			return storageError("unlink previous target of "+rel.String(), err)
		}
		s.mirrorLinked(target.typ, p.Field, owner.id, func(i *Instance) {
			if i.id != target.id {
				i.removeLinks(p.Field, owner.id)
			}
		})
		err = coll.UpdateOne(ctx, docstore.IDFilter(target.id), bson.M{"$addToSet": bson.M{p.Field: owner.id}}, false)
		if err != nil {
			return storageError("set "+rel.String(), err)
		}
		s.mirror(target.id, func(i *Instance) { i.addLink(p.Field, owner.id) })
		return nil
	case PolicyJoin:
		joins, err := s.joinCollection(ctx, p)
		if err != nil {
			return err
		}
		if _, err := joins.DeleteMany(ctx, bson.M{p.OwnerField: owner.id, p.TargetField: bson.M{"$ne": target.id}}); err != nil {
			return storageError("unlink previous target of "+rel.String(), err)
		}
		row := bson.M{p.OwnerField: owner.id, p.TargetField: target.id}
		if err := joins.UpdateOne(ctx, row, bson.M{"$set": row}, true); err != nil {
			return storageError("set "+rel.String(), err)
		}
		return nil
	case PolicyLocalList, PolicyLocalAndRemoteList:
		return fmt.Errorf("%w: %s holds many targets", ErrWrongCardinality, p)
	}
	return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

// unsetOne removes owner's single link.
func (p StoragePolicy) unsetOne(ctx context.Context, rel *Relationship, owner *Instance) error {
	s := owner.session

	switch p.Kind {
	case PolicyLocal:
		if owner.IsSaved() {
			err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
				bson.M{"$unset": bson.M{p.Field: ""}}, false)
			if err != nil {
				return storageError("unset "+rel.String(), err)
			}
			s.mirror(owner.id, func(i *Instance) { i.setLink(p.Field, nil) })
		}
		owner.setLink(p.Field, nil)
		return nil
	case PolicyRemote, PolicyRemoteList, PolicyJoin:
		if !owner.IsSaved() {
			return nil
		}
		return p.detach(ctx, rel, owner)
	case PolicyLocalList, PolicyLocalAndRemoteList:
		return fmt.Errorf("%w: %s holds many targets", ErrWrongCardinality, p)
	}
	return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

// scopeFilter is the filter on the target collection selecting exactly owner's targets.
func (p StoragePolicy) scopeFilter(ctx context.Context, rel *Relationship, owner *Instance) (bson.M, error) {
	switch p.Kind {
	case PolicyRemote, PolicyRemoteList:
		if !owner.IsSaved() {
			return inFilter(nil), nil
		}
		return bson.M{p.Field: owner.id}, nil
	case PolicyLocalList:
		return inFilter(owner.refIDs(p.Field)), nil
	case PolicyLocalAndRemoteList:
		return inFilter(owner.refIDs(p.OwnerField)), nil
	case PolicyJoin:
		if !owner.IsSaved() {
			return inFilter(nil), nil
		}
		ids, err := p.joinedIDs(ctx, owner)
		if err != nil {
			return nil, err
		}
		return inFilter(ids), nil
	case PolicyLocal:
		return nil, fmt.Errorf("%w: %s holds a single target", ErrWrongCardinality, p)
	}
	return nil, fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

func (p StoragePolicy) joinedIDs(ctx context.Context, owner *Instance) ([]primitive.ObjectID, error) {
	joins, err := owner.session.joinCollection(ctx, p)
	if err != nil {
		return nil, err
	}
	cur, err := joins.Find(ctx, bson.M{p.OwnerField: owner.id})
	if err != nil {
		return nil, storageError("read join rows", err)
	}
	defer cur.Close(ctx)

	ids := []primitive.ObjectID{}
	for cur.Next(ctx) {
		var row bson.M
		if err := cur.Decode(&row); err != nil {
			return nil, storageError("decode join row", err)
		}
		if id, ok := row[p.TargetField].(primitive.ObjectID); ok {
			ids = append(ids, id)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, storageError("read join rows", err)
	}
	return ids, nil
}

// add links target into owner's many valued relationship. Adding an existing link is a no-op.
func (p StoragePolicy) add(ctx context.Context, rel *Relationship, owner, target *Instance) error {
	s := owner.session

	switch p.Kind {
	case PolicyRemote:
		err := s.Collection(target.typ).UpdateOne(ctx, docstore.IDFilter(target.id),
			bson.M{"$set": bson.M{p.Field: owner.id}}, false)
		if err != nil {
			return storageError("add to "+rel.String(), err)
		}
		s.mirror(target.id, func(i *Instance) { i.setLink(p.Field, owner.id) })
		return nil
	case PolicyRemoteList:
		err := s.Collection(target.typ).UpdateOne(ctx, docstore.IDFilter(target.id),
			bson.M{"$addToSet": bson.M{p.Field: owner.id}}, false)
		if err != nil {
			return storageError("add to "+rel.String(), err)
		}
		s.mirror(target.id, func(i *Instance) { i.addLink(p.Field, owner.id) })
		return nil
	case PolicyLocalList:
		if rel.kind == KindOneToMany {
			// a target has a single owner
			err := s.Collection(owner.typ).UpdateMany(ctx, bson.M{p.Field: target.id, "_id": bson.M{"$ne": owner.id}},
				bson.M{"$pull": bson.M{p.Field: target.id}})
			if err != nil {
				return storageError("unlink previous owner in "+rel.String(), err)
			}
			s.mirrorLinked(owner.typ, p.Field, target.id, func(i *Instance) {
				if i.id != owner.id {
					i.removeLinks(p.Field, target.id)
				}
			})
		}
		if owner.IsSaved() {
			err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
				bson.M{"$addToSet": bson.M{p.Field: target.id}}, false)
			if err != nil {
				return storageError("add to "+rel.String(), err)
			}
			s.mirror(owner.id, func(i *Instance) { i.addLink(p.Field, target.id) })
		}
		owner.addLink(p.Field, target.id)
		return nil
	case PolicyLocalAndRemoteList:
		err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
			bson.M{"$addToSet": bson.M{p.OwnerField: target.id}}, false)
		if err != nil {
			return storageError("add to "+rel.String(), err)
		}
		s.mirror(owner.id, func(i *Instance) { i.addLink(p.OwnerField, target.id) })

		err = s.Collection(target.typ).UpdateOne(ctx, docstore.IDFilter(target.id),
			bson.M{"$addToSet": bson.M{p.TargetField: owner.id}}, false)
		if err != nil {
			return s.partial(rel, "owner list "+p.OwnerField, "target list "+p.TargetField, err)
		}
		s.mirror(target.id, func(i *Instance) { i.addLink(p.TargetField, owner.id) })
		return nil
	case PolicyJoin:
		joins, err := s.joinCollection(ctx, p)
		if err != nil {
			return err
		}
		if rel.kind == KindOneToMany {
			if _, err := joins.DeleteMany(ctx, bson.M{p.TargetField: target.id, p.OwnerField: bson.M{"$ne": owner.id}}); err != nil {
				return storageError("unlink previous owner in "+rel.String(), err)
			}
		}
		row := bson.M{p.OwnerField: owner.id, p.TargetField: target.id}
		if err := joins.UpdateOne(ctx, row, bson.M{"$set": row}, true); err != nil {
			return storageError("add to "+rel.String(), err)
		}
		return nil
	case PolicyLocal:
		return fmt.Errorf("%w: %s holds a single target", ErrWrongCardinality, p)
	}
	return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

// remove unlinks the targets with the given ids from owner. Target documents are kept.
func (p StoragePolicy) remove(ctx context.Context, rel *Relationship, owner *Instance, ids []primitive.ObjectID) error {
	s := owner.session
	target, err := rel.Target()
	if err != nil {
		return err
	}

	switch p.Kind {
	case PolicyRemote:
		err := s.Collection(target).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}, p.Field: owner.id},
			bson.M{"$unset": bson.M{p.Field: ""}})
		if err != nil {
			return storageError("remove from "+rel.String(), err)
		}
		s.mirrorLinked(target, p.Field, owner.id, func(i *Instance) {
			if containsID(ids, i.id) {
				i.setLink(p.Field, nil)
			}
		})
		return nil
	case PolicyRemoteList:
		err := s.Collection(target).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}},
			bson.M{"$pull": bson.M{p.Field: owner.id}})
		if err != nil {
			return storageError("remove from "+rel.String(), err)
		}
		for _, id := range ids {
			s.mirror(id, func(i *Instance) { i.removeLinks(p.Field, owner.id) })
		}
		return nil
	case PolicyLocalList:
		if owner.IsSaved() {
			err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
				bson.M{"$pull": bson.M{p.Field: bson.M{"$in": ids}}}, false)
			if err != nil {
				return storageError("remove from "+rel.String(), err)
			}
			s.mirror(owner.id, func(i *Instance) { i.removeLinks(p.Field, ids...) })
		}
		owner.removeLinks(p.Field, ids...)
		return nil
	case PolicyLocalAndRemoteList:
		err := s.Collection(owner.typ).UpdateOne(ctx, docstore.IDFilter(owner.id),
			bson.M{"$pull": bson.M{p.OwnerField: bson.M{"$in": ids}}}, false)
		if err != nil {
			return storageError("remove from "+rel.String(), err)
		}
		s.mirror(owner.id, func(i *Instance) { i.removeLinks(p.OwnerField, ids...) })

		err = s.Collection(target).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}},
			bson.M{"$pull": bson.M{p.TargetField: owner.id}})
		if err != nil {
			return s.partial(rel, "owner list "+p.OwnerField, "target list "+p.TargetField, err)
		}
		for _, id := range ids {
			s.mirror(id, func(i *Instance) { i.removeLinks(p.TargetField, owner.id) })
		}
		return nil
	case PolicyJoin:
		joins, err := s.joinCollection(ctx, p)
		if err != nil {
			return err
		}
		if _, err := joins.DeleteMany(ctx, bson.M{p.OwnerField: owner.id, p.TargetField: bson.M{"$in": ids}}); err != nil {
			return storageError("remove from "+rel.String(), err)
		}
		return nil
	case PolicyLocal:
		return fmt.Errorf("%w: %s holds a single target", ErrWrongCardinality, p)
	}
	return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

// detach drops every link to owner that is stored outside owner's own document.
func (p StoragePolicy) detach(ctx context.Context, rel *Relationship, owner *Instance) error {
	if !p.detaches() {
		return nil
	}
	s := owner.session
	target, err := rel.Target()
	if err != nil {
		return err
	}

	switch p.Kind {
	case PolicyLocal, PolicyLocalList:
		return nil
	case PolicyRemote:
		err := s.Collection(target).UpdateMany(ctx, bson.M{p.Field: owner.id}, bson.M{"$unset": bson.M{p.Field: ""}})
		if err != nil {
			return storageError("detach "+rel.String(), err)
		}
		s.mirrorLinked(target, p.Field, owner.id, func(i *Instance) { i.setLink(p.Field, nil) })
		return nil
	case PolicyRemoteList:
		err := s.Collection(target).UpdateMany(ctx, bson.M{p.Field: owner.id}, bson.M{"$pull": bson.M{p.Field: owner.id}})
		if err != nil {
			return storageError("detach "+rel.String(), err)
		}
		s.mirrorLinked(target, p.Field, owner.id, func(i *Instance) { i.removeLinks(p.Field, owner.id) })
		return nil
	case PolicyLocalAndRemoteList:
		err := s.Collection(target).UpdateMany(ctx, bson.M{p.TargetField: owner.id}, bson.M{"$pull": bson.M{p.TargetField: owner.id}})
		if err != nil {
			return storageError("detach "+rel.String(), err)
		}
		s.mirrorLinked(target, p.TargetField, owner.id, func(i *Instance) { i.removeLinks(p.TargetField, owner.id) })
		return nil
	case PolicyJoin:
		joins, err := s.joinCollection(ctx, p)
		if err != nil {
			return err
		}
		if _, err := joins.DeleteMany(ctx, bson.M{p.OwnerField: owner.id}); err != nil {
			return storageError("detach "+rel.String(), err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown policy kind %d", ErrIncompatiblePolicy, int(p.Kind))
}

func inFilter(ids []primitive.ObjectID) bson.M {
	if ids == nil {
		ids = []primitive.ObjectID{}
	}
	return bson.M{"_id": bson.M{"$in": ids}}
}

func containsID(ids []primitive.ObjectID, id primitive.ObjectID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
