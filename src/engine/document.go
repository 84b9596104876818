package engine

import (
	"context"
	"fmt"

	"docrel/src/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Instance is an in-memory copy of one document of a model type. Several instances may share an
// id within a session; relationship mutations made through one are mirrored into the others.
type Instance struct {
	typ     *ModelType
	session *Session

	// id is zero until the instance is saved.
	id primitive.ObjectID

	// fields are the ordinary fields; refs hold the link fields of the type's relationships.
	// A scalar link is a primitive.ObjectID or nil, a list link a []primitive.ObjectID.
	fields bson.M
	refs   map[string]interface{}

	// related memoizes single valued relationship targets by relationship name.
	related map[string]*Instance

	removed bool
}

func newInstance(s *Session, t *ModelType) *Instance {
	return &Instance{
		typ:     t,
		session: s,
		fields:  bson.M{},
		refs:    make(map[string]interface{}),
		related: make(map[string]*Instance),
	}
}

func (i *Instance) Type() *ModelType {
	return i.typ
}

func (i *Instance) Session() *Session {
	return i.session
}

// ID returns the document id; it is zero for unsaved instances.
func (i *Instance) ID() primitive.ObjectID {
	return i.id
}

func (i *Instance) IsSaved() bool {
	return !i.id.IsZero()
}

func (i *Instance) IsRemoved() bool {
	return i.removed
}

// AssertSaved fails unless the instance has been saved and not removed since.
func (i *Instance) AssertSaved() error {
	if i.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, i)
	}
	if !i.IsSaved() {
		return fmt.Errorf("%w: %s", ErrUnsavedInstance, i)
	}
	return nil
}

// Get returns an ordinary field.
func (i *Instance) Get(name string) (interface{}, bool) {
	v, ok := i.fields[name]
	return v, ok
}

// Set assigns an ordinary field. Link fields are changed through relationships only.
func (i *Instance) Set(name string, value interface{}) error {
	if name == "_id" {
		return fmt.Errorf("_id of %s cannot be set", i.typ.name)
	}
	if _, ok := i.typ.referenceField(name); ok {
		return fmt.Errorf("%s.%s is a link field; set it through its relationship", i.typ.name, name)
	}
	i.fields[name] = value
	return nil
}

// Fields returns a copy of the ordinary fields.
func (i *Instance) Fields() bson.M {
	out := make(bson.M, len(i.fields))
	for k, v := range i.fields {
		out[k] = v
	}
	return out
}

// ReferenceFields returns a copy of the link fields the document carries.
func (i *Instance) ReferenceFields() bson.M {
	out := make(bson.M, len(i.refs))
	for k, v := range i.refs {
		if ids, ok := v.([]primitive.ObjectID); ok {
			out[k] = append([]primitive.ObjectID{}, ids...)
			continue
		}
		out[k] = v
	}
	return out
}

// Document renders the stored form of the instance.
func (i *Instance) Document() bson.M {
	doc := i.Fields()
	for k, v := range i.refs {
		switch link := v.(type) {
		case nil:
		case []primitive.ObjectID:
			doc[k] = append([]primitive.ObjectID{}, link...)
		default:
			doc[k] = link
		}
	}
	if i.IsSaved() {
		doc["_id"] = i.id
	}
	return doc
}

// Save validates the instance and writes it. The first save assigns a fresh id and starts
// tracking the instance; later saves replace the stored document.
func (i *Instance) Save(ctx context.Context) error {
	if i.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, i)
	}
	if v := i.typ.validator; v != nil {
		if err := v.Validate(i.Fields()); err != nil {
			return fmt.Errorf("validate %s: %w", i.typ.name, err)
		}
	}

	coll := i.session.Collection(i.typ)
	if i.IsSaved() {
		if err := coll.ReplaceOne(ctx, docstore.IDFilter(i.id), i.Document(), true); err != nil {
			return storageError("save "+i.typ.name, err)
		}
		return nil
	}

	id := primitive.NewObjectID()
	doc := i.Document()
	doc["_id"] = id
	if err := coll.InsertOne(ctx, doc); err != nil {
		return storageError("save "+i.typ.name, err)
	}
	i.id = id
	i.session.Track(i)
	i.session.logger.Debugf("Saved new %s", i)
	return nil
}

// Remove deletes the instance's document. Cascading relationships remove their targets first,
// in declaration order, then links stored outside the document are dropped. Every live copy of
// the document in the session is marked removed.
func (i *Instance) Remove(ctx context.Context) error {
	if err := i.AssertSaved(); err != nil {
		return err
	}
	s := i.session
	id := i.id
	if s.removing[id] {
		return nil
	}
	s.removing[id] = true
	defer delete(s.removing, id)

	rels := i.typ.Relationships()
	for _, rel := range rels {
		if !rel.Cascades() {
			continue
		}
		if err := rel.cascadeRemove(ctx, i); err != nil {
			return fmt.Errorf("cascade %s: %w", rel, err)
		}
	}
	for _, rel := range rels {
		if err := rel.Policy().detach(ctx, rel, i); err != nil {
			return err
		}
	}

	if _, err := s.Collection(i.typ).DeleteMany(ctx, docstore.IDFilter(id)); err != nil {
		return storageError("remove "+i.typ.name, err)
	}
	s.markRemoved(id)
	i.markRemoved()
	s.record("remove", i.typ.name, id.Hex())
	s.logger.Debugf("Removed %s %s", i.typ.name, id.Hex())
	return nil
}

// Equal reports whether both instances denote the same stored document.
func (i *Instance) Equal(other *Instance) bool {
	if i == other {
		return true
	}
	if i == nil || other == nil || !i.IsSaved() || !other.IsSaved() {
		return false
	}
	return i.typ.name == other.typ.name && i.id == other.id
}

// Related returns the target of the single valued relationship name, or nil.
func (i *Instance) Related(ctx context.Context, name string) (*Instance, error) {
	rel, err := i.relationship(name)
	if err != nil {
		return nil, err
	}
	return rel.Get(ctx, i)
}

// SetRelated links the single valued relationship name to target; a nil target unlinks it.
func (i *Instance) SetRelated(ctx context.Context, name string, target *Instance) error {
	rel, err := i.relationship(name)
	if err != nil {
		return err
	}
	return rel.Set(ctx, i, target)
}

// Many returns the collection proxy of the many valued relationship name.
func (i *Instance) Many(name string) (*ManyProxy, error) {
	rel, err := i.relationship(name)
	if err != nil {
		return nil, err
	}
	return rel.Many(i)
}

func (i *Instance) relationship(name string) (*Relationship, error) {
	rel, ok := i.typ.Relationship(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, i.typ.name, name)
	}
	return rel, nil
}

func (i *Instance) String() string {
	if !i.IsSaved() {
		return fmt.Sprintf("<%s (unsaved)>", i.typ.name)
	}
	return fmt.Sprintf("<%s %s>", i.typ.name, i.id.Hex())
}

func (i *Instance) markRemoved() {
	i.removed = true
	i.id = primitive.NilObjectID
	i.related = make(map[string]*Instance)
}

// refID returns the scalar link held in field.
func (i *Instance) refID(field string) (primitive.ObjectID, bool) {
	ids := i.linkIDs(field)
	if len(ids) == 0 {
		return primitive.NilObjectID, false
	}
	return ids[0], true
}

// refIDs returns a copy of the list link held in field.
func (i *Instance) refIDs(field string) []primitive.ObjectID {
	return append([]primitive.ObjectID{}, i.linkIDs(field)...)
}

// linkIDs reads a link field as a list, whether it is a declared reference field or an ordinary
// field written by the other side of a relationship.
func (i *Instance) linkIDs(field string) []primitive.ObjectID {
	if v, ok := i.refs[field]; ok {
		return toIDs(v)
	}
	return toIDs(i.fields[field])
}

// setLink stores a scalar link value, nil meaning unset, and drops memoized targets.
func (i *Instance) setLink(field string, value interface{}) {
	if id, ok := value.(primitive.ObjectID); ok && id.IsZero() {
		value = nil
	}
	if _, declared := i.typ.referenceField(field); declared {
		i.refs[field] = value
	} else if value == nil {
		delete(i.fields, field)
	} else {
		i.fields[field] = value
	}
	i.resetRelated()
}

func (i *Instance) addLink(field string, id primitive.ObjectID) {
	ids := i.linkIDs(field)
	if containsID(ids, id) {
		return
	}
	i.storeList(field, append(append([]primitive.ObjectID{}, ids...), id))
}

func (i *Instance) removeLinks(field string, ids ...primitive.ObjectID) {
	current := i.linkIDs(field)
	kept := make([]primitive.ObjectID, 0, len(current))
	for _, id := range current {
		if !containsID(ids, id) {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(current) {
		return
	}
	i.storeList(field, kept)
}

func (i *Instance) storeList(field string, ids []primitive.ObjectID) {
	if _, declared := i.typ.referenceField(field); declared {
		i.refs[field] = ids
	} else {
		i.fields[field] = ids
	}
	i.resetRelated()
}

func (i *Instance) resetRelated() {
	if len(i.related) > 0 {
		i.related = make(map[string]*Instance)
	}
}
