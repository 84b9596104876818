package engine

import (
	"fmt"

	"docrel/src/helpers"

	"go.mongodb.org/mongo-driver/bson"
)

// ModelType is a named model bound to one collection. Its relationship table grows when other
// types declare inverses pointing at it.
type ModelType struct {
	// Name is the unique name the type is registered under.
	name string

	// Collection holds the documents of this type.
	collection string

	registry *Registry

	// Relationships by field name, plus declaration order for cascades.
	relationships map[string]*Relationship
	order         []*Relationship

	validator Validator

	// declared are the relationships given to Define, attached one by one.
	declared []declaration
	declErr  error
}

type declaration struct {
	field string
	rel   *Relationship
}

// Validator checks an instance's ordinary fields before it is saved.
type Validator interface {
	Validate(fields bson.M) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(fields bson.M) error

func (f ValidatorFunc) Validate(fields bson.M) error {
	return f(fields)
}

// ModelOption configures a model type during Registry.Define.
type ModelOption func(*ModelType)

// WithCollection overrides the default collection name.
func WithCollection(name string) ModelOption {
	return func(t *ModelType) {
		t.collection = name
	}
}

// WithRelationship declares rel on the field called name.
func WithRelationship(name string, rel *Relationship) ModelOption {
	return func(t *ModelType) {
		if rel == nil {
			t.declErr = fmt.Errorf("relationship %s.%s is nil", t.name, name)
			return
		}
		for _, d := range t.declared {
			if d.field == name {
				t.declErr = fmt.Errorf("%w: relationship %s.%s declared twice", ErrInverseMismatch, t.name, name)
				return
			}
		}
		t.declared = append(t.declared, declaration{field: name, rel: rel})
	}
}

func WithValidator(v Validator) ModelOption {
	return func(t *ModelType) {
		t.validator = v
	}
}

// DefaultCollectionName is the lower-cased short type name with "s" appended, or "es" when the
// name already ends in "s".
func DefaultCollectionName(typeName string) string {
	return helpers.Pluralize(helpers.ShortTypeName(typeName))
}

func (t *ModelType) Name() string {
	return t.name
}

func (t *ModelType) CollectionName() string {
	return t.collection
}

func (t *ModelType) Registry() *Registry {
	return t.registry
}

// Relationship returns the relationship declared or synthesized on field name.
func (t *ModelType) Relationship(name string) (*Relationship, bool) {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()
	rel, ok := t.relationships[name]
	return rel, ok
}

// Relationships returns every relationship of the type in declaration order. Synthesized inverses
// come after the type's own declarations.
func (t *ModelType) Relationships() []*Relationship {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()
	return append([]*Relationship(nil), t.order...)
}

// ReferenceFields lists the link fields documents of this type carry.
func (t *ModelType) ReferenceFields() []ReferenceField {
	var fields []ReferenceField
	seen := make(map[string]bool)
	for _, rel := range t.Relationships() {
		for _, f := range rel.Policy().OwnerReferenceFields() {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			fields = append(fields, f)
		}
	}
	return fields
}

func (t *ModelType) referenceField(name string) (ReferenceField, bool) {
	for _, f := range t.ReferenceFields() {
		if f.Name == name {
			return f, true
		}
	}
	return ReferenceField{}, false
}

// needsPerInstanceRemoval reports whether removing documents of this type has to visit each one.
func (t *ModelType) needsPerInstanceRemoval() bool {
	for _, rel := range t.Relationships() {
		if rel.Cascades() || rel.Policy().detaches() {
			return true
		}
	}
	return false
}

// declaredLater reports whether field is among the declarations still waiting to be attached.
func (t *ModelType) declaredLater(field string) bool {
	for _, d := range t.declared {
		if d.field == field && d.rel.state == stateDeclared {
			return true
		}
	}
	return false
}

// addRelationship must be called with the registry lock held.
func (t *ModelType) addRelationship(tx *defineTx, rel *Relationship) error {
	if _, exists := t.relationships[rel.name]; exists {
		return fmt.Errorf("%w: %s.%s is already declared", ErrInverseMismatch, t.name, rel.name)
	}
	t.relationships[rel.name] = rel
	t.order = append(t.order, rel)
	tx.onRollback(func() {
		delete(t.relationships, rel.name)
		for i, r := range t.order {
			if r == rel {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (t *ModelType) removeRelationship(tx *defineTx, rel *Relationship) {
	pos := -1
	for i, r := range t.order {
		if r == rel {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}
	delete(t.relationships, rel.name)
	t.order = append(t.order[:pos:pos], t.order[pos+1:]...)
	tx.onRollback(func() {
		t.relationships[rel.name] = rel
		t.order = append(t.order[:pos:pos], append([]*Relationship{rel}, t.order[pos:]...)...)
	})
}

func (t *ModelType) String() string {
	return fmt.Sprintf("%s(%s)", t.name, t.collection)
}
