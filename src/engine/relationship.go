package engine

import (
	"fmt"
	"strings"

	"docrel/src/helpers"
)

// Kind is the cardinality of a relationship.
type Kind int

const (
	// KindOne is a single valued link with no inverse.
	KindOne Kind = iota + 1
	KindOneToOne
	KindManyToOne
	KindOneToMany
	KindManyToMany
)

func (k Kind) String() string {
	switch k {
	case KindOne:
		return "One"
	case KindOneToOne:
		return "OneToOne"
	case KindManyToOne:
		return "ManyToOne"
	case KindOneToMany:
		return "OneToMany"
	case KindManyToMany:
		return "ManyToMany"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Many reports whether the owner side holds a collection of targets.
func (k Kind) Many() bool {
	return k == KindOneToMany || k == KindManyToMany
}

func (k Kind) inverseKind() (Kind, bool) {
	switch k {
	case KindOneToOne:
		return KindOneToOne, true
	case KindManyToOne:
		return KindOneToMany, true
	case KindOneToMany:
		return KindManyToOne, true
	case KindManyToMany:
		return KindManyToMany, true
	}
	return 0, false
}

// allows reports whether relationships of this kind can be stored with policy kind p.
func (k Kind) allows(p PolicyKind) bool {
	switch k {
	case KindOne, KindOneToOne:
		return p == PolicyLocal || p == PolicyRemote || p == PolicyJoin
	case KindManyToOne:
		return p == PolicyLocal || p == PolicyRemoteList || p == PolicyJoin
	case KindOneToMany:
		return p == PolicyRemote || p == PolicyLocalList || p == PolicyJoin
	case KindManyToMany:
		return p == PolicyLocalList || p == PolicyRemoteList || p == PolicyLocalAndRemoteList || p == PolicyJoin
	}
	return false
}

type state int

const (
	stateDeclared state = iota
	stateAttached
	stateResolved
)

// typeRef names a model type that may not be defined yet and remembers it once it is.
type typeRef struct {
	name string
	typ  *ModelType
}

// Relationship is a declared link from an owner type to a target type. It is built by one of
// the kind constructors and bound to an owner field by WithRelationship.
type Relationship struct {
	kind        Kind
	target      typeRef
	inverseName string
	cascade     bool

	policy         StoragePolicy
	explicitPolicy bool

	// Set when attached.
	owner    *ModelType
	name     string
	registry *Registry
	inverse  *Relationship

	synthesized bool
	state       state
}

// Option configures a relationship declaration.
type Option func(*Relationship)

// Inverse names the relationship on the target type that reads the same links backwards.
func Inverse(name string) Option {
	return func(r *Relationship) {
		r.inverseName = name
	}
}

// Cascade removes the targets when the owner is removed.
func Cascade() Option {
	return func(r *Relationship) {
		r.cascade = true
	}
}

// Using overrides the default storage policy.
func Using(p StoragePolicy) Option {
	return func(r *Relationship) {
		r.policy = p
		r.explicitPolicy = true
	}
}

func newRelationship(kind Kind, target string, opts []Option) *Relationship {
	r := &Relationship{kind: kind, target: typeRef{name: target}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// One is a single valued link with no inverse.
func One(target string, opts ...Option) *Relationship {
	return newRelationship(KindOne, target, opts)
}

func OneToOne(target string, opts ...Option) *Relationship {
	return newRelationship(KindOneToOne, target, opts)
}

func ManyToOne(target string, opts ...Option) *Relationship {
	return newRelationship(KindManyToOne, target, opts)
}

func OneToMany(target string, opts ...Option) *Relationship {
	return newRelationship(KindOneToMany, target, opts)
}

func ManyToMany(target string, opts ...Option) *Relationship {
	return newRelationship(KindManyToMany, target, opts)
}

func (r *Relationship) Kind() Kind {
	return r.kind
}

// Name is the owner field the relationship is attached to.
func (r *Relationship) Name() string {
	return r.name
}

func (r *Relationship) Owner() *ModelType {
	return r.owner
}

func (r *Relationship) TargetName() string {
	return r.target.name
}

// Target resolves the target type, looking it up by name on first use.
func (r *Relationship) Target() (*ModelType, error) {
	if r.registry == nil {
		return nil, fmt.Errorf("%w: %s is not attached to a model type", ErrUnresolvedType, r.target.name)
	}
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()

	if r.target.typ == nil {
		t := r.registry.lookupLocked(r.target.name)
		if t == nil {
			return nil, fmt.Errorf("%w: %s referenced by %s", ErrUnresolvedType, r.target.name, r)
		}
		r.target.typ = t
		if r.inverseName == "" || r.inverse != nil {
			r.state = stateResolved
		}
	}
	return r.target.typ, nil
}

// Inverse returns the paired relationship on the target type, or nil.
func (r *Relationship) Inverse() *Relationship {
	if r.registry == nil {
		return nil
	}
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	return r.inverse
}

func (r *Relationship) InverseName() string {
	if r.registry == nil {
		return r.inverseName
	}
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	return r.inverseName
}

func (r *Relationship) Cascades() bool {
	return r.cascade
}

// Policy is the storage policy in effect. A defaulted policy can change while the inverse is
// being linked.
func (r *Relationship) Policy() StoragePolicy {
	if r.registry == nil {
		return r.policy
	}
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	return r.policy
}

// Synthesized reports whether the relationship was created as the inverse of another one.
func (r *Relationship) Synthesized() bool {
	return r.synthesized
}

// Resolved reports whether the target type and, if one was named, the inverse are both bound.
func (r *Relationship) Resolved() bool {
	if r.registry == nil {
		return false
	}
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	return r.state == stateResolved
}

func (r *Relationship) String() string {
	owner := "?"
	if r.owner != nil {
		owner = r.owner.name
	}
	name := r.name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s.%s(%s -> %s)", owner, name, r.kind, r.target.name)
}

// defaultPolicy is the layout used when none was given. Field names derive from the owner field,
// the inverse name, or the short type names.
func (r *Relationship) defaultPolicy() StoragePolicy {
	switch r.kind {
	case KindOne, KindOneToOne, KindManyToOne:
		return Local(r.name + "_id")
	case KindOneToMany:
		if r.inverseName != "" {
			return Remote(r.inverseName + "_id")
		}
		return Remote(shortName(r.owner.name) + "_id")
	case KindManyToMany:
		ownerField, targetField := shortName(r.owner.name)+"_id", shortName(r.target.name)+"_id"
		if ownerField == targetField {
			targetField = r.name + "_id"
		}
		return Join(r.owner.collection+"_"+r.name, ownerField, targetField)
	}
	return StoragePolicy{}
}

func (r *Relationship) checkPolicy() error {
	if err := r.policy.validate(); err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	if !r.kind.allows(r.policy.Kind) {
		return fmt.Errorf("%w: %s cannot be stored with %s", ErrIncompatiblePolicy, r, r.policy)
	}
	return nil
}

func shortName(typeName string) string {
	return strings.ToLower(helpers.ShortTypeName(typeName))
}
