package engine

import (
	"fmt"
	"sort"
	"sync"

	"docrel/src/docstore"

	"go.uber.org/zap"
)

// Registry is the process wide table of model types and of inverses waiting for their target
// type to be defined. Define is serialized by the registry lock.
type Registry struct {
	mu sync.Mutex

	types map[string]*ModelType

	// pending[targetName][inverseName] is the relationship that named inverseName on a target
	// type that did not exist yet.
	pending map[string]map[string]*Relationship

	logger *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		types:   make(map[string]*ModelType),
		pending: make(map[string]map[string]*Relationship),
		logger:  logger,
	}
}

// Define registers a model type. Relationships are attached in the order given; if any of them
// fails, every change made by this call is undone and the registry is left as it was.
func (r *Registry) Define(name string, opts ...ModelOption) (*ModelType, error) {
	if name == "" {
		return nil, fmt.Errorf("model type name is empty")
	}

	mt := &ModelType{
		name:          name,
		collection:    DefaultCollectionName(name),
		registry:      r,
		relationships: make(map[string]*Relationship),
	}
	for _, opt := range opts {
		opt(mt)
	}
	if mt.declErr != nil {
		return nil, fmt.Errorf("define %s: %w", name, mt.declErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.types[name]
	if exists && previous.collection != mt.collection {
		return nil, fmt.Errorf("%w: %s is bound to '%s', not '%s'", ErrDuplicateType, name, previous.collection, mt.collection)
	}

	tx := &defineTx{}
	if exists {
		r.unlink(tx, previous)
	}
	for _, d := range mt.declared {
		if err := r.attach(tx, mt, d.field, d.rel); err != nil {
			tx.rollback()
			return nil, fmt.Errorf("define %s: %w", name, err)
		}
	}

	r.types[name] = mt
	tx.onRollback(func() {
		if exists {
			r.types[name] = previous
		} else {
			delete(r.types, name)
		}
	})

	if err := r.consumePending(tx, mt); err != nil {
		tx.rollback()
		return nil, fmt.Errorf("define %s: %w", name, err)
	}

	if exists {
		r.repoint(previous, mt)
		r.logger.Warnf("Model type '%s' redefined", name)
	} else {
		r.logger.Debugf("Defined model type %s with %d relationships", mt, len(mt.order))
	}
	return mt, nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*ModelType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedType, name)
	}
	return t, nil
}

// Types returns every registered type sorted by name.
func (r *Registry) Types() []*ModelType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]*ModelType, 0, len(r.types))
	for _, t := range r.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].name < types[j].name })
	return types
}

// Pending lists the inverse names still waiting on each undefined target type.
func (r *Registry) Pending() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.pending))
	for target, entries := range r.pending {
		for inverse := range entries {
			out[target] = append(out[target], inverse)
		}
		sort.Strings(out[target])
	}
	return out
}

// Clear forgets every type and pending inverse.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]*ModelType)
	r.pending = make(map[string]map[string]*Relationship)
	r.logger.Debug("Registry cleared")
}

// NewSession opens a unit of work over db.
func (r *Registry) NewSession(db docstore.Database, opts ...SessionOption) *Session {
	s := newSession(r, db)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// lookupLocked must be called with the lock held.
func (r *Registry) lookupLocked(name string) *ModelType {
	return r.types[name]
}

// attach binds rel to owner under field and resolves what can be resolved now.
func (r *Registry) attach(tx *defineTx, owner *ModelType, field string, rel *Relationship) error {
	if rel.state != stateDeclared {
		return fmt.Errorf("%w: relationship for %s.%s is already attached to %s", ErrInverseMismatch, owner.name, field, rel)
	}
	if rel.kind == KindOne && rel.inverseName != "" {
		return fmt.Errorf("%w: %s.%s is a One relationship and cannot name inverse '%s'",
			ErrInvalidInverseUsage, owner.name, field, rel.inverseName)
	}

	prevPolicy := rel.policy
	rel.owner = owner
	rel.name = field
	rel.registry = r
	if !rel.explicitPolicy {
		rel.policy = rel.defaultPolicy()
	}
	tx.onRollback(func() {
		rel.owner = nil
		rel.name = ""
		rel.registry = nil
		rel.policy = prevPolicy
		rel.target.typ = nil
		rel.inverse = nil
		rel.state = stateDeclared
	})

	if err := rel.checkPolicy(); err != nil {
		return err
	}
	if err := owner.addRelationship(tx, rel); err != nil {
		return err
	}
	rel.state = stateAttached

	target := r.lookupLocked(rel.target.name)
	if rel.target.name == owner.name {
		target = owner
	}
	if target != nil {
		rel.target.typ = target
	}

	if rel.inverseName == "" {
		if target != nil {
			rel.state = stateResolved
		}
		return nil
	}

	if target == nil {
		return r.addPending(tx, rel)
	}
	return r.linkInverse(tx, rel, target)
}

func (r *Registry) addPending(tx *defineTx, rel *Relationship) error {
	entries, ok := r.pending[rel.target.name]
	if !ok {
		entries = make(map[string]*Relationship)
		r.pending[rel.target.name] = entries
	}
	if other, dup := entries[rel.inverseName]; dup {
		return fmt.Errorf("%w: inverse %s.%s is already claimed by %s", ErrInverseMismatch, rel.target.name, rel.inverseName, other)
	}
	entries[rel.inverseName] = rel
	tx.onRollback(func() {
		delete(entries, rel.inverseName)
		if len(entries) == 0 {
			delete(r.pending, rel.target.name)
		}
	})
	r.logger.Debugf("Deferred inverse %s.%s of %s until %s is defined", rel.target.name, rel.inverseName, rel, rel.target.name)
	return nil
}

// consumePending links every inverse that was waiting for t.
func (r *Registry) consumePending(tx *defineTx, t *ModelType) error {
	entries, ok := r.pending[t.name]
	if !ok {
		return nil
	}
	delete(r.pending, t.name)
	tx.onRollback(func() { r.pending[t.name] = entries })

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel := entries[name]
		prevTarget := rel.target.typ
		rel.target.typ = t
		tx.onRollback(func() { rel.target.typ = prevTarget })
		if err := r.linkInverse(tx, rel, t); err != nil {
			return err
		}
	}
	return nil
}

// linkInverse pairs rel with the relationship called rel.inverseName on target, validating an
// existing declaration or synthesizing the inverse when there is none.
func (r *Registry) linkInverse(tx *defineTx, rel *Relationship, target *ModelType) error {
	expected, ok := rel.kind.inverseKind()
	if !ok {
		return fmt.Errorf("%w: %s has no inverse kind", ErrInvalidInverseUsage, rel)
	}

	existing, found := target.relationships[rel.inverseName]
	if !found {
		if target == rel.owner && target.declaredLater(rel.inverseName) {
			// the later declaration links back to rel when it is attached
			return nil
		}
		return r.synthesizeInverse(tx, rel, target, expected)
	}

	if existing == rel {
		return fmt.Errorf("%w: %s cannot be its own inverse", ErrInverseMismatch, rel)
	}
	if existing.inverse == rel {
		rel.state = stateResolved
		return nil
	}
	if existing.kind != expected {
		return fmt.Errorf("%w: %s is %s but the inverse of %s must be %s", ErrInverseMismatch, existing, existing.kind, rel, expected)
	}
	if existing.target.name != rel.owner.name {
		return fmt.Errorf("%w: %s targets %s, not %s", ErrInverseMismatch, existing, existing.target.name, rel.owner.name)
	}
	if existing.inverseName != "" && existing.inverseName != rel.name {
		return fmt.Errorf("%w: %s names inverse '%s', not '%s'", ErrInverseMismatch, existing, existing.inverseName, rel.name)
	}
	if existing.inverse != nil {
		return fmt.Errorf("%w: %s is already the inverse of %s", ErrInverseMismatch, existing, existing.inverse)
	}

	if err := r.reconcilePolicies(tx, rel, existing); err != nil {
		return err
	}

	prevInverseName, prevTarget, prevState := existing.inverseName, existing.target.typ, existing.state
	existing.inverseName = rel.name
	existing.target.typ = rel.owner
	rel.inverse = existing
	existing.inverse = rel
	rel.state = stateResolved
	existing.state = stateResolved
	tx.onRollback(func() {
		existing.inverseName = prevInverseName
		existing.target.typ = prevTarget
		existing.inverse = nil
		existing.state = prevState
		rel.inverse = nil
	})

	r.logger.Debugf("Linked %s with inverse %s using %s", rel, existing, rel.policy)
	return nil
}

// reconcilePolicies makes the two sides of a pair use mirrored policies. A defaulted side adopts
// the mirror of the other; two explicit policies must already mirror each other.
func (r *Registry) reconcilePolicies(tx *defineTx, rel, existing *Relationship) error {
	switch {
	case rel.policy.Mirror() == existing.policy:
		return nil
	case !rel.explicitPolicy:
		prev := rel.policy
		rel.policy = existing.policy.Mirror()
		tx.onRollback(func() { rel.policy = prev })
	case !existing.explicitPolicy:
		prev := existing.policy
		existing.policy = rel.policy.Mirror()
		tx.onRollback(func() { existing.policy = prev })
	default:
		return fmt.Errorf("%w: %w: %s uses %s but its inverse %s uses %s",
			ErrIncompatiblePolicy, ErrInverseMismatch, rel, rel.policy, existing, existing.policy)
	}

	if err := rel.checkPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInverseMismatch, err)
	}
	if err := existing.checkPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInverseMismatch, err)
	}
	return nil
}

func (r *Registry) synthesizeInverse(tx *defineTx, rel *Relationship, target *ModelType, kind Kind) error {
	inv := &Relationship{
		kind:           kind,
		target:         typeRef{name: rel.owner.name, typ: rel.owner},
		inverseName:    rel.name,
		policy:         rel.policy.Mirror(),
		explicitPolicy: true,
		owner:          target,
		name:           rel.inverseName,
		registry:       r,
		inverse:        rel,
		synthesized:    true,
		state:          stateResolved,
	}
	if err := inv.checkPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInverseMismatch, err)
	}
	if err := target.addRelationship(tx, inv); err != nil {
		return err
	}

	rel.inverse = inv
	rel.state = stateResolved
	tx.onRollback(func() {
		rel.inverse = nil
		inv.inverse = nil
	})

	r.logger.Debugf("Synthesized inverse %s of %s using %s", inv, rel, inv.policy)
	return nil
}

// unlink detaches a type that is about to be replaced from the inverses other types hold on it.
// Synthesized inverses are dropped; declared ones go back to the pending table so the replacement
// links them again.
func (r *Registry) unlink(tx *defineTx, old *ModelType) {
	for _, rel := range old.order {
		inv := rel.inverse
		if inv == nil || inv.owner == old {
			continue
		}
		if inv.synthesized {
			inv.owner.removeRelationship(tx, inv)
			continue
		}
		prevState := inv.state
		inv.inverse = nil
		inv.state = stateAttached
		tx.onRollback(func() {
			inv.inverse = rel
			inv.state = prevState
		})
		entries, ok := r.pending[old.name]
		if !ok {
			entries = make(map[string]*Relationship)
			r.pending[old.name] = entries
		}
		entries[inv.inverseName] = inv
		tx.onRollback(func() {
			delete(entries, inv.inverseName)
			if len(entries) == 0 {
				delete(r.pending, old.name)
			}
		})
	}
}

// repoint moves relationships that resolved to a replaced type over to its replacement.
func (r *Registry) repoint(old, replacement *ModelType) {
	for _, t := range r.types {
		for _, rel := range t.order {
			if rel.target.typ == old {
				rel.target.typ = replacement
			}
		}
	}
}

// defineTx is the undo log of one Define call.
type defineTx struct {
	undo []func()
}

func (tx *defineTx) onRollback(f func()) {
	tx.undo = append(tx.undo, f)
}

func (tx *defineTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}
