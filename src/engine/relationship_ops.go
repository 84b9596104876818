package engine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Get returns the target of a single valued relationship, or nil when there is none. The result
// is memoized on owner until a mutation touches one of its link fields.
func (r *Relationship) Get(ctx context.Context, owner *Instance) (*Instance, error) {
	if err := r.checkOwner(owner, false); err != nil {
		return nil, err
	}
	if cached, ok := owner.related[r.name]; ok && !cached.removed {
		return cached, nil
	}

	target, err := r.Policy().fetchOne(ctx, r, owner)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r, err)
	}
	if target != nil {
		owner.related[r.name] = target
	}
	return target, nil
}

// Set links owner to target, or unlinks it when target is nil. The change is written through to
// the store, mirrored into every live instance sharing the owner's id, and for one-to-one
// relationships applied to the inverse side as well.
func (r *Relationship) Set(ctx context.Context, owner, target *Instance) error {
	return r.set(ctx, owner, target, true)
}

func (r *Relationship) set(ctx context.Context, owner, target *Instance, propagate bool) error {
	if err := r.checkOwner(owner, false); err != nil {
		return err
	}
	policy := r.Policy()
	if owner.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, owner)
	}
	if policy.ownerMustBeSaved() || (propagate && r.kind == KindOneToOne && r.Inverse() != nil) {
		if err := owner.AssertSaved(); err != nil {
			return fmt.Errorf("set %s: %w", r, err)
		}
	}
	if target != nil {
		if err := r.checkTarget(target); err != nil {
			return fmt.Errorf("set %s: %w", r, err)
		}
	}

	inverse := r.Inverse()
	previous := r.previousTarget(owner)
	var displaced primitive.ObjectID
	if propagate && r.kind == KindOneToOne && inverse != nil && target != nil {
		displaced = inverse.previousTarget(target)
	}
	s := owner.session

	if target == nil {
		if err := policy.unsetOne(ctx, r, owner); err != nil {
			return err
		}
	} else if err := policy.setOne(ctx, r, owner, target); err != nil {
		return err
	}

	if inverse != nil && !previous.IsZero() && (target == nil || previous != target.id) {
		s.mirror(previous, func(i *Instance) { delete(i.related, inverse.name) })
	}
	if !displaced.IsZero() && displaced != owner.id {
		s.mirror(displaced, func(i *Instance) { delete(i.related, r.name) })
	}

	if propagate && r.kind == KindOneToOne && inverse != nil && target != nil {
		if err := inverse.set(ctx, target, owner, false); err != nil {
			s.mirror(owner.id, func(i *Instance) { r.memoize(i, target) })
			r.memoize(owner, target)
			return s.partial(r, "owner side "+r.name, "inverse side "+inverse.name, err)
		}
	}

	s.mirror(owner.id, func(i *Instance) { r.memoize(i, target) })
	r.memoize(owner, target)

	if target == nil {
		s.record("unset", r.owner.name, fmt.Sprintf("%s owner=%s", r, owner.id.Hex()))
	} else {
		s.record("set", r.owner.name, fmt.Sprintf("%s owner=%s target=%s", r, owner.id.Hex(), target.id.Hex()))
	}
	return nil
}

func (r *Relationship) memoize(i *Instance, target *Instance) {
	if target == nil {
		delete(i.related, r.name)
		return
	}
	i.related[r.name] = target
}

// previousTarget is the id owner currently links to, when it can be known without a query.
func (r *Relationship) previousTarget(owner *Instance) primitive.ObjectID {
	p := r.Policy()
	if p.Kind == PolicyLocal {
		id, _ := owner.refID(p.Field)
		return id
	}
	if cached, ok := owner.related[r.name]; ok {
		return cached.id
	}
	return primitive.NilObjectID
}

// Many returns the collection proxy of a many valued relationship.
func (r *Relationship) Many(owner *Instance) (*ManyProxy, error) {
	if err := r.checkOwner(owner, true); err != nil {
		return nil, err
	}
	return &ManyProxy{rel: r, owner: owner}, nil
}

func (r *Relationship) add(ctx context.Context, owner, target *Instance) error {
	if owner.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, owner)
	}
	policy := r.Policy()
	if policy.ownerMustBeSaved() {
		if err := owner.AssertSaved(); err != nil {
			return fmt.Errorf("add to %s: %w", r, err)
		}
	}
	if err := r.checkTarget(target); err != nil {
		return fmt.Errorf("add to %s: %w", r, err)
	}

	if err := policy.add(ctx, r, owner, target); err != nil {
		return err
	}
	r.forgetInverse(owner.session, target.id)
	owner.session.record("add", r.owner.name, fmt.Sprintf("%s owner=%s target=%s", r, owner.id.Hex(), target.id.Hex()))
	return nil
}

func (r *Relationship) removeTargets(ctx context.Context, owner *Instance, ids []primitive.ObjectID) error {
	if owner.removed {
		return fmt.Errorf("%w: %s", ErrRemoved, owner)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.Policy().remove(ctx, r, owner, ids); err != nil {
		return err
	}
	for _, id := range ids {
		r.forgetInverse(owner.session, id)
	}
	owner.session.record("remove_link", r.owner.name, fmt.Sprintf("%s owner=%s targets=%d", r, owner.id.Hex(), len(ids)))
	return nil
}

// forgetInverse drops the memoized inverse target on the live copies of a target whose link
// changed without its own document being written.
func (r *Relationship) forgetInverse(s *Session, target primitive.ObjectID) {
	inverse := r.Inverse()
	if inverse == nil {
		return
	}
	s.mirror(target, func(i *Instance) { delete(i.related, inverse.name) })
}

// cascadeRemove removes every current target of r before owner itself is removed.
func (r *Relationship) cascadeRemove(ctx context.Context, owner *Instance) error {
	var victims []*Instance
	if r.kind.Many() {
		scope, err := r.Policy().scopeFilter(ctx, r, owner)
		if err != nil {
			return err
		}
		target, err := r.Target()
		if err != nil {
			return err
		}
		cur, err := owner.session.Find(ctx, target, scope)
		if err != nil {
			return err
		}
		if victims, err = cur.All(ctx); err != nil {
			return err
		}
	} else {
		t, err := r.Policy().fetchOne(ctx, r, owner)
		if err != nil {
			return err
		}
		if t != nil {
			victims = append(victims, t)
		}
	}

	for _, v := range victims {
		if v.removed {
			continue
		}
		if err := v.Remove(ctx); err != nil {
			return err
		}
	}
	if len(victims) > 0 {
		owner.session.record("cascade", r.owner.name, fmt.Sprintf("%s owner=%s removed=%d", r, owner.id.Hex(), len(victims)))
	}
	return nil
}

func (r *Relationship) checkOwner(owner *Instance, many bool) error {
	if owner == nil {
		return fmt.Errorf("%s: owner is nil", r)
	}
	if owner.typ.name != r.owner.name {
		return fmt.Errorf("%w: %s is not a %s", ErrWrongType, owner, r.owner.name)
	}
	if r.kind.Many() != many {
		if many {
			return fmt.Errorf("%w: %s holds a single target", ErrWrongCardinality, r)
		}
		return fmt.Errorf("%w: %s holds many targets", ErrWrongCardinality, r)
	}
	return nil
}

func (r *Relationship) checkTarget(target *Instance) error {
	if target.typ.name != r.target.name {
		return fmt.Errorf("%w: %s is not a %s", ErrWrongType, target, r.target.name)
	}
	return target.AssertSaved()
}
