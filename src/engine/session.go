package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"weak"

	"docrel/src/docstore"
	"docrel/src/helpers"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Session is one logical unit of work over a document store. It owns the table of live
// instances used to keep in-memory copies of the same document consistent, so instances
// loaded through different sessions never see each other's mirrored updates.
//
// A Session is not safe for concurrent use.
type Session struct {
	id       string
	registry *Registry
	db       docstore.Database

	instances *instanceTable

	// removing holds the ids whose removal is in progress; it breaks cascade cycles.
	removing map[primitive.ObjectID]bool

	joinsMu sync.Mutex
	joins   map[string]docstore.Collection

	journal *Journal
	logger  *zap.SugaredLogger
}

// SessionOption configures a session in Registry.NewSession.
type SessionOption func(*Session)

// WithJournal records every relationship mutation of the session to j.
func WithJournal(j *Journal) SessionOption {
	return func(s *Session) {
		s.journal = j
	}
}

func WithLogger(logger *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newSession(r *Registry, db docstore.Database) *Session {
	return &Session{
		id:        helpers.GenerateUUID(),
		registry:  r,
		db:        db,
		instances: newInstanceTable(),
		removing:  make(map[primitive.ObjectID]bool),
		joins:     make(map[string]docstore.Collection),
		logger:    r.logger,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Registry() *Registry {
	return s.registry
}

func (s *Session) Database() docstore.Database {
	return s.db
}

func (s *Session) Journal() *Journal {
	return s.journal
}

// Collection returns the collection holding documents of t.
func (s *Session) Collection(t *ModelType) docstore.Collection {
	return s.db.Collection(t.collection)
}

// New creates an unsaved instance of t. Reference fields of t found in fields are taken as link
// values, given as ids or saved instances; the rest are ordinary fields.
func (s *Session) New(t *ModelType, fields bson.M) (*Instance, error) {
	inst := newInstance(s, t)
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		inst.fields[k] = v
	}
	if err := inst.splitReferences(); err != nil {
		return nil, fmt.Errorf("new %s: %w", t.name, err)
	}
	return inst, nil
}

// Find returns a cursor over the instances of t matching filter.
func (s *Session) Find(ctx context.Context, t *ModelType, filter bson.M) (*Cursor, error) {
	cur, err := s.Collection(t).Find(ctx, filter)
	if err != nil {
		return nil, storageError("find "+t.name, err)
	}
	return &Cursor{session: s, typ: t, cur: cur}, nil
}

// FindOne returns the first instance of t matching query, or nil when there is none. query is
// an ObjectID, a filter document, or nil for any document.
func (s *Session) FindOne(ctx context.Context, t *ModelType, query interface{}) (*Instance, error) {
	filter, err := queryFilter(query)
	if err != nil {
		return nil, err
	}
	doc, err := s.Collection(t).FindOne(ctx, filter)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("find one "+t.name, err)
	}
	return s.load(t, doc)
}

func (s *Session) Count(ctx context.Context, t *ModelType, filter bson.M) (int64, error) {
	n, err := s.Collection(t).Count(ctx, filter)
	if err != nil {
		return 0, storageError("count "+t.name, err)
	}
	return n, nil
}

// Remove deletes every instance of t matching filter and returns how many were removed. Types
// with cascading or externally stored links are removed one instance at a time so each removal
// runs its cascades and cleanup with itself as the owner.
func (s *Session) Remove(ctx context.Context, t *ModelType, filter bson.M) (int64, error) {
	cur, err := s.Find(ctx, t, filter)
	if err != nil {
		return 0, err
	}
	victims, err := cur.All(ctx)
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if t.needsPerInstanceRemoval() {
		var removed int64
		for _, v := range victims {
			if v.removed {
				continue
			}
			if err := v.Remove(ctx); err != nil {
				return removed, err
			}
			removed++
		}
		return removed, nil
	}

	ids := make([]primitive.ObjectID, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.id)
	}
	n, err := s.Collection(t).DeleteMany(ctx, inFilter(ids))
	if err != nil {
		return 0, storageError("remove "+t.name, err)
	}
	for _, id := range ids {
		s.markRemoved(id)
	}
	s.record("remove", t.name, fmt.Sprintf("%d documents", n))
	return n, nil
}

// Track adds a saved instance to the live table so later mutations through sibling instances
// are mirrored into it.
func (s *Session) Track(inst *Instance) {
	if inst == nil || !inst.IsSaved() {
		return
	}
	s.instances.track(inst)
}

// InstancesFor returns the live instances of this session sharing id.
func (s *Session) InstancesFor(id primitive.ObjectID) []*Instance {
	return s.instances.lookup(id)
}

// Clear forgets every live instance and cached join collection.
func (s *Session) Clear() {
	s.instances = newInstanceTable()
	s.joinsMu.Lock()
	s.joins = make(map[string]docstore.Collection)
	s.joinsMu.Unlock()
}

func (s *Session) load(t *ModelType, doc bson.M) (*Instance, error) {
	inst, err := instanceFromDocument(s, t, doc)
	if err != nil {
		return nil, err
	}
	s.Track(inst)
	return inst, nil
}

// mirror applies fn to every live instance with id.
func (s *Session) mirror(id primitive.ObjectID, fn func(*Instance)) {
	for _, inst := range s.instances.lookup(id) {
		fn(inst)
	}
}

// mirrorLinked applies fn to every live instance of t whose link field references ref.
func (s *Session) mirrorLinked(t *ModelType, field string, ref primitive.ObjectID, fn func(*Instance)) {
	for _, inst := range s.instances.all() {
		if inst.typ.name != t.name {
			continue
		}
		if containsID(inst.linkIDs(field), ref) {
			fn(inst)
		}
	}
}

func (s *Session) markRemoved(id primitive.ObjectID) {
	for _, inst := range s.instances.lookup(id) {
		inst.markRemoved()
	}
	s.instances.evict(id)
}

// joinCollection returns the join collection of p, creating its unique compound index once per
// session.
func (s *Session) joinCollection(ctx context.Context, p StoragePolicy) (docstore.Collection, error) {
	key := strings.Join([]string{p.Collection, p.OwnerField, p.TargetField}, "\x00")

	s.joinsMu.Lock()
	defer s.joinsMu.Unlock()
	if c, ok := s.joins[key]; ok {
		return c, nil
	}

	c := s.db.Collection(p.Collection)
	if err := c.EnsureIndex(ctx, sortedPair(p.OwnerField, p.TargetField), true); err != nil {
		return nil, storageError("index join collection "+p.Collection, err)
	}
	s.joins[key] = c
	return c, nil
}

// sortedPair orders the join key fields so both sides of a pair ask for the same index.
func sortedPair(a, b string) []string {
	if b < a {
		return []string{b, a}
	}
	return []string{a, b}
}

func (s *Session) partial(rel *Relationship, completed, failed string, err error) error {
	perr := &PartialMutationError{
		Relationship: rel.String(),
		Completed:    completed,
		Failed:       failed,
		Err:          err,
	}
	s.logger.Errorw("Partial relationship mutation", "relationship", perr.Relationship,
		"completed", completed, "failed", failed, "error", err)
	s.record("partial", rel.owner.name, perr.Error())
	return perr
}

func (s *Session) record(operation, model, details string) {
	if err := s.journal.AddEntry(operation, model, details); err != nil {
		s.logger.Warnf("Failed to write journal entry: %v", err)
	}
}

func queryFilter(query interface{}) (bson.M, error) {
	switch q := query.(type) {
	case nil:
		return bson.M{}, nil
	case primitive.ObjectID:
		return docstore.IDFilter(q), nil
	case bson.M:
		return q, nil
	case *Instance:
		if q == nil || !q.IsSaved() {
			return nil, ErrUnsavedInstance
		}
		return docstore.IDFilter(q.id), nil
	}
	return nil, fmt.Errorf("unsupported query type %T", query)
}

// instanceTable maps ids to weak references of the live instances sharing them. Entries whose
// instances were collected are pruned on access.
type instanceTable struct {
	entries map[primitive.ObjectID][]weak.Pointer[Instance]
}

func newInstanceTable() *instanceTable {
	return &instanceTable{entries: make(map[primitive.ObjectID][]weak.Pointer[Instance])}
}

func (t *instanceTable) track(inst *Instance) {
	live := t.lookup(inst.id)
	for _, other := range live {
		if other == inst {
			return
		}
	}
	t.entries[inst.id] = append(t.entries[inst.id], weak.Make(inst))
}

func (t *instanceTable) lookup(id primitive.ObjectID) []*Instance {
	ptrs, ok := t.entries[id]
	if !ok {
		return nil
	}
	live := make([]*Instance, 0, len(ptrs))
	kept := ptrs[:0]
	for _, p := range ptrs {
		if inst := p.Value(); inst != nil {
			live = append(live, inst)
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(t.entries, id)
	} else {
		t.entries[id] = kept
	}
	return live
}

func (t *instanceTable) all() []*Instance {
	var out []*Instance
	for id := range t.entries {
		out = append(out, t.lookup(id)...)
	}
	return out
}

func (t *instanceTable) evict(id primitive.ObjectID) {
	delete(t.entries, id)
}

// size is the number of ids with at least one live instance.
func (t *instanceTable) size() int {
	n := 0
	for id := range t.entries {
		if len(t.lookup(id)) > 0 {
			n++
		}
	}
	return n
}
