// Package memstore is an in-memory docstore.Database. Documents are kept as BSON bytes so
// every read hands out an independent copy, and filters and updates understand the subset
// of the MongoDB operator dialect the relationship layer issues.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docrel/src/docstore"
	"docrel/src/helpers"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type Database struct {
	mu          sync.Mutex
	collections map[string]*Collection
	logger      *zap.SugaredLogger
}

var _ docstore.Database = (*Database)(nil)

func New(logger *zap.SugaredLogger) *Database {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Database{
		collections: make(map[string]*Collection),
		logger:      logger,
	}
}

// Collection returns the named collection, creating it on first use.
func (d *Database) Collection(name string) docstore.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.collections[name]
	if !ok {
		c = &Collection{name: name, logger: d.logger}
		d.collections[name] = c
		d.logger.Debugf("Created in-memory collection '%s'", name)
	}
	return c
}

// CollectionNames lists the collections created so far, sorted.
func (d *Database) CollectionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Drop removes every collection.
func (d *Database) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections = make(map[string]*Collection)
}

type record struct {
	id  interface{}
	raw []byte
}

type index struct {
	keys   []string
	unique bool
}

type Collection struct {
	mu      sync.Mutex
	name    string
	records []*record
	indexes []index
	logger  *zap.SugaredLogger
}

var _ docstore.Collection = (*Collection)(nil)

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Find(ctx context.Context, filter bson.M) (docstore.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, _, err := c.matching(filter, 0)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{docs: docs, pos: -1}, nil
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M) (bson.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, _, err := c.matching(filter, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, docstore.ErrNotFound
	}
	return docs[0], nil
}

func (c *Collection) Count(ctx context.Context, filter bson.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, _, err := c.matching(filter, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.M) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := doc["_id"]; !ok {
		return fmt.Errorf("insert into '%s': document has no _id", c.name)
	}
	doc, err := helpers.CloneDocument(doc)
	if err != nil {
		return err
	}
	return c.insert(doc)
}

func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, upsert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := helpers.CloneDocument(doc)
	if err != nil {
		return err
	}

	docs, positions, err := c.matching(filter, 1)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		if !upsert {
			return nil
		}
		if _, ok := doc["_id"]; !ok {
			seed, err := seedFromFilter(filter)
			if err != nil {
				return err
			}
			if id, ok := seed["_id"]; ok {
				doc["_id"] = id
			} else {
				doc["_id"] = primitive.NewObjectID()
			}
		}
		return c.insert(doc)
	}

	current := docs[0]
	if id, ok := doc["_id"]; ok && !valuesEqual(id, current["_id"]) {
		return fmt.Errorf("replace in '%s': _id is immutable", c.name)
	}
	doc["_id"] = current["_id"]
	return c.store(positions[0], doc)
}

func (c *Collection) UpdateOne(ctx context.Context, filter bson.M, update bson.M, upsert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	update, err := helpers.CloneDocument(update)
	if err != nil {
		return err
	}

	docs, positions, err := c.matching(filter, 1)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		if !upsert {
			return nil
		}
		doc, err := seedFromFilter(filter)
		if err != nil {
			return err
		}
		if err := applyUpdate(doc, update, true); err != nil {
			return fmt.Errorf("update in '%s': %w", c.name, err)
		}
		if _, ok := doc["_id"]; !ok {
			doc["_id"] = primitive.NewObjectID()
		}
		return c.insert(doc)
	}

	doc := docs[0]
	if err := applyUpdate(doc, update, false); err != nil {
		return fmt.Errorf("update in '%s': %w", c.name, err)
	}
	return c.store(positions[0], doc)
}

func (c *Collection) UpdateMany(ctx context.Context, filter bson.M, update bson.M) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	update, err := helpers.CloneDocument(update)
	if err != nil {
		return err
	}

	docs, positions, err := c.matching(filter, 0)
	if err != nil {
		return err
	}
	for i, doc := range docs {
		if err := applyUpdate(doc, update, false); err != nil {
			return fmt.Errorf("update in '%s': %w", c.name, err)
		}
		if err := c.store(positions[i], doc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, positions, err := c.matching(filter, 0)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	doomed := make(map[int]bool, len(positions))
	for _, p := range positions {
		doomed[p] = true
	}
	kept := c.records[:0]
	for i, r := range c.records {
		if !doomed[i] {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(c.records); i++ {
		c.records[i] = nil
	}
	c.records = kept
	return int64(len(positions)), nil
}

func (c *Collection) EnsureIndex(ctx context.Context, keys []string, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, idx := range c.indexes {
		if sameKeys(idx.keys, keys) {
			return nil
		}
	}

	idx := index{keys: append([]string(nil), keys...), unique: unique}
	if unique {
		seen := make([]bson.M, 0, len(c.records))
		for _, r := range c.records {
			doc, err := helpers.DecodeBSON(r.raw)
			if err != nil {
				return err
			}
			for _, other := range seen {
				if sameIndexKey(idx.keys, doc, other) {
					return fmt.Errorf("index on '%s' %v: duplicate key", c.name, keys)
				}
			}
			seen = append(seen, doc)
		}
	}
	c.indexes = append(c.indexes, idx)
	c.logger.Debugf("Created index %v on in-memory collection '%s' (unique=%v)", keys, c.name, unique)
	return nil
}

// matching decodes every record matching filter, in insertion order, along with its position.
// A positive limit stops the scan early.
func (c *Collection) matching(filter bson.M, limit int) ([]bson.M, []int, error) {
	filter, err := helpers.CloneDocument(filter)
	if err != nil {
		return nil, nil, err
	}

	var docs []bson.M
	var positions []int
	for i, r := range c.records {
		doc, err := helpers.DecodeBSON(r.raw)
		if err != nil {
			return nil, nil, err
		}
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, nil, fmt.Errorf("filter on '%s': %w", c.name, err)
		}
		if !ok {
			continue
		}
		docs = append(docs, doc)
		positions = append(positions, i)
		if limit > 0 && len(docs) == limit {
			break
		}
	}
	return docs, positions, nil
}

func (c *Collection) insert(doc bson.M) error {
	id := doc["_id"]
	for _, r := range c.records {
		if valuesEqual(r.id, id) {
			return fmt.Errorf("insert into '%s': duplicate _id %v", c.name, id)
		}
	}
	if err := c.checkUnique(doc, -1); err != nil {
		return err
	}
	raw, err := helpers.EncodeBSON(doc)
	if err != nil {
		return err
	}
	c.records = append(c.records, &record{id: id, raw: raw})
	return nil
}

func (c *Collection) store(pos int, doc bson.M) error {
	if err := c.checkUnique(doc, pos); err != nil {
		return err
	}
	raw, err := helpers.EncodeBSON(doc)
	if err != nil {
		return err
	}
	c.records[pos].raw = raw
	return nil
}

func (c *Collection) checkUnique(doc bson.M, skip int) error {
	for _, idx := range c.indexes {
		if !idx.unique {
			continue
		}
		for i, r := range c.records {
			if i == skip {
				continue
			}
			other, err := helpers.DecodeBSON(r.raw)
			if err != nil {
				return err
			}
			if sameIndexKey(idx.keys, doc, other) {
				return fmt.Errorf("write to '%s': duplicate key for index %v", c.name, idx.keys)
			}
		}
	}
	return nil
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameIndexKey(keys []string, a, b bson.M) bool {
	for _, k := range keys {
		if !valuesEqual(a[k], b[k]) {
			return false
		}
	}
	return true
}

// seedFromFilter builds the document an upsert starts from: the plain equality fields of filter.
func seedFromFilter(filter bson.M) (bson.M, error) {
	filter, err := helpers.CloneDocument(filter)
	if err != nil {
		return nil, err
	}
	doc := bson.M{}
	for k, v := range filter {
		if isOperatorKey(k) || isOperatorMap(v) {
			continue
		}
		doc[k] = v
	}
	return doc, nil
}

type sliceCursor struct {
	docs []bson.M
	pos  int
	err  error
}

func (s *sliceCursor) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return s.pos < len(s.docs)
}

func (s *sliceCursor) Decode(val interface{}) error {
	if s.pos < 0 || s.pos >= len(s.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	raw, err := helpers.EncodeBSON(s.docs[s.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (s *sliceCursor) Err() error {
	return s.err
}

func (s *sliceCursor) Close(ctx context.Context) error {
	s.docs = nil
	return nil
}
