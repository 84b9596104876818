package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"docrel/src/docstore"
	"docrel/src/docstore/memstore"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"
)

func newTestSession(t *testing.T, opts ...SessionOption) (*Registry, *Session, *memstore.Database) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	reg := NewRegistry(logger)
	db := memstore.New(logger)
	return reg, reg.NewSession(db, opts...), db
}

func mustDefine(t *testing.T, reg *Registry, name string, opts ...ModelOption) *ModelType {
	t.Helper()
	mt, err := reg.Define(name, opts...)
	require.NoError(t, err)
	return mt
}

func mustSave(t *testing.T, s *Session, mt *ModelType, fields bson.M) *Instance {
	t.Helper()
	inst := mustNew(t, s, mt, fields)
	require.NoError(t, inst.Save(context.Background()))
	return inst
}

func mustNew(t *testing.T, s *Session, mt *ModelType, fields bson.M) *Instance {
	t.Helper()
	inst, err := s.New(mt, fields)
	require.NoError(t, err)
	return inst
}

func mustMany(t *testing.T, inst *Instance, name string) *ManyProxy {
	t.Helper()
	m, err := inst.Many(name)
	require.NoError(t, err)
	return m
}

func count(t *testing.T, m *ManyProxy) int64 {
	t.Helper()
	n, err := m.Count(context.Background(), nil)
	require.NoError(t, err)
	return n
}

func storedDoc(t *testing.T, db docstore.Database, collection string, inst *Instance) bson.M {
	t.Helper()
	doc, err := db.Collection(collection).FindOne(context.Background(), docstore.IDFilter(inst.ID()))
	require.NoError(t, err)
	return doc
}

var errInjected = errors.New("injected failure")

// failingDatabase wraps a database so that writes to chosen collections fail once armed.
type failingDatabase struct {
	docstore.Database

	mu     sync.Mutex
	failOn map[string]bool
}

func newFailingDatabase(db docstore.Database) *failingDatabase {
	return &failingDatabase{Database: db, failOn: make(map[string]bool)}
}

func (f *failingDatabase) arm(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[collection] = true
}

// armOp makes only op ("UpdateOne" or "UpdateMany") fail on collection.
func (f *failingDatabase) armOp(collection, op string) {
	f.arm(collection + "/" + op)
}

func (f *failingDatabase) failing(collection, op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOn[collection] || f.failOn[collection+"/"+op]
}

func (f *failingDatabase) Collection(name string) docstore.Collection {
	return &failingCollection{Collection: f.Database.Collection(name), db: f}
}

type failingCollection struct {
	docstore.Collection
	db *failingDatabase
}

func (c *failingCollection) UpdateOne(ctx context.Context, filter bson.M, update bson.M, upsert bool) error {
	if c.db.failing(c.Name(), "UpdateOne") {
		return errInjected
	}
	return c.Collection.UpdateOne(ctx, filter, update, upsert)
}

func (c *failingCollection) UpdateMany(ctx context.Context, filter bson.M, update bson.M) error {
	if c.db.failing(c.Name(), "UpdateMany") {
		return errInjected
	}
	return c.Collection.UpdateMany(ctx, filter, update)
}
