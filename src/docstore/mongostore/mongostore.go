// Package mongostore backs docstore.Database with a MongoDB database.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"docrel/src/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type Database struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.SugaredLogger
}

var _ docstore.Database = (*Database)(nil)

// Connect opens a client for uri, pings the server and returns the named database.
func Connect(ctx context.Context, uri, name string, logger *zap.SugaredLogger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping %s: %w", uri, err)
	}

	logger.Infof("Connected to MongoDB database '%s'", name)
	return &Database{
		client: client,
		db:     client.Database(name),
		logger: logger,
	}, nil
}

func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{coll: d.db.Collection(name), logger: d.logger}
}

// Drop deletes the whole database. Used by tests.
func (d *Database) Drop(ctx context.Context) error {
	return d.db.Drop(ctx)
}

func (d *Database) Disconnect(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

type Collection struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger
}

var _ docstore.Collection = (*Collection)(nil)

func (c *Collection) Name() string {
	return c.coll.Name()
}

func (c *Collection) Find(ctx context.Context, filter bson.M) (docstore.Cursor, error) {
	cur, err := c.coll.Find(ctx, nonNil(filter))
	if err != nil {
		return nil, fmt.Errorf("find in '%s': %w", c.Name(), err)
	}
	return cur, nil
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, nonNil(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one in '%s': %w", c.Name(), err)
	}
	return doc, nil
}

func (c *Collection) Count(ctx context.Context, filter bson.M) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, nonNil(filter))
	if err != nil {
		return 0, fmt.Errorf("count in '%s': %w", c.Name(), err)
	}
	return n, nil
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.M) error {
	if _, ok := doc["_id"]; !ok {
		return fmt.Errorf("insert into '%s': document has no _id", c.Name())
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert into '%s': %w", c.Name(), err)
	}
	return nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, upsert bool) error {
	_, err := c.coll.ReplaceOne(ctx, nonNil(filter), doc, options.Replace().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("replace in '%s': %w", c.Name(), err)
	}
	return nil
}

func (c *Collection) UpdateOne(ctx context.Context, filter bson.M, update bson.M, upsert bool) error {
	_, err := c.coll.UpdateOne(ctx, nonNil(filter), update, options.Update().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("update in '%s': %w", c.Name(), err)
	}
	return nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter bson.M, update bson.M) error {
	if _, err := c.coll.UpdateMany(ctx, nonNil(filter), update); err != nil {
		return fmt.Errorf("update in '%s': %w", c.Name(), err)
	}
	return nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, nonNil(filter))
	if err != nil {
		return 0, fmt.Errorf("delete in '%s': %w", c.Name(), err)
	}
	return res.DeletedCount, nil
}

func (c *Collection) EnsureIndex(ctx context.Context, keys []string, unique bool) error {
	keyDoc := bson.D{}
	for _, k := range keys {
		keyDoc = append(keyDoc, bson.E{Key: k, Value: 1})
	}
	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keyDoc,
		Options: options.Index().SetUnique(unique),
	})
	if err != nil {
		return fmt.Errorf("create index %v on '%s': %w", keys, c.Name(), err)
	}
	c.logger.Debugf("Ensured index '%s' on '%s'", name, c.Name())
	return nil
}

func nonNil(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}
