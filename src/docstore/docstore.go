// Package docstore is the contract the relationship layer needs from a document database.
// Filters and updates use the MongoDB query and update operator dialect expressed as bson.M.
package docstore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("document not found")

// Database hands out collections by name. Handles are cheap and may be cached by callers.
type Database interface {
	Collection(name string) Collection
}

type Collection interface {
	Name() string

	Find(ctx context.Context, filter bson.M) (Cursor, error)
	FindOne(ctx context.Context, filter bson.M) (bson.M, error)
	Count(ctx context.Context, filter bson.M) (int64, error)

	// InsertOne stores doc, which must carry an _id.
	InsertOne(ctx context.Context, doc bson.M) error
	ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, upsert bool) error
	UpdateOne(ctx context.Context, filter bson.M, update bson.M, upsert bool) error
	UpdateMany(ctx context.Context, filter bson.M, update bson.M) error
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)

	// EnsureIndex creates an ascending compound index over keys if it does not exist yet.
	EnsureIndex(ctx context.Context, keys []string, unique bool) error
}

// Cursor iterates the result of a Find. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// IDFilter is the filter matching the single document with the given id.
func IDFilter(id interface{}) bson.M {
	return bson.M{"_id": id}
}
