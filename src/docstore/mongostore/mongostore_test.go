package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"docrel/src/docstore"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"
)

func connect(t *testing.T) *Database {
	t.Helper()
	uri := os.Getenv("DOCREL_MONGO_URI")
	if uri == "" {
		t.Skip("DOCREL_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Connect(ctx, uri, fmt.Sprintf("docrel_test_%d", time.Now().UnixNano()), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = db.Drop(ctx)
		_ = db.Disconnect(ctx)
	})
	return db
}

func TestCollectionRoundTrip(t *testing.T) {
	db := connect(t)
	ctx := context.Background()
	c := db.Collection("documents")

	id, tag := primitive.NewObjectID(), primitive.NewObjectID()
	require.NoError(t, c.InsertOne(ctx, bson.M{"_id": id, "title": "draft"}))
	require.NoError(t, c.UpdateOne(ctx, docstore.IDFilter(id), bson.M{"$addToSet": bson.M{"tag_ids": tag}}, false))
	require.NoError(t, c.UpdateOne(ctx, docstore.IDFilter(id), bson.M{"$addToSet": bson.M{"tag_ids": tag}}, false))

	n, err := c.Count(ctx, bson.M{"tag_ids": tag})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	doc, err := c.FindOne(ctx, docstore.IDFilter(id))
	require.NoError(t, err)
	require.Equal(t, bson.A{tag}, doc["tag_ids"])

	require.NoError(t, c.UpdateOne(ctx, docstore.IDFilter(id), bson.M{"$pull": bson.M{"tag_ids": bson.M{"$in": bson.A{tag}}}}, false))
	n, err = c.Count(ctx, bson.M{"tag_ids": tag})
	require.NoError(t, err)
	require.Zero(t, n)

	deleted, err := c.DeleteMany(ctx, docstore.IDFilter(id))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = c.FindOne(ctx, docstore.IDFilter(id))
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestEnsureUniqueIndex(t *testing.T) {
	db := connect(t)
	ctx := context.Background()
	c := db.Collection("documents_tags")

	require.NoError(t, c.EnsureIndex(ctx, []string{"document_id", "tag_id"}, true))

	owner, target := primitive.NewObjectID(), primitive.NewObjectID()
	row := bson.M{"document_id": owner, "tag_id": target}
	require.NoError(t, c.UpdateOne(ctx, row, bson.M{"$set": row}, true))
	require.NoError(t, c.UpdateOne(ctx, row, bson.M{"$set": row}, true))

	n, err := c.Count(ctx, bson.M{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	cur, err := c.Find(ctx, bson.M{"document_id": owner})
	require.NoError(t, err)
	defer cur.Close(ctx)
	require.True(t, cur.Next(ctx))
	var got bson.M
	require.NoError(t, cur.Decode(&got))
	require.Equal(t, target, got["tag_id"])
	require.False(t, cur.Next(ctx))
}
