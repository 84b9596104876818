package directors

import (
	"context"
	"os"
	"testing"

	"docrel/src/engine"
	"docrel/src/settings"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"
)

func TestServiceManagerHandsOutJournaledSessions(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()
	t.Cleanup(ResetServiceManager)

	args := settings.Defaults()
	args.JournalDir = t.TempDir()
	stores, err := NewStoreService(ctx, args, logger)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, stores.Close(ctx)) })

	require.Nil(t, GetServiceManager().Registry)
	sm := InitServiceManager(engine.NewRegistry(logger), stores, logger)
	require.Same(t, sm, GetServiceManager())
	require.Same(t, sm, InitServiceManager(engine.NewRegistry(logger), stores, logger))

	city, err := sm.Registry.Define("City", engine.WithCollection("cities"),
		engine.WithRelationship("bars", engine.OneToMany("Bar", engine.Inverse("city"))))
	require.NoError(t, err)
	bar, err := sm.Registry.Define("Bar")
	require.NoError(t, err)

	sess := sm.NewSession()
	require.NotEqual(t, sess.ID(), sm.NewSession().ID())

	c, err := sess.New(city, bson.M{"name": "Amsterdam"})
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx))
	b, err := sess.New(bar, bson.M{"name": "Cafe"})
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx))
	bars, err := c.Many("bars")
	require.NoError(t, err)
	require.NoError(t, bars.Add(ctx, b))

	require.Len(t, stores.Journal().Snapshot(), 1)
	raw, err := os.ReadFile(stores.Journal().Path())
	require.NoError(t, err)
	require.Contains(t, string(raw), "| add | City |")
}

func TestResetServiceManager(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	stores, err := NewStoreService(context.Background(), settings.Defaults(), logger)
	require.NoError(t, err)
	require.Nil(t, stores.Journal())

	first := InitServiceManager(engine.NewRegistry(logger), stores, logger)
	ResetServiceManager()
	second := InitServiceManager(engine.NewRegistry(logger), stores, logger)
	require.NotSame(t, first, second)
	ResetServiceManager()
	require.NoError(t, stores.Close(context.Background()))
}

func TestUnknownBackend(t *testing.T) {
	args := settings.Defaults()
	args.Backend = "sqlite"
	_, err := NewStoreService(context.Background(), args, nil)
	require.ErrorContains(t, err, "unknown backend")
}
