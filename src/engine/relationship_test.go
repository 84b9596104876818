package engine

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestOneRequiresSavedTarget(t *testing.T) {
	ctx := context.Background()
	reg, sess, db := newTestSession(t)
	bar := mustDefine(t, reg, "Bar")
	foo := mustDefine(t, reg, "Foo", WithRelationship("bar", One("Bar")))

	f := mustSave(t, sess, foo, bson.M{"name": "f"})
	b := mustNew(t, sess, bar, bson.M{"name": "b"})

	err := f.SetRelated(ctx, "bar", b)
	require.ErrorIs(t, err, ErrUnsavedInstance)

	require.NoError(t, b.Save(ctx))
	require.NoError(t, f.SetRelated(ctx, "bar", b))

	got, err := f.Related(ctx, "bar")
	require.NoError(t, err)
	require.True(t, got.Equal(b))
	require.Equal(t, b.ID(), storedDoc(t, db, "foos", f)["bar_id"])

	require.NoError(t, f.SetRelated(ctx, "bar", nil))
	got, err = f.Related(ctx, "bar")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NotContains(t, storedDoc(t, db, "foos", f), "bar_id")
}

func TestLocalLinkOnUnsavedOwnerIsSavedWithIt(t *testing.T) {
	ctx := context.Background()
	reg, sess, db := newTestSession(t)
	bar := mustDefine(t, reg, "Bar")
	foo := mustDefine(t, reg, "Foo", WithRelationship("bar", One("Bar")))

	b := mustSave(t, sess, bar, nil)
	f := mustNew(t, sess, foo, bson.M{"name": "draft"})
	require.NoError(t, f.SetRelated(ctx, "bar", b))
	require.Equal(t, b.ID(), f.ReferenceFields()["bar_id"])

	require.NoError(t, f.Save(ctx))
	require.Equal(t, b.ID(), storedDoc(t, db, "foos", f)["bar_id"])
}

func TestOneToOneBothDirections(t *testing.T) {
	tests := map[string]struct {
		policy      StoragePolicy
		declareBoth bool
	}{
		`local`:              {policy: Local("bar_id")},
		`remote`:             {policy: Remote("foo_id")},
		`join`:               {policy: Join("foos_bars", "foo_id", "bar_id")},
		`declared_both_ways`: {declareBoth: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg, sess, _ := newTestSession(t)

			fooRel := OneToOne("Bar", Inverse("foo"))
			if test.policy.Kind != 0 {
				fooRel = OneToOne("Bar", Inverse("foo"), Using(test.policy))
			}
			foo := mustDefine(t, reg, "Foo", WithRelationship("bar", fooRel))
			var barOpts []ModelOption
			if test.declareBoth {
				barOpts = append(barOpts, WithRelationship("foo", OneToOne("Foo", Inverse("bar"))))
			}
			bar := mustDefine(t, reg, "Bar", barOpts...)

			f1 := mustSave(t, sess, foo, bson.M{"name": "f1"})
			f2 := mustSave(t, sess, foo, bson.M{"name": "f2"})
			b1 := mustSave(t, sess, bar, bson.M{"name": "b1"})

			// owner side
			require.NoError(t, f1.SetRelated(ctx, "bar", b1))
			got, err := b1.Related(ctx, "foo")
			require.NoError(t, err)
			require.True(t, got.Equal(f1))

			reloaded, err := sess.FindOne(ctx, bar, b1.ID())
			require.NoError(t, err)
			got, err = reloaded.Related(ctx, "foo")
			require.NoError(t, err)
			require.True(t, got.Equal(f1))

			// inverse side
			require.NoError(t, b1.SetRelated(ctx, "foo", f2))
			got, err = f2.Related(ctx, "bar")
			require.NoError(t, err)
			require.True(t, got.Equal(b1))

			got, err = f1.Related(ctx, "bar")
			require.NoError(t, err)
			require.Nil(t, got, "f1 must lose b1 once b1 points at f2")

			freshF1, err := sess.FindOne(ctx, foo, f1.ID())
			require.NoError(t, err)
			got, err = freshF1.Related(ctx, "bar")
			require.NoError(t, err)
			require.Nil(t, got)

			freshF2, err := sess.FindOne(ctx, foo, f2.ID())
			require.NoError(t, err)
			got, err = freshF2.Related(ctx, "bar")
			require.NoError(t, err)
			require.True(t, got.Equal(b1))
		})
	}
}

func TestOneToOneSetFromInverseSideDisplaces(t *testing.T) {
	tests := map[string]struct {
		policy      StoragePolicy
		declareBoth bool
	}{
		`local`:              {policy: Local("bar_id")},
		`remote`:             {policy: Remote("foo_id")},
		`join`:               {policy: Join("foos_bars", "foo_id", "bar_id")},
		`declared_both_ways`: {declareBoth: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg, sess, db := newTestSession(t)

			fooRel := OneToOne("Bar", Inverse("foo"))
			if test.policy.Kind != 0 {
				fooRel = OneToOne("Bar", Inverse("foo"), Using(test.policy))
			}
			foo := mustDefine(t, reg, "Foo", WithRelationship("bar", fooRel))
			var barOpts []ModelOption
			if test.declareBoth {
				barOpts = append(barOpts, WithRelationship("foo", OneToOne("Foo", Inverse("bar"))))
			}
			bar := mustDefine(t, reg, "Bar", barOpts...)

			f2 := mustSave(t, sess, foo, bson.M{"name": "f2"})
			b1 := mustSave(t, sess, bar, bson.M{"name": "b1"})
			b2 := mustSave(t, sess, bar, bson.M{"name": "b2"})

			require.NoError(t, f2.SetRelated(ctx, "bar", b2))
			got, err := b2.Related(ctx, "foo")
			require.NoError(t, err)
			require.True(t, got.Equal(f2))

			require.NoError(t, b1.SetRelated(ctx, "foo", f2))

			got, err = f2.Related(ctx, "bar")
			require.NoError(t, err)
			require.True(t, got.Equal(b1))

			got, err = b2.Related(ctx, "foo")
			require.NoError(t, err)
			require.Nil(t, got, "b2 must lose f2 once f2 points at b1")

			freshB2, err := sess.FindOne(ctx, bar, b2.ID())
			require.NoError(t, err)
			got, err = freshB2.Related(ctx, "foo")
			require.NoError(t, err)
			require.Nil(t, got)

			if test.policy.Kind == PolicyJoin {
				n, err := db.Collection("foos_bars").Count(ctx, bson.M{"foo_id": f2.ID()})
				require.NoError(t, err)
				require.EqualValues(t, 1, n)
			}
		})
	}
}

func TestOneToOneNeedsSavedOwner(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	foo := mustDefine(t, reg, "Foo", WithRelationship("bar", OneToOne("Bar", Inverse("foo"))))
	bar := mustDefine(t, reg, "Bar")

	b := mustSave(t, sess, bar, nil)
	f := mustNew(t, sess, foo, nil)
	require.ErrorIs(t, f.SetRelated(ctx, "bar", b), ErrUnsavedInstance)
	require.Nil(t, f.ReferenceFields()["bar_id"])
}

func TestSiblingInstancesAreMirrored(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	city := mustDefine(t, reg, "City", WithCollection("cities"),
		WithRelationship("bars", OneToMany("Bar", Inverse("city"))))
	bar := mustDefine(t, reg, "Bar")

	c1 := mustSave(t, sess, city, bson.M{"name": "Amsterdam"})
	c2 := mustSave(t, sess, city, bson.M{"name": "Utrecht"})
	b := mustSave(t, sess, bar, bson.M{"name": "Cafe"})

	sibling, err := sess.FindOne(ctx, bar, b.ID())
	require.NoError(t, err)
	require.NotSame(t, b, sibling)
	require.Len(t, sess.InstancesFor(b.ID()), 2)

	require.NoError(t, b.SetRelated(ctx, "city", c1))
	require.Equal(t, c1.ID(), sibling.ReferenceFields()["city_id"])
	got, err := sibling.Related(ctx, "city")
	require.NoError(t, err)
	require.True(t, got.Equal(c1))

	// a write through the remote side reaches both copies too
	require.NoError(t, mustMany(t, c2, "bars").Add(ctx, b))
	require.Equal(t, c2.ID(), b.ReferenceFields()["city_id"])
	require.Equal(t, c2.ID(), sibling.ReferenceFields()["city_id"])
	got, err = sibling.Related(ctx, "city")
	require.NoError(t, err)
	require.True(t, got.Equal(c2))

	require.NoError(t, b.Remove(ctx))
	require.True(t, sibling.IsRemoved())
	require.ErrorIs(t, sibling.Save(ctx), ErrRemoved)
	require.Empty(t, sess.InstancesFor(b.ID()))
}

func TestSessionsDoNotShareInstances(t *testing.T) {
	ctx := context.Background()
	reg, sess, db := newTestSession(t)
	city := mustDefine(t, reg, "City", WithCollection("cities"))
	bar := mustDefine(t, reg, "Bar", WithRelationship("city", ManyToOne("City", Inverse("bars"))))

	other := reg.NewSession(db)
	require.NotEqual(t, sess.ID(), other.ID())

	c := mustSave(t, sess, city, nil)
	b := mustSave(t, sess, bar, nil)
	elsewhere, err := other.FindOne(ctx, bar, b.ID())
	require.NoError(t, err)

	require.NoError(t, b.SetRelated(ctx, "city", c))
	require.Nil(t, elsewhere.ReferenceFields()["city_id"])
	require.Empty(t, sess.InstancesFor(primitive.NewObjectID()))
}

func TestCollectedInstancesArePruned(t *testing.T) {
	reg, sess, _ := newTestSession(t)
	city := mustDefine(t, reg, "City", WithCollection("cities"))

	id := func() primitive.ObjectID {
		c := mustSave(t, sess, city, bson.M{"name": "ephemeral"})
		return c.ID()
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(sess.InstancesFor(id)) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, sess.instances.size())
}

func TestRelationshipMisuse(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	city := mustDefine(t, reg, "City", WithCollection("cities"),
		WithRelationship("bars", OneToMany("Bar", Inverse("city"))))
	bar := mustDefine(t, reg, "Bar")
	tag := mustDefine(t, reg, "Tag")

	c := mustSave(t, sess, city, nil)
	b := mustSave(t, sess, bar, nil)
	tg := mustSave(t, sess, tag, nil)

	_, err := c.Related(ctx, "bars")
	require.ErrorIs(t, err, ErrWrongCardinality)
	_, err = b.Many("city")
	require.ErrorIs(t, err, ErrWrongCardinality)
	_, err = c.Many("pubs")
	require.ErrorIs(t, err, ErrUnknownRelationship)
	require.NoError(t, b.SetRelated(ctx, "city", c))
	require.ErrorIs(t, b.SetRelated(ctx, "city", tg), ErrWrongType)
	require.ErrorIs(t, mustMany(t, c, "bars").Add(ctx, tg), ErrWrongType)
	require.Error(t, b.Set("city_id", primitive.NewObjectID()))
}
