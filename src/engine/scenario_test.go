package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func defineCities(t *testing.T, reg *Registry) (*ModelType, *ModelType) {
	t.Helper()
	city := mustDefine(t, reg, "City", WithCollection("cities"),
		WithRelationship("bars", OneToMany("Bar", Inverse("city"), Cascade())))
	bar := mustDefine(t, reg, "Bar")
	return city, bar
}

func TestCityAndBars(t *testing.T) {
	ctx := context.Background()
	reg, sess, db := newTestSession(t)
	city, bar := defineCities(t, reg)

	amsterdam := mustSave(t, sess, city, bson.M{"name": "Amsterdam"})
	cafe := mustSave(t, sess, bar, bson.M{"name": "Cafe"})
	kroeg := mustSave(t, sess, bar, bson.M{"name": "Kroeg"})

	bars := mustMany(t, amsterdam, "bars")
	require.NoError(t, bars.Add(ctx, cafe))
	require.NoError(t, kroeg.SetRelated(ctx, "city", amsterdam))
	require.EqualValues(t, 2, count(t, bars))

	got, err := cafe.Related(ctx, "city")
	require.NoError(t, err)
	require.True(t, got.Equal(amsterdam))
	require.Equal(t, amsterdam.ID(), storedDoc(t, db, "bars", kroeg)["city_id"])

	require.NoError(t, amsterdam.Remove(ctx))
	require.True(t, amsterdam.IsRemoved())
	require.True(t, cafe.IsRemoved())
	require.True(t, kroeg.IsRemoved())
	n, err := sess.Count(ctx, bar, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = bars.Count(ctx, nil)
	require.ErrorIs(t, err, ErrRemoved)
	require.ErrorIs(t, amsterdam.Remove(ctx), ErrRemoved)
}

func TestDocumentsAndTags(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	document := mustDefine(t, reg, "Document", WithRelationship("tags", ManyToMany("Tag", Inverse("documents"))))
	tag := mustDefine(t, reg, "Tag")

	d1 := mustSave(t, sess, document, bson.M{"title": "one"})
	d2 := mustSave(t, sess, document, bson.M{"title": "two"})
	t1 := mustSave(t, sess, tag, bson.M{"name": "go"})
	t2 := mustSave(t, sess, tag, bson.M{"name": "mongo"})

	require.NoError(t, mustMany(t, d1, "tags").Add(ctx, t1))
	require.NoError(t, mustMany(t, d1, "tags").Add(ctx, t2))
	require.NoError(t, mustMany(t, d2, "tags").Add(ctx, t1))

	require.EqualValues(t, 2, count(t, mustMany(t, t1, "documents")))
	require.EqualValues(t, 1, count(t, mustMany(t, t2, "documents")))

	require.NoError(t, mustMany(t, t1, "documents").Remove(ctx, d1))
	require.EqualValues(t, 1, count(t, mustMany(t, d1, "tags")))
	require.EqualValues(t, 1, count(t, mustMany(t, t1, "documents")))

	// removing a document drops its join rows but keeps the tags
	require.NoError(t, d2.Remove(ctx))
	require.EqualValues(t, 0, count(t, mustMany(t, t1, "documents")))
	n, err := sess.Count(ctx, tag, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestBulkRemoveCascadesPerOwner(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	city, bar := defineCities(t, reg)

	c1 := mustSave(t, sess, city, bson.M{"name": "Amsterdam"})
	c2 := mustSave(t, sess, city, bson.M{"name": "Utrecht"})
	for _, c := range []*Instance{c1, c2} {
		for i := 0; i < 2; i++ {
			require.NoError(t, mustMany(t, c, "bars").Add(ctx, mustSave(t, sess, bar, nil)))
		}
	}

	removed, err := sess.Remove(ctx, city, bson.M{"name": "Amsterdam"})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.True(t, c1.IsRemoved())
	require.False(t, c2.IsRemoved())
	require.EqualValues(t, 2, count(t, mustMany(t, c2, "bars")))

	n, err := sess.Count(ctx, bar, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// bars carry no cascades and go in a single delete
	removed, err = sess.Remove(ctx, bar, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
	require.Zero(t, count(t, mustMany(t, c2, "bars")))

	removed, err = sess.Remove(ctx, bar, nil)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestCascadeCycleTerminates(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	foo := mustDefine(t, reg, "Foo", WithRelationship("bar", OneToOne("Bar", Inverse("foo"), Cascade())))
	bar := mustDefine(t, reg, "Bar", WithRelationship("foo", OneToOne("Foo", Inverse("bar"), Cascade())))

	f := mustSave(t, sess, foo, nil)
	b := mustSave(t, sess, bar, nil)
	require.NoError(t, f.SetRelated(ctx, "bar", b))

	require.NoError(t, b.Remove(ctx))
	require.True(t, f.IsRemoved())
	for _, mt := range []*ModelType{foo, bar} {
		n, err := sess.Count(ctx, mt, nil)
		require.NoError(t, err)
		require.Zero(t, n, mt.Name())
	}
}

func TestValidatorRejectsSave(t *testing.T) {
	ctx := context.Background()
	reg, sess, _ := newTestSession(t)
	errNoName := errors.New("name is required")
	city := mustDefine(t, reg, "City", WithCollection("cities"), WithValidator(ValidatorFunc(func(fields bson.M) error {
		if name, _ := fields["name"].(string); name == "" {
			return errNoName
		}
		return nil
	})))

	c := mustNew(t, sess, city, nil)
	require.ErrorIs(t, c.Save(ctx), errNoName)
	require.False(t, c.IsSaved())

	require.NoError(t, c.Set("name", "Delft"))
	require.NoError(t, c.Save(ctx))
	require.True(t, c.IsSaved())
}

func TestJournalRecordsMutations(t *testing.T) {
	ctx := context.Background()
	journal, err := NewJournal(t.TempDir(), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, journal.Close()) })

	reg, sess, _ := newTestSession(t, WithJournal(journal))
	city, bar := defineCities(t, reg)
	c := mustSave(t, sess, city, nil)
	b := mustSave(t, sess, bar, nil)
	require.NoError(t, mustMany(t, c, "bars").Add(ctx, b))
	require.NoError(t, c.Remove(ctx))

	var ops []string
	for _, e := range journal.Snapshot() {
		ops = append(ops, e.Operation)
	}
	require.Equal(t, []string{"add", "remove", "cascade", "remove"}, ops)

	raw, err := os.ReadFile(journal.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], " | add | City | City.bars(OneToMany -> Bar)")
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	require.NoError(t, j.AddEntry("add", "City", "ignored"))
	require.Nil(t, j.Snapshot())
	require.Empty(t, j.Path())
	require.NoError(t, j.Rotate())
	require.NoError(t, j.Close())
}

func TestJournalRotate(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir, 1, 2)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, journal.Close()) })
	// keep the backup on disk as written
	journal.out.Compress = false

	require.NoError(t, journal.AddEntry("set", "Foo", "before"))
	require.NoError(t, journal.Rotate())
	require.NoError(t, journal.AddEntry("set", "Foo", "after"))

	raw, err := os.ReadFile(journal.Path())
	require.NoError(t, err)
	require.Contains(t, string(raw), "after")
	require.NotContains(t, string(raw), "before")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Len(t, journal.Snapshot(), 2)
}
