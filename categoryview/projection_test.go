package categoryview_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/catalog/catalog"
	"github.com/aneshas/catalog/categoryview"
	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
	"github.com/aneshas/catalog/viewstore"
)

type pipeline struct {
	es        *eventstore.EventStore
	views     *viewstore.Store
	svc       *catalog.Service
	projector *projection.Projector[categoryview.Category]
}

func newPipeline(t *testing.T, opts ...projection.Option) *pipeline {
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), "catalog-*.db")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(catalog.Events()...),
		eventstore.WithSQLiteDB(file.Name()+"?_busy_timeout=5000"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = es.Close()
	})

	views, err := viewstore.New(viewstore.WithDB(es.DB()))
	require.NoError(t, err)

	grouper := categoryview.NewGrouper(categoryview.NewViewResolver(views), es)

	opts = append([]projection.Option{projection.WithPollInterval(time.Millisecond)}, opts...)

	return &pipeline{
		es:        es,
		views:     views,
		svc:       catalog.NewService(es),
		projector: projection.NewProjector[categoryview.Category](es, grouper, categoryview.Fold, views, opts...),
	}
}

func (p *pipeline) catchUp(t *testing.T) {
	t.Helper()

	require.NoError(t, p.projector.CatchUp(context.Background()))
}

func (p *pipeline) category(t *testing.T, id string) *categoryview.Category {
	t.Helper()

	snap, err := p.views.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, snap.State, "category %s not materialized", id)

	return snap.State
}

type summary struct {
	name, author string
}

func books(c *categoryview.Category) []summary {
	var out []summary

	for _, b := range c.BookList() {
		out = append(out, summary{b.Name, b.Author})
	}

	return out
}

func TestProjection_Correlates_Books_Assigned_At_Any_Time(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	var categories []string

	for _, name := range []string{"0", "1", "2", "3", "4"} {
		id, err := p.svc.CreateCategory(ctx, name)
		require.NoError(t, err)

		categories = append(categories, id)
	}

	p.catchUp(t)

	// created and assigned in one commit
	_, err := p.svc.CreateBook(ctx, "Test", "Author", categories[0])
	require.NoError(t, err)

	p.catchUp(t)

	assert.Equal(t, []summary{{"Test", "Author"}}, books(p.category(t, categories[0])))

	// assigned after creation was already projected
	two, err := p.svc.CreateBook(ctx, "TestTwo", "AuthorTwo", "")
	require.NoError(t, err)

	p.catchUp(t)

	require.NoError(t, p.svc.AssignCategory(ctx, two, categories[1]))

	p.catchUp(t)

	assert.Equal(t, []summary{{"TestTwo", "AuthorTwo"}}, books(p.category(t, categories[1])))

	// changed after assignment
	three, err := p.svc.CreateBook(ctx, "TestThreeUnchanged", "AuthorThreeUnchanged", "")
	require.NoError(t, err)

	p.catchUp(t)

	require.NoError(t, p.svc.AssignCategory(ctx, three, categories[2]))

	p.catchUp(t)

	require.NoError(t, p.svc.ChangeBook(ctx, three, "NewName", "NewAuthor"))

	p.catchUp(t)

	c := p.category(t, categories[2])

	assert.Equal(t, "2", c.Name)
	assert.Equal(t, []summary{{"NewName", "NewAuthor"}}, books(c))

	for _, id := range categories[3:] {
		assert.Empty(t, p.category(t, id).Books)
	}
}

func TestProjection_Applies_Changes_Made_Before_Assignment(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	category, err := p.svc.CreateCategory(ctx, "Fiction")
	require.NoError(t, err)

	book, err := p.svc.CreateBook(ctx, "Draft", "Nobody", "")
	require.NoError(t, err)

	require.NoError(t, p.svc.ChangeBook(ctx, book, "Dune", "Herbert"))

	p.catchUp(t)

	assert.Empty(t, p.category(t, category).Books)

	require.NoError(t, p.svc.AssignCategory(ctx, book, category))

	p.catchUp(t)

	c := p.category(t, category)

	require.Contains(t, c.Books, book)
	assert.Equal(t, categoryview.Book{
		ID:              book,
		Name:            "Dune",
		Author:          "Herbert",
		Version:         3,
		CategoryID:      category,
		AssignedVersion: 3,
	}, c.Books[book])
}

func TestProjection_Is_Idempotent_Under_Redelivery(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	category, err := p.svc.CreateCategory(ctx, "Fiction")
	require.NoError(t, err)

	book, err := p.svc.CreateBook(ctx, "Dune", "Herbert", category)
	require.NoError(t, err)

	require.NoError(t, p.svc.ChangeBook(ctx, book, "Emma", "Austen"))

	p.catchUp(t)

	before := p.category(t, category)

	all, err := p.es.ReadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, p.projector.Apply(ctx, all))
	require.NoError(t, p.projector.Apply(ctx, all[1:]))

	assert.Equal(t, before, p.category(t, category))
}

func TestProjection_Never_Duplicates_Books(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	category, err := p.svc.CreateCategory(ctx, "Fiction")
	require.NoError(t, err)

	book, err := p.svc.CreateBook(ctx, "v0", "a", "")
	require.NoError(t, err)

	for _, name := range []string{"v1", "v2"} {
		require.NoError(t, p.svc.ChangeBook(ctx, book, name, "a"))

		p.catchUp(t)
	}

	require.NoError(t, p.svc.AssignCategory(ctx, book, category))

	p.catchUp(t)

	for _, name := range []string{"v3", "v4"} {
		require.NoError(t, p.svc.ChangeBook(ctx, book, name, "a"))

		p.catchUp(t)
	}

	assert.Equal(t, []summary{{"v4", "a"}}, books(p.category(t, category)))
}

func TestProjection_Result_Does_Not_Depend_On_Batching(t *testing.T) {
	type catalogIDs struct {
		fiction, history, scifi, dune string
	}

	script := func(t *testing.T, p *pipeline) catalogIDs {
		ctx := context.Background()

		var (
			refs catalogIDs
			err  error
		)

		refs.fiction, err = p.svc.CreateCategory(ctx, "Fiction")
		require.NoError(t, err)

		refs.history, err = p.svc.CreateCategory(ctx, "History")
		require.NoError(t, err)

		refs.scifi, err = p.svc.CreateCategory(ctx, "SciFi")
		require.NoError(t, err)

		refs.dune, err = p.svc.CreateBook(ctx, "Dune", "Herbert", "")
		require.NoError(t, err)

		require.NoError(t, p.svc.ChangeBook(ctx, refs.dune, "Dune Messiah", "Herbert"))
		require.NoError(t, p.svc.AssignCategory(ctx, refs.dune, refs.fiction))

		spqr, err := p.svc.CreateBook(ctx, "SPQR", "Beard", refs.history)
		require.NoError(t, err)

		require.NoError(t, p.svc.ChangeBook(ctx, refs.dune, "Children of Dune", "Herbert"))
		require.NoError(t, p.svc.ChangeBook(ctx, spqr, "SPQR", "Mary Beard"))

		_, err = p.svc.CreateBook(ctx, "Unassigned", "Nobody", "")
		require.NoError(t, err)

		require.NoError(t, p.svc.AssignCategory(ctx, refs.dune, refs.scifi))

		return refs
	}

	type result struct {
		history, scifi []summary
		duneOwner      string
	}

	for _, size := range []int{1, 2, 3, 100} {
		p := newPipeline(t, projection.WithBatchSize(size))
		ctx := context.Background()

		refs := script(t, p)

		p.catchUp(t)

		require.NoError(t, p.svc.ChangeBook(ctx, refs.dune, "God Emperor of Dune", "Herbert"))

		p.catchUp(t)

		owner, ok, err := p.views.QueryByBookStreamID(ctx, refs.dune)
		require.NoError(t, err)
		require.True(t, ok)

		// a reassigned book is not removed from fiction, so fiction
		// depends on whether the batch saw the first assignment alone
		got := result{
			history:   books(p.category(t, refs.history)),
			scifi:     books(p.category(t, refs.scifi)),
			duneOwner: owner,
		}

		assert.Equal(t, result{
			history:   []summary{{"SPQR", "Mary Beard"}},
			scifi:     []summary{{"God Emperor of Dune", "Herbert"}},
			duneOwner: refs.scifi,
		}, got, "batch size %d", size)
	}
}
