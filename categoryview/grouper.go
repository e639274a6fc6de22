package categoryview

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aneshas/catalog/catalog"
	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
)

// ErrInvalidAssignment is returned for category assignments without a category id
var ErrInvalidAssignment = fmt.Errorf("%w: category assignment without category id", projection.ErrIntegrity)

// Resolver looks up the category a book stream was last assigned to.
// ok is false if the book stream has not been correlated with any category yet.
type Resolver interface {
	Resolve(ctx context.Context, streamID string) (categoryID string, ok bool, err error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, streamID string) (string, bool, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, streamID string) (string, bool, error) {
	return f(ctx, streamID)
}

// History reads complete stream histories from the event log.
// eventstore.EventStore is the bundled implementation.
type History interface {
	ReadStreams(ctx context.Context, streams []string) ([]eventstore.StoredEvent, error)
}

// Cfg represents grouper configuration
type Cfg struct {
	ResolveConcurrency  int
	BackfillConcurrency int
	BackfillChunkSize   int
	QueryTimeout        time.Duration
	Logger              *zap.Logger
}

// Option represents grouper configuration option
type Option func(Cfg) Cfg

// WithResolveConcurrency bounds the number of concurrent correlation lookups
func WithResolveConcurrency(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.ResolveConcurrency = n

		return cfg
	}
}

// WithBackfillConcurrency bounds the number of concurrent history reads
func WithBackfillConcurrency(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BackfillConcurrency = n

		return cfg
	}
}

// WithBackfillChunkSize sets how many book streams are read by a single history query
func WithBackfillChunkSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BackfillChunkSize = n

		return cfg
	}
}

// WithQueryTimeout bounds every correlation lookup and history read.
// A timeout of zero or less leaves them bounded by the batch context only.
func WithQueryTimeout(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.QueryTimeout = d

		return cfg
	}
}

// WithLogger sets the grouper logger
func WithLogger(l *zap.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

var _ projection.Grouper = (*Grouper)(nil)

// NewGrouper constructs a Grouper
func NewGrouper(resolver Resolver, history History, opts ...Option) *Grouper {
	cfg := Cfg{
		ResolveConcurrency:  16,
		BackfillConcurrency: 4,
		BackfillChunkSize:   100,
		QueryTimeout:        5 * time.Second,
		Logger:              zap.NewNop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	cfg.ResolveConcurrency = max(cfg.ResolveConcurrency, 1)
	cfg.BackfillConcurrency = max(cfg.BackfillConcurrency, 1)
	cfg.BackfillChunkSize = max(cfg.BackfillChunkSize, 1)

	return &Grouper{
		resolver: resolver,
		history:  history,
		cfg:      cfg,
	}
}

// Grouper routes committed catalog events to the categories they belong to
type Grouper struct {
	resolver Resolver
	history  History
	cfg      Cfg
}

// Group partitions batch into one slice per touched category.
//
// Category streams route to themselves. A book stream routes to the category
// of its latest assignment in the batch or, if the batch has none, to the
// category the resolver knows of. Book streams nobody knows of yet are left
// out, they get picked up with their full history once their assignment is
// committed. Every routed book stream carries its complete history so the
// folder never sees a partial book.
//
// Lookup or history read failures abort the whole batch.
func (g *Grouper) Group(ctx context.Context, batch []eventstore.StoredEvent) ([]projection.Slice, error) {
	streams, order := partition(batch)

	var (
		categories []string
		assigned   []string
		unresolved []string
	)

	owners := make(map[string]string, len(order))

	for _, id := range order {
		evts := streams[id]

		if created(evts) {
			categories = append(categories, id)

			continue
		}

		category, ok, err := latestAssignment(evts)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", id, err)
		}

		if ok {
			owners[id] = category
			assigned = append(assigned, id)

			continue
		}

		unresolved = append(unresolved, id)
	}

	found, err := g.resolve(ctx, unresolved)
	if err != nil {
		return nil, err
	}

	books := assigned

	for i, id := range unresolved {
		if found[i] == "" {
			g.cfg.Logger.Debug("book stream not correlated yet, deferring",
				zap.String("stream", id),
				zap.Int("events", len(streams[id])))

			continue
		}

		owners[id] = found[i]
		books = append(books, id)
	}

	history, err := g.backfill(ctx, books)
	if err != nil {
		return nil, err
	}

	var out []projection.Slice

	index := map[string]int{}

	add := func(id string, evts []eventstore.StoredEvent) {
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, projection.Slice{ID: id})
		}

		out[i].Events = append(out[i].Events, evts...)
	}

	for _, id := range categories {
		add(id, streams[id])
	}

	for _, id := range books {
		add(owners[id], projection.Merge(history[id], streams[id]))
	}

	g.cfg.Logger.Debug("batch grouped",
		zap.Int("events", len(batch)),
		zap.Int("categories", len(out)),
		zap.Int("books", len(books)),
		zap.Int("deferred", len(unresolved)+len(assigned)-len(books)))

	return out, nil
}

// resolve looks up unresolved book streams. The result is aligned with
// streams, an empty entry means not found.
func (g *Grouper) resolve(ctx context.Context, streams []string) ([]string, error) {
	found := make([]string, len(streams))

	if len(streams) == 0 {
		return found, nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ResolveConcurrency)

	for i, id := range streams {
		eg.Go(func() error {
			qctx, cancel := g.query(ctx)
			defer cancel()

			category, ok, err := g.resolver.Resolve(qctx, id)
			if err != nil {
				return projection.Retryable(fmt.Errorf("resolve %s: %w", id, err))
			}

			if ok {
				found[i] = category
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return found, nil
}

// backfill reads the complete history of the given book streams in chunks
func (g *Grouper) backfill(ctx context.Context, streams []string) (map[string][]eventstore.StoredEvent, error) {
	history := make(map[string][]eventstore.StoredEvent, len(streams))

	if len(streams) == 0 {
		return history, nil
	}

	var chunks [][]string

	for start := 0; start < len(streams); start += g.cfg.BackfillChunkSize {
		chunks = append(chunks, streams[start:min(start+g.cfg.BackfillChunkSize, len(streams))])
	}

	results := make([][]eventstore.StoredEvent, len(chunks))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.BackfillConcurrency)

	for i, chunk := range chunks {
		eg.Go(func() error {
			qctx, cancel := g.query(ctx)
			defer cancel()

			evts, err := g.history.ReadStreams(qctx, chunk)
			if err != nil {
				return projection.Retryable(fmt.Errorf("read history of %d streams: %w", len(chunk), err))
			}

			results[i] = evts

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, evts := range results {
		for _, evt := range evts {
			history[evt.StreamID] = append(history[evt.StreamID], evt)
		}
	}

	return history, nil
}

func (g *Grouper) query(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, g.cfg.QueryTimeout)
}

// partition groups catalog events by stream, keeping the order in which
// streams first appear in the batch
func partition(batch []eventstore.StoredEvent) (map[string][]eventstore.StoredEvent, []string) {
	streams := map[string][]eventstore.StoredEvent{}

	var order []string

	for _, evt := range batch {
		if !isCatalogEvent(evt) {
			continue
		}

		if _, ok := streams[evt.StreamID]; !ok {
			order = append(order, evt.StreamID)
		}

		streams[evt.StreamID] = append(streams[evt.StreamID], evt)
	}

	return streams, order
}

func isCatalogEvent(evt eventstore.StoredEvent) bool {
	switch evt.Event.(type) {
	case catalog.CategoryCreated,
		catalog.BookCreated,
		catalog.BookChanged,
		catalog.CategoryAssignedToBook:
		return true
	}

	return false
}

func created(evts []eventstore.StoredEvent) bool {
	for _, evt := range evts {
		if _, ok := evt.Event.(catalog.CategoryCreated); ok {
			return true
		}
	}

	return false
}

// latestAssignment returns the category of the assignment with the highest
// stream version
func latestAssignment(evts []eventstore.StoredEvent) (string, bool, error) {
	var (
		category string
		version  int
	)

	for _, evt := range evts {
		e, ok := evt.Event.(catalog.CategoryAssignedToBook)
		if !ok {
			continue
		}

		if e.CategoryID == "" {
			return "", false, ErrInvalidAssignment
		}

		if evt.StreamVersion < version {
			continue
		}

		category = e.CategoryID
		version = evt.StreamVersion
	}

	return category, version > 0, nil
}
