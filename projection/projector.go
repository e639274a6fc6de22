package projection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aneshas/catalog/eventstore"
)

// Cfg represents projector configuration
type Cfg struct {
	Name           string
	BatchSize      int
	Workers        int
	BatchTimeout   time.Duration
	PollInterval   time.Duration
	MaxRetryTime   time.Duration
	BreakerTimeout time.Duration
	Logger         *zap.Logger
	Registerer     prometheus.Registerer
}

// Option represents projector configuration option
type Option func(Cfg) Cfg

// WithName sets the projection name used in logs and metric labels
func WithName(name string) Option {
	return func(cfg Cfg) Cfg {
		cfg.Name = name

		return cfg
	}
}

// WithBatchSize sets the maximum number of events applied as one batch
func WithBatchSize(size int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BatchSize = size

		return cfg
	}
}

// WithWorkers sets how many aggregates of a batch are folded concurrently
func WithWorkers(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.Workers = n

		return cfg
	}
}

// WithBatchTimeout bounds the time a single batch may take to group, fold and commit
func WithBatchTimeout(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.BatchTimeout = d

		return cfg
	}
}

// WithPollInterval sets the event store polling interval used by Run and CatchUp
func WithPollInterval(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithMaxRetryTime bounds how long a failing batch is retried before Run gives up
func WithMaxRetryTime(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.MaxRetryTime = d

		return cfg
	}
}

// WithBreakerTimeout sets how long the circuit breaker stays open
// after consecutive batch failures
func WithBreakerTimeout(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.BreakerTimeout = d

		return cfg
	}
}

// WithLogger sets the projector logger
func WithLogger(l *zap.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithRegisterer registers projector metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg Cfg) Cfg {
		cfg.Registerer = reg

		return cfg
	}
}

// NewProjector constructs a Projector
func NewProjector[T any](
	streamer EventStreamer,
	grouper Grouper,
	fold Folder[T],
	store Store[T],
	opts ...Option) *Projector[T] {

	cfg := Cfg{
		Name:           "projection",
		BatchSize:      100,
		Workers:        8,
		BatchTimeout:   30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		MaxRetryTime:   5 * time.Minute,
		BreakerTimeout: 10 * time.Second,
		Logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	logger := cfg.Logger.With(zap.String("projection", cfg.Name))

	return &Projector[T]{
		streamer: streamer,
		grouper:  grouper,
		fold:     fold,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(cfg.Name, cfg.Registerer),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name,
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrIntegrity)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// Projector groups committed event batches by aggregate identity, folds every
// touched aggregate and commits the new snapshots together with the
// projection checkpoint
type Projector[T any] struct {
	streamer EventStreamer
	grouper  Grouper
	fold     Folder[T]
	store    Store[T]
	cfg      Cfg
	logger   *zap.Logger
	metrics  *metrics
	breaker  *gobreaker.CircuitBreaker
}

// Apply applies a single batch of committed events. Either every touched
// snapshot and the checkpoint are written or nothing is.
// Transient failures are returned wrapped with ErrRetryable, consistency
// violations with ErrIntegrity.
func (p *Projector[T]) Apply(ctx context.Context, batch []eventstore.StoredEvent) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	folded, err := p.apply(ctx, batch)

	p.metrics.observe(start, len(batch), folded, err)

	return err
}

func (p *Projector[T]) apply(ctx context.Context, batch []eventstore.StoredEvent) (int, error) {
	groups, err := p.grouper.Group(ctx, batch)
	if err != nil {
		return 0, Retryable(fmt.Errorf("group batch: %w", err))
	}

	snapshots := make([]Snapshot[T], len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, group := range groups {
		g.Go(func() error {
			current, err := p.store.Get(gctx, group.ID)
			if err != nil {
				return Retryable(fmt.Errorf("get snapshot %s: %w", group.ID, err))
			}

			next, err := p.fold(group.ID, current.State, group.Events)
			if err != nil {
				return fmt.Errorf("fold %s: %w", group.ID, err)
			}

			snapshots[i] = Snapshot[T]{
				ID:       group.ID,
				Revision: current.Revision,
				State:    next,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	checkpoint := lastSequence(batch)

	if err := p.store.PutAll(ctx, snapshots, checkpoint); err != nil {
		return 0, Retryable(fmt.Errorf("commit batch: %w", err))
	}

	p.logger.Debug("batch applied",
		zap.Int("events", len(batch)),
		zap.Int("aggregates", len(snapshots)),
		zap.Uint64("checkpoint", checkpoint))

	return len(snapshots), nil
}

func lastSequence(batch []eventstore.StoredEvent) uint64 {
	var last uint64

	for _, evt := range batch {
		last = max(last, evt.Sequence)
	}

	return last
}

// CatchUp applies every event committed after the stored checkpoint and
// returns once the projection has caught up with the event store
func (p *Projector[T]) CatchUp(ctx context.Context) error {
	return p.consume(ctx, true)
}

// Run keeps applying newly committed events until ctx is canceled.
// Transient failures are retried, consistency violations stop the projector
// and are returned.
func (p *Projector[T]) Run(ctx context.Context) error {
	for {
		err := p.consume(ctx, false)

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrIntegrity) {
			p.logger.Error("projector stopped", zap.Error(err))

			return err
		}

		p.logger.Error("projector error, resubscribing", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.BreakerTimeout):
		}
	}
}

func (p *Projector[T]) consume(ctx context.Context, untilCaughtUp bool) error {
	checkpoint, err := p.store.Checkpoint(ctx)
	if err != nil {
		return Retryable(fmt.Errorf("read checkpoint: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := p.streamer.SubscribeAll(
		ctx,
		eventstore.WithOffset(checkpoint),
		eventstore.WithBatchSize(p.cfg.BatchSize),
		eventstore.WithPollInterval(p.cfg.PollInterval),
	)
	if err != nil {
		return Retryable(err)
	}

	defer sub.Close()

	var batch []eventstore.StoredEvent

	for {
		select {
		case evt := <-sub.EventData:
			batch = append(batch, evt)

			if len(batch) < p.cfg.BatchSize {
				break
			}

			if err := p.applyWithRetry(ctx, batch); err != nil {
				return err
			}

			batch = nil

		case err := <-sub.Err:
			if !errors.Is(err, io.EOF) {
				return Retryable(err)
			}

			for len(sub.EventData) > 0 {
				batch = append(batch, <-sub.EventData)
			}

			if len(batch) == 0 {
				if untilCaughtUp {
					return nil
				}

				break
			}

			if err := p.applyWithRetry(ctx, batch); err != nil {
				return err
			}

			batch = nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Projector[T]) applyWithRetry(ctx context.Context, batch []eventstore.StoredEvent) error {
	op := func() (struct{}, error) {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.Apply(ctx, batch)
		})

		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrIntegrity):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(
		ctx,
		op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.cfg.MaxRetryTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("batch failed, retrying",
				zap.Error(err),
				zap.Int("events", len(batch)),
				zap.Duration("next", next))
		}),
	)

	return err
}
