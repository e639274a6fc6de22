package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
var ErrSubscriptionClosedByClient = errors.New("subscription closed by client")

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       uint64
	batchSize    int
	pollInterval time.Duration
	gapTimeout   time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription / read all option that indicates an offset in
// the event store from which to start reading events (exclusive)
func WithOffset(offset uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription/read all option that specifies the read
// batch size (limit) when reading events from the event store
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription/read all option that specifies the polling
// interval of the underlying database
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// WithGapTimeout is a subscription/read all option that specifies how long
// a poll waits in front of a missing sequence number before it skips it.
// On postgres a concurrent append can commit a lower sequence after a higher
// one became visible, a sequence missing for longer than d is taken to
// belong to a rolled back append.
func WithGapTimeout(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.gapTimeout = d

		return cfg
	}
}

// Subscription represents ReadAll subscription that is used for streaming
// incoming events
type Subscription struct {
	// Err chan will produce any errors that might occur while reading events
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the event store and that there are no more events to read after which
	// the subscription itself will continue polling the event store for new events
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err       chan error
	EventData chan StoredEvent

	close chan struct{}
}

// Close closes the subscription and halts the polling of the database
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// ReadAll will read all events from the event store by internally creating a
// a subscription and depleting it until io.EOF is encountered
// WARNING: Use with caution as this method will read the entire event store
// in a blocking fashion (probably best used in combination with offset option)
func (es *EventStore) ReadAll(ctx context.Context, opts ...SubAllOpt) ([]StoredEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := es.SubscribeAll(ctx, append(opts, WithPollInterval(time.Millisecond))...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	var events []StoredEvent

	for {
		select {
		case data := <-sub.EventData:
			events = append(events, data)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				// every event of the last poll is buffered before EOF is sent
				for len(sub.EventData) > 0 {
					events = append(events, <-sub.EventData)
				}

				return events, nil
			}

			return nil, err
		}
	}
}

// SubscribeAll will create a subscription which can be used to stream all events in an
// orderly fashion. This mechanism should probably be mostly useful for building projections
func (es *EventStore) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
		gapTimeout:   500 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:       make(chan error, 1),
		EventData: make(chan StoredEvent, cfg.batchSize),
		close:     make(chan struct{}, 1),
	}

	go es.poll(ctx, sub, cfg)

	return sub, nil
}

func (es *EventStore) poll(ctx context.Context, sub Subscription, cfg SubAllConfig) {
	// done reports the terminal error unless the client already closed the subscription
	done := func(err error) {
		select {
		case sub.Err <- err:
		case <-sub.close:
		}
	}

	// send blocks until the client reads err, returning false once the subscription is over
	send := func(err error) bool {
		select {
		case sub.Err <- err:
			return true
		case <-sub.close:
			return false
		case <-ctx.Done():
			done(ctx.Err())

			return false
		}
	}

	gaps := gapGuard{timeout: cfg.gapTimeout}

	for {
		select {
		case <-sub.close:
			select {
			case sub.Err <- ErrSubscriptionClosedByClient:
			default:
			}

			return

		case <-ctx.Done():
			done(ctx.Err())

			return

		case <-time.After(cfg.pollInterval):
			var evts []gormEvent

			if err := es.db.
				WithContext(ctx).
				Where("sequence > ?", cfg.offset).
				Order("sequence asc").
				Limit(cfg.batchSize).
				Find(&evts).Error; err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}

				done(err)

				return
			}

			evts = gaps.visible(cfg.offset, evts, time.Now())

			if len(evts) == 0 {
				// not caught up while a gap may still be filled
				if gaps.pending() {
					break
				}

				if !send(io.EOF) {
					return
				}

				break
			}

			cfg.offset = evts[len(evts)-1].Sequence

			decoded, err := es.decodeEvents(evts)
			if err != nil {
				done(err)

				return
			}

			for _, evt := range decoded {
				select {
				case sub.EventData <- evt:
				case <-sub.close:
					return
				case <-ctx.Done():
					done(ctx.Err())

					return
				}
			}
		}
	}
}

// gapGuard holds a subscription back in front of the first missing sequence
// number until it has been missing for timeout
type gapGuard struct {
	timeout time.Duration
	seq     uint64
	since   time.Time
}

// visible returns the leading events that follow offset without a pending gap
func (g *gapGuard) visible(offset uint64, evts []gormEvent, now time.Time) []gormEvent {
	next := offset + 1

	for i, evt := range evts {
		if evt.Sequence == next {
			next++

			continue
		}

		if g.seq != next {
			g.seq = next
			g.since = now
		}

		if now.Sub(g.since) < g.timeout {
			return evts[:i]
		}

		next = evt.Sequence + 1
	}

	g.seq = 0

	return evts
}

func (g *gapGuard) pending() bool { return g.seq != 0 }
