// Package projection runs multi-stream projections over the event store.
//
// A projection is described by three parts: a Grouper which decides which
// aggregate identity each event of a committed batch belongs to, a Folder
// which reduces an aggregate's events into a snapshot, and a Store which
// persists the latest snapshots together with the projection's position in
// the event log. The Projector ties them together so that every batch is
// applied all-or-nothing.
package projection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aneshas/catalog/eventstore"
)

var (
	// ErrIntegrity marks consistency violations in the event history
	// (eg. duplicate creation events). Batches failing with it are never retried.
	ErrIntegrity = errors.New("data integrity violation")

	// ErrRetryable marks transient failures after which the whole batch
	// should be redelivered
	ErrRetryable = errors.New("retryable projection failure")
)

// Retryable marks err as retryable unless it is an integrity violation
// or is already marked
func Retryable(err error) error {
	if err == nil || errors.Is(err, ErrIntegrity) || errors.Is(err, ErrRetryable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Slice is the ordered set of events a single aggregate should be folded with
type Slice struct {
	ID     string
	Events []eventstore.StoredEvent
}

// Grouper partitions a batch of committed events by target aggregate identity.
// Events which cannot be routed yet are left out of the result.
type Grouper interface {
	Group(ctx context.Context, batch []eventstore.StoredEvent) ([]Slice, error)
}

// GrouperFunc adapts a function to the Grouper interface
type GrouperFunc func(ctx context.Context, batch []eventstore.StoredEvent) ([]Slice, error)

// Group calls f
func (f GrouperFunc) Group(ctx context.Context, batch []eventstore.StoredEvent) ([]Slice, error) {
	return f(ctx, batch)
}

// Folder reduces events into the snapshot of the aggregate identified by id.
// current is the last persisted snapshot or nil. Implementations must not
// modify current.
type Folder[T any] func(id string, current *T, events []eventstore.StoredEvent) (*T, error)

// Snapshot is a materialized aggregate along with the revision it was read at.
// Revision 0 means the aggregate has not been persisted yet.
type Snapshot[T any] struct {
	ID       string
	Revision int
	State    *T
}

// Store persists projection snapshots
type Store[T any] interface {
	// Get returns the latest snapshot, or one with a nil State if there is none
	Get(ctx context.Context, id string) (Snapshot[T], error)

	// PutAll atomically writes all snapshots and the new checkpoint.
	// Writes are compare-and-swap on each snapshot's Revision.
	PutAll(ctx context.Context, snapshots []Snapshot[T], checkpoint uint64) error

	// Checkpoint returns the global sequence of the last applied event
	Checkpoint(ctx context.Context) (uint64, error)
}

// EventStreamer represents an event stream that can be subscribed to
// eventstore.EventStore is the bundled implementation
type EventStreamer interface {
	SubscribeAll(context.Context, ...eventstore.SubAllOpt) (eventstore.Subscription, error)
}

// Merge combines a stream history read from the event log with events of the
// current batch. Duplicates (same stream and stream version) are dropped and
// the result is ordered by stream and then by stream version.
func Merge(history, batch []eventstore.StoredEvent) []eventstore.StoredEvent {
	type key struct {
		stream  string
		version int
	}

	seen := make(map[key]struct{}, len(history)+len(batch))
	out := make([]eventstore.StoredEvent, 0, len(history)+len(batch))

	for _, evts := range [][]eventstore.StoredEvent{history, batch} {
		for _, evt := range evts {
			k := key{evt.StreamID, evt.StreamVersion}

			if _, ok := seen[k]; ok {
				continue
			}

			seen[k] = struct{}{}
			out = append(out, evt)
		}
	}

	slices.SortStableFunc(out, func(a, b eventstore.StoredEvent) int {
		return cmp.Or(
			cmp.Compare(a.StreamID, b.StreamID),
			cmp.Compare(a.StreamVersion, b.StreamVersion),
		)
	})

	return out
}
