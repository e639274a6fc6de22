package aggregate

import (
	"context"
	"errors"

	"github.com/aneshas/catalog/eventstore"
)

// ErrAggregateNotFound is returned when no events are stored for the requested aggregate
var ErrAggregateNotFound = errors.New("aggregate not found")

// Rooter represents an aggregate root (see Root)
type Rooter interface {
	StringID() string
	Events() []Event
	Version() int
	Rehydrate(aggregatePtr any, events ...Event)
}

// NewStore constructs new event sourced aggregate store
func NewStore[T Rooter](eventStore EventStore) *Store[T] {
	return &Store[T]{
		eventStore: eventStore,
	}
}

// EventStore represents event store
type EventStore interface {
	AppendStream(ctx context.Context, id string, version int, events []eventstore.EventToStore) ([]int, error)
	ReadStream(ctx context.Context, id string) ([]eventstore.StoredEvent, error)
}

// Store represents event sourced aggregate store
type Store[T Rooter] struct {
	eventStore EventStore
}

type ctxKey int

const (
	ctxMetaKey ctxKey = iota
	ctxCausationIDKey
	ctxCorrelationIDKey
)

// CtxWithMeta returns a context carrying meta data which Save attaches to every stored event
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, ctxMetaKey, meta)
}

// CtxWithCausationID returns a context carrying the causation event id for stored events
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCausationIDKey, id)
}

// CtxWithCorrelationID returns a context carrying the correlation event id for stored events
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationIDKey, id)
}

// Save saves aggregate events to the event store
func (s *Store[T]) Save(ctx context.Context, aggregate T) error {
	var events []eventstore.EventToStore

	meta, _ := ctx.Value(ctxMetaKey).(map[string]string)
	causationID, _ := ctx.Value(ctxCausationIDKey).(string)
	correlationID, _ := ctx.Value(ctxCorrelationIDKey).(string)

	for _, evt := range aggregate.Events() {
		events = append(events, eventstore.EventToStore{
			Event:              evt.E,
			ID:                 evt.ID,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   causationID,
			CorrelationEventID: correlationID,
			Meta:               meta,
		})
	}

	_, err := s.eventStore.AppendStream(
		ctx,
		aggregate.StringID(),
		aggregate.Version(),
		events,
	)

	return err
}

// ByID finds aggregate events by its id and rehydrates the aggregate
func (s *Store[T]) ByID(ctx context.Context, id string, root T) error {
	storedEvents, err := s.eventStore.ReadStream(ctx, id)
	if err != nil {
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			return ErrAggregateNotFound
		}

		return err
	}

	var events []Event

	for _, evt := range storedEvents {
		events = append(events, Event{
			ID:                 evt.ID,
			E:                  evt.Event,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			Meta:               evt.Meta,
		})
	}

	root.Rehydrate(root, events...)

	return nil
}
