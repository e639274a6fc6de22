package projection_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
)

type tally struct {
	Count int
}

type memStore struct {
	mu         sync.Mutex
	docs       map[string]projection.Snapshot[tally]
	checkpoint uint64
	puts       int

	getErr error
	putErr error
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]projection.Snapshot[tally]{}}
}

func (s *memStore) Get(_ context.Context, id string) (projection.Snapshot[tally], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return projection.Snapshot[tally]{}, s.getErr
	}

	doc, ok := s.docs[id]
	if !ok {
		return projection.Snapshot[tally]{ID: id}, nil
	}

	return doc, nil
}

func (s *memStore) PutAll(_ context.Context, snapshots []projection.Snapshot[tally], checkpoint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return s.putErr
	}

	for _, snap := range snapshots {
		snap.Revision++
		s.docs[snap.ID] = snap
	}

	s.checkpoint = checkpoint
	s.puts++

	return nil
}

func (s *memStore) Checkpoint(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpoint, nil
}

func count(s *memStore, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok && doc.State != nil {
		return doc.State.Count
	}

	return 0
}

// byStream routes every event to its own stream
var byStream = projection.GrouperFunc(func(_ context.Context, batch []eventstore.StoredEvent) ([]projection.Slice, error) {
	var out []projection.Slice

	index := map[string]int{}

	for _, evt := range batch {
		i, ok := index[evt.StreamID]
		if !ok {
			i = len(out)
			index[evt.StreamID] = i
			out = append(out, projection.Slice{ID: evt.StreamID})
		}

		out[i].Events = append(out[i].Events, evt)
	}

	return out, nil
})

func foldTally(_ string, current *tally, events []eventstore.StoredEvent) (*tally, error) {
	next := tally{}

	if current != nil {
		next = *current
	}

	for _, evt := range events {
		if evt.Type == "Corrupt" {
			return nil, fmt.Errorf("%w: corrupt event", projection.ErrIntegrity)
		}

		next.Count++
	}

	return &next, nil
}

func event(stream string, version int, seq uint64) eventstore.StoredEvent {
	return eventstore.StoredEvent{
		StreamID:      stream,
		StreamVersion: version,
		Sequence:      seq,
		Type:          "Counted",
	}
}

func TestApply_Folds_Every_Group_And_Commits_Checkpoint(t *testing.T) {
	store := newMemStore()
	reg := prometheus.NewRegistry()

	p := projection.NewProjector[tally](nil, byStream, foldTally, store, projection.WithRegisterer(reg))

	err := p.Apply(context.Background(), []eventstore.StoredEvent{
		event("a", 1, 1),
		event("b", 1, 2),
		event("a", 2, 3),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, count(store, "a"))
	assert.Equal(t, 1, count(store, "b"))
	assert.Equal(t, uint64(3), store.checkpoint)
	assert.Equal(t, 1, store.docs["a"].Revision)

	err = p.Apply(context.Background(), []eventstore.StoredEvent{event("a", 3, 4)})

	require.NoError(t, err)
	assert.Equal(t, 3, count(store, "a"))
	assert.Equal(t, 2, store.docs["a"].Revision)

	assert.Equal(t, float64(2), counter(t, reg, "projection_batches_total"))
	assert.Equal(t, float64(4), counter(t, reg, "projection_events_total"))
	assert.Equal(t, float64(3), counter(t, reg, "projection_aggregates_folded_total"))
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var sum float64

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}

	return sum
}

func TestApply_Ignores_Empty_Batch(t *testing.T) {
	store := newMemStore()

	p := projection.NewProjector[tally](nil, byStream, foldTally, store)

	require.NoError(t, p.Apply(context.Background(), nil))
	assert.Equal(t, 0, store.puts)
}

func TestApply_Classifies_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		grouper projection.Grouper
		store   func() *memStore
		batch   []eventstore.StoredEvent
		wantErr error
	}{
		{
			name: "group failure is retryable",
			grouper: projection.GrouperFunc(func(context.Context, []eventstore.StoredEvent) ([]projection.Slice, error) {
				return nil, boom
			}),
			store:   newMemStore,
			batch:   []eventstore.StoredEvent{event("a", 1, 1)},
			wantErr: projection.ErrRetryable,
		},
		{
			name:    "get failure is retryable",
			grouper: byStream,
			store: func() *memStore {
				s := newMemStore()
				s.getErr = boom

				return s
			},
			batch:   []eventstore.StoredEvent{event("a", 1, 1)},
			wantErr: projection.ErrRetryable,
		},
		{
			name:    "commit failure is retryable",
			grouper: byStream,
			store: func() *memStore {
				s := newMemStore()
				s.putErr = boom

				return s
			},
			batch:   []eventstore.StoredEvent{event("a", 1, 1)},
			wantErr: projection.ErrRetryable,
		},
		{
			name:    "fold integrity violation is not retryable",
			grouper: byStream,
			store:   newMemStore,
			batch: []eventstore.StoredEvent{
				event("a", 1, 1),
				{StreamID: "b", StreamVersion: 1, Sequence: 2, Type: "Corrupt"},
			},
			wantErr: projection.ErrIntegrity,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store()

			p := projection.NewProjector[tally](nil, tc.grouper, foldTally, store)

			err := p.Apply(context.Background(), tc.batch)

			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, 0, store.puts)
			assert.Empty(t, store.docs)
			assert.Equal(t, uint64(0), store.checkpoint)

			if errors.Is(tc.wantErr, projection.ErrIntegrity) {
				assert.NotErrorIs(t, err, projection.ErrRetryable)
			}
		})
	}
}

func TestCatchUp_Applies_Committed_Events_From_Checkpoint(t *testing.T) {
	es := eventStore(t)
	store := newMemStore()
	ctx := context.Background()

	append3 := func(stream string, ver int) {
		_, err := es.AppendStream(ctx, stream, ver, []eventstore.EventToStore{
			{Event: Counted{}}, {Event: Counted{}}, {Event: Counted{}},
		})
		require.NoError(t, err)
	}

	append3("a", 0)
	append3("b", 0)

	p := projection.NewProjector[tally](
		es, byStream, foldTally, store,
		projection.WithBatchSize(4),
		projection.WithPollInterval(time.Millisecond),
	)

	require.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, 3, count(store, "a"))
	assert.Equal(t, 3, count(store, "b"))
	assert.Equal(t, uint64(6), store.checkpoint)

	append3("a", 3)

	require.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, 6, count(store, "a"))
	assert.Equal(t, 3, count(store, "b"))
	assert.Equal(t, uint64(9), store.checkpoint)
}

func TestRun_Stops_On_Integrity_Violation(t *testing.T) {
	es := eventStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := es.AppendStream(ctx, "a", 0, []eventstore.EventToStore{{Event: Corrupt{}}})
	require.NoError(t, err)

	p := projection.NewProjector[tally](
		es, byStream, foldTally, newMemStore(),
		projection.WithPollInterval(time.Millisecond),
	)

	err = p.Run(ctx)

	assert.ErrorIs(t, err, projection.ErrIntegrity)
}

func TestRun_Returns_When_Context_Is_Canceled(t *testing.T) {
	es := eventStore(t)
	store := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())

	_, err := es.AppendStream(ctx, "a", 0, []eventstore.EventToStore{{Event: Counted{}}})
	require.NoError(t, err)

	p := projection.NewProjector[tally](
		es, byStream, foldTally, store,
		projection.WithPollInterval(time.Millisecond),
	)

	done := make(chan error)

	go func() {
		done <- p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return count(store, "a") == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("projector did not stop")
	}
}

type Counted struct{}

type Corrupt struct{}

func eventStore(t *testing.T) *eventstore.EventStore {
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), "projection-*.db")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(Counted{}, Corrupt{}),
		eventstore.WithSQLiteDB(file.Name()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = es.Close()
	})

	return es
}
