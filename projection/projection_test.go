package projection_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
)

func TestMerge_Dedupes_And_Orders_By_Stream_Version(t *testing.T) {
	history := []eventstore.StoredEvent{
		event("b", 1, 2),
		event("b", 2, 5),
		event("a", 1, 1),
	}

	batch := []eventstore.StoredEvent{
		event("b", 3, 7),
		event("b", 2, 5),
	}

	got := projection.Merge(history, batch)

	var keys []string

	for _, evt := range got {
		keys = append(keys, evt.StreamID+string(rune('0'+evt.StreamVersion)))
	}

	assert.Equal(t, []string{"a1", "b1", "b2", "b3"}, keys)
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, projection.Merge(nil, nil))
}

func TestRetryable(t *testing.T) {
	boom := errors.New("boom")

	err := projection.Retryable(boom)

	assert.ErrorIs(t, err, projection.ErrRetryable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, err, projection.Retryable(err))

	integrity := errors.Join(projection.ErrIntegrity, boom)

	assert.Equal(t, integrity, projection.Retryable(integrity))
	assert.NoError(t, projection.Retryable(nil))
}
