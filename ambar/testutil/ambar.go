// Package testutil builds ambar requests for tests
package testutil

import (
	"encoding/json"
	"testing"

	"github.com/aneshas/catalog/ambar"
	"github.com/aneshas/catalog/catalog"
	"github.com/aneshas/catalog/eventstore"
)

// OccurredOn is the timestamp of every record built by Record
const OccurredOn = "2024-10-12T20:07:22.436271+00"

// Record builds the ambar payload of the catalog event evt committed to
// stream at version, with the global sequence seq
func Record(t *testing.T, stream string, version int, seq uint64, evt any) ambar.Payload {
	t.Helper()

	enc, err := eventstore.NewJSONEncoder(catalog.Events()...).Encode(evt)
	if err != nil {
		t.Fatal(err)
	}

	return ambar.Payload{
		Event:         enc.Data,
		ID:            "event-" + stream,
		Sequence:      seq,
		Type:          enc.Type,
		StreamID:      stream,
		StreamVersion: version,
		OccurredOn:    OccurredOn,
	}
}

// Payload wraps p into a serialized ambar request
func Payload(t *testing.T, p ambar.Payload) []byte {
	t.Helper()

	data, err := json.Marshal(ambar.Req{
		Payload: p,
	})
	if err != nil {
		t.Fatal(err)
	}

	return data
}
