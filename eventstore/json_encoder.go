package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrEventNotRegistered is returned by Decode for event types the encoder was not constructed with
var ErrEventNotRegistered = errors.New("event not registered")

// NewJSONEncoder constructs json encoder
// Every event type that is going to be decoded needs to be passed in (by value)
func NewJSONEncoder(evts ...any) *JSONEncoder {
	enc := JSONEncoder{
		types: make(map[string]reflect.Type),
	}

	for _, evt := range evts {
		t := reflect.TypeOf(evt)
		enc.types[t.Name()] = t
	}

	return &enc
}

// JSONEncoder provides default json Encoder implementation
// It will marshal and unmarshal events to/from json and store the type name
type JSONEncoder struct {
	types map[string]reflect.Type
}

// Encode marshals incoming event to it's json representation
func (e *JSONEncoder) Encode(evtData any) (*EncodedEvt, error) {
	data, err := json.Marshal(evtData)
	if err != nil {
		return nil, err
	}

	t := reflect.TypeOf(evtData)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return &EncodedEvt{
		Type: t.Name(),
		Data: string(data),
	}, nil
}

// Decode unmarshals incoming event to it's corresponding go type (value)
func (e *JSONEncoder) Decode(evt *EncodedEvt) (any, error) {
	t, ok := e.types[evt.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, evt.Type)
	}

	v := reflect.New(t)

	err := json.Unmarshal([]byte(evt.Data), v.Interface())
	if err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
