// Package ambar decodes Ambar data destination requests into stored events
// and feeds them to a projection
package ambar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relvacode/iso8601"
	"go.uber.org/zap"

	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
)

var (
	// ErrNoRetry can be returned (wrapped) by a projection in order to
	// acknowledge the record without projecting it
	ErrNoRetry = errors.New("no retry")

	// ErrRetry is returned when the record should be redelivered
	ErrRetry = errors.New("retry")

	// ErrKeepItGoing is returned when the record can not be projected
	// but delivery of following records should continue
	ErrKeepItGoing = errors.New("keep it going")
)

// SuccessResp is the success response
// https://docs.ambar.cloud/#Data%20Destinations
var SuccessResp = `{
  "result": {
    "success": {}
  }
}`

// RetryResp is the retry response
// https://docs.ambar.cloud/#Data%20Destinations
var RetryResp = `{
  "result": {
    "error": {
      "policy": "must_retry",
      "class": "must retry it",
      "description": "must retry it"
    }
  }
}`

// KeepGoingResp is the keep going response
// https://docs.ambar.cloud/#Data%20Destinations
var KeepGoingResp = `{
  "result": {
    "error": {
      "policy": "keep_going",
      "class": "keep it going",
      "description": "keep it going"
    }
  }
}`

// Projection applies a batch of stored events, eg. projection.Projector.Apply
type Projection func(ctx context.Context, batch []eventstore.StoredEvent) error

// Decoder is an interface for decoding events
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (any, error)
}

// Option represents ambar handler configuration option
type Option func(*Ambar)

// WithLogger sets the handler logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Ambar) {
		a.logger = l
	}
}

// New constructs a new Ambar projection handler
func New(dec Decoder, opts ...Option) *Ambar {
	a := Ambar{
		dec:    dec,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&a)
	}

	return &a
}

// Ambar is a projection handler for ambar events
type Ambar struct {
	dec    Decoder
	logger *zap.Logger
}

// Req is the ambar projection request
type Req struct {
	Payload Payload `json:"payload"`
}

// Payload is the ambar projection request payload
// (a row of the event table)
type Payload struct {
	Event              string  `json:"data"`
	Meta               *string `json:"meta"`
	ID                 string  `json:"id"`
	Sequence           uint64  `json:"sequence"`
	Type               string  `json:"type"`
	CausationEventID   *string `json:"causation_event_id"`
	CorrelationEventID *string `json:"correlation_event_id"`
	StreamID           string  `json:"stream_id"`
	StreamVersion      int     `json:"stream_version"`
	OccurredOn         string  `json:"occurred_on"`
}

// Project decodes the ambar record and applies it to projection.
// Records of event types the decoder does not know of are acknowledged.
// Malformed records and transient projection failures are returned wrapped
// with ErrRetry, integrity violations with ErrKeepItGoing.
func (a *Ambar) Project(ctx context.Context, proj Projection, data []byte) error {
	var req Req

	err := json.Unmarshal(data, &req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetry, err)
	}

	evt, err := a.decode(req.Payload)
	if err != nil {
		if errors.Is(err, eventstore.ErrEventNotRegistered) {
			return nil
		}

		return fmt.Errorf("%w: %w", ErrRetry, err)
	}

	err = proj(ctx, []eventstore.StoredEvent{evt})

	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrNoRetry), errors.Is(err, ErrKeepItGoing), errors.Is(err, ErrRetry):
		return err

	case errors.Is(err, projection.ErrIntegrity):
		a.logger.Warn("skipping record",
			zap.String("stream", evt.StreamID),
			zap.Int("version", evt.StreamVersion),
			zap.Uint64("sequence", evt.Sequence),
			zap.Error(err))

		return fmt.Errorf("%w: %w", ErrKeepItGoing, err)

	default:
		return fmt.Errorf("%w: %w", ErrRetry, err)
	}
}

func (a *Ambar) decode(p Payload) (eventstore.StoredEvent, error) {
	decoded, err := a.dec.Decode(&eventstore.EncodedEvt{
		Data: p.Event,
		Type: p.Type,
	})
	if err != nil {
		return eventstore.StoredEvent{}, err
	}

	occurredOn, err := iso8601.ParseString(p.OccurredOn)
	if err != nil {
		return eventstore.StoredEvent{}, err
	}

	var meta map[string]string

	if p.Meta != nil {
		err = json.Unmarshal([]byte(*p.Meta), &meta)
		if err != nil {
			return eventstore.StoredEvent{}, err
		}
	}

	return eventstore.StoredEvent{
		Event:              decoded,
		ID:                 p.ID,
		Meta:               meta,
		Sequence:           p.Sequence,
		Type:               p.Type,
		CausationEventID:   p.CausationEventID,
		CorrelationEventID: p.CorrelationEventID,
		StreamID:           p.StreamID,
		StreamVersion:      p.StreamVersion,
		OccurredOn:         occurredOn,
	}, nil
}
