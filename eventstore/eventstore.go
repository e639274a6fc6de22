// Package eventstore provides a light-weight append-only event log
// that uses sqlite or postgres as a backing storage.
// Streams are appended to with an optimistic concurrency check and can be
// read one at a time, in bulk by a set of stream ids, or followed in global
// commit order with a polling subscription.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the event store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that stream entry related to a particular version already exists
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: stream version exists")
)

// EncodedEvt represents encoded event used by a specific encoder implementation
type EncodedEvt struct {
	Data string
	Type string
}

// Encoder is used by the event store in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(any) (*EncodedEvt, error)
	Decode(*EncodedEvt) (any, error)
}

// New constructs new event store
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	db, err := cfg.open()
	if err != nil {
		return nil, err
	}

	return &EventStore{
		db:  db,
		enc: enc,
	}, db.AutoMigrate(&gormEvent{})
}

// Cfg represents event store configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	DB          *gorm.DB
}

func (cfg Cfg) open() (*gorm.DB, error) {
	if cfg.DB != nil {
		return cfg.DB, nil
	}

	var dial gorm.Dialector

	switch {
	case cfg.PostgresDSN != "":
		dial = postgres.Open(cfg.PostgresDSN)
	case cfg.SQLitePath != "":
		dial = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	return gorm.Open(dial, &gorm.Config{})
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event store option that can be used to configure
// the eventstore to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event store option that can be used to configure
// the eventstore to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithDB makes the event store use an already opened gorm connection,
// eg. one shared with the view store
func WithDB(db *gorm.DB) Option {
	return func(cfg Cfg) Cfg {
		cfg.DB = db

		return cfg
	}
}

// EventStore represents a gorm backed event store implementation
type EventStore struct {
	db  *gorm.DB
	enc Encoder
}

// DB exposes the underlying connection so other stores can share it
func (es *EventStore) DB() *gorm.DB { return es.db }

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (es *EventStore) Close() error {
	sqlDB, err := es.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	ID                 string `gorm:"unique"`
	Sequence           uint64 `gorm:"autoIncrement;primaryKey"`
	Type               string
	Data               string
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string    `gorm:"index:idx_optimistic_check,unique;index"`
	StreamVersion      int       `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn         time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

const (
	// InitialStreamVersion can be used as an initial expectedVer for
	// new streams (as an argument to AppendStream)
	InitialStreamVersion int = 0
)

// AppendStream will encode provided event slice and try to append them to
// an indicated stream. If the stream does not exist it will be created.
// If the stream already exists an optimistic concurrency check will be performed
// using a compound key (stream-expectedVer).
// expectedVer should be InitialStreamVersion for new streams and the latest
// stream version for existing streams, otherwise ErrConcurrencyCheckFailed
// will be returned.
// On success the committed stream versions are returned in event order.
func (es *EventStore) AppendStream(
	ctx context.Context,
	stream string,
	expectedVer int,
	events []EventToStore) ([]int, error) {

	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	if expectedVer < InitialStreamVersion {
		return nil, fmt.Errorf("expected version cannot be less than 0")
	}

	if len(events) == 0 {
		return nil, nil
	}

	eventsToSave := make([]gormEvent, len(events))
	versions := make([]int, len(events))

	for i, evt := range events {
		encoded, err := es.enc.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		expectedVer++

		event := gormEvent{
			ID:            evt.ID,
			Type:          encoded.Type,
			Data:          encoded.Data,
			StreamID:      stream,
			StreamVersion: expectedVer,
			OccurredOn:    evt.OccurredOn,
		}

		if evt.CorrelationEventID != "" {
			event.CorrelationEventID = &evt.CorrelationEventID
		}

		if evt.CausationEventID != "" {
			event.CausationEventID = &evt.CausationEventID
		}

		if evt.Meta != nil {
			m, err := json.Marshal(evt.Meta)
			if err != nil {
				return nil, err
			}

			ms := string(m)

			event.Meta = &ms
		}

		if event.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}

			event.ID = id.String()
		}

		if event.OccurredOn.IsZero() {
			event.OccurredOn = time.Now().UTC()
		}

		eventsToSave[i] = event
		versions[i] = expectedVer
	}

	err := es.db.WithContext(ctx).Create(&eventsToSave).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrencyCheckFailed
		}

		return nil, err
	}

	return versions, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error

	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}

	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// ReadStream will read all events associated with provided stream
// If there are no events stored for a given stream ErrStreamNotFound will be returned
func (es *EventStore) ReadStream(ctx context.Context, stream string) ([]StoredEvent, error) {
	var events []gormEvent

	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	if err := es.db.
		WithContext(ctx).
		Where("stream_id = ?", stream).
		Order("stream_version asc").
		Find(&events).Error; err != nil {

		return nil, err
	}

	if len(events) == 0 {
		return nil, ErrStreamNotFound
	}

	return es.decodeEvents(events)
}

// ReadStreams reads the complete history of every stream in the provided set
// with a single query. Events are ordered by stream and then by stream version,
// so each stream's events keep their append order.
// Streams that do not exist are simply absent from the result.
func (es *EventStore) ReadStreams(ctx context.Context, streams []string) ([]StoredEvent, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	var events []gormEvent

	if err := es.db.
		WithContext(ctx).
		Where("stream_id IN ?", streams).
		Order("stream_id asc").
		Order("stream_version asc").
		Find(&events).Error; err != nil {

		return nil, err
	}

	return es.decodeEvents(events)
}

func (es *EventStore) decodeEvents(events []gormEvent) ([]StoredEvent, error) {
	out := make([]StoredEvent, len(events))

	for i, evt := range events {
		data, err := es.enc.Decode(&EncodedEvt{
			Data: evt.Data,
			Type: evt.Type,
		})
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", evt.ID, err)
		}

		var meta map[string]string

		if evt.Meta != nil {
			err = json.Unmarshal([]byte(*evt.Meta), &meta)
			if err != nil {
				return nil, err
			}
		}

		out[i] = StoredEvent{
			Event:              data,
			Meta:               meta,
			ID:                 evt.ID,
			Sequence:           evt.Sequence,
			Type:               evt.Type,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			StreamID:           evt.StreamID,
			StreamVersion:      evt.StreamVersion,
			OccurredOn:         evt.OccurredOn,
		}
	}

	return out, nil
}
