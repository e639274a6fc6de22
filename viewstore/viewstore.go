// Package viewstore persists materialized categories in a sql database (sqlite or postgres).
//
// Next to the serialized snapshots the store maintains an index from book
// stream id to the category of the book's latest projected assignment, which
// the projection uses to route book events whose assignment happened in an
// earlier batch, and the checkpoint of the projection.
package viewstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aneshas/catalog/categoryview"
	"github.com/aneshas/catalog/projection"
)

// ErrConcurrentUpdate indicates that the snapshot was written by someone else
// after it had been read
var ErrConcurrentUpdate = errors.New("snapshot revision changed concurrently")

var (
	_ projection.Store[categoryview.Category] = (*Store)(nil)
	_ categoryview.BookIndex                  = (*Store)(nil)
)

// Cfg represents view store configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	DB          *gorm.DB

	// Name identifies the projection checkpoint
	Name string
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

// Option represents view store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures the store to use postgres
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures the store to use sqlite
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithDB makes the store use an already opened gorm connection
func WithDB(db *gorm.DB) Option {
	return func(cfg Cfg) Cfg {
		cfg.DB = db

		return cfg
	}
}

// WithName sets the name the projection checkpoint is stored under
func WithName(name string) Option {
	return func(cfg Cfg) Cfg {
		cfg.Name = name

		return cfg
	}
}

// New constructs a view store and migrates its tables
func New(opts ...Option) (*Store, error) {
	cfg := Cfg{
		Name: "category_view",
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	db, err := cfg.open()
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&gormCategory{}, &gormBook{}, &gormCheckpoint{})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:   db,
		name: cfg.Name,
	}, nil
}

// Store is a gorm backed category view store
type Store struct {
	db   *gorm.DB
	name string
}

type gormCategory struct {
	ID        string `gorm:"primaryKey"`
	Revision  int
	Data      string
	UpdatedAt time.Time
}

func (gormCategory) TableName() string { return "category_view" }

type gormBook struct {
	BookStreamID    string `gorm:"primaryKey"`
	CategoryID      string `gorm:"index"`
	AssignedVersion int
}

func (gormBook) TableName() string { return "category_book" }

type gormCheckpoint struct {
	Name     string `gorm:"primaryKey"`
	Position uint64
}

func (gormCheckpoint) TableName() string { return "projection_checkpoint" }

// Get returns the latest snapshot of the category or a snapshot with
// revision 0 and a nil state if it has not been materialized yet
func (s *Store) Get(ctx context.Context, id string) (projection.Snapshot[categoryview.Category], error) {
	snap := projection.Snapshot[categoryview.Category]{ID: id}

	var rows []gormCategory

	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return snap, err
	}

	if len(rows) == 0 {
		return snap, nil
	}

	var c categoryview.Category

	if err := json.Unmarshal([]byte(rows[0].Data), &c); err != nil {
		return snap, fmt.Errorf("decode category %s: %w", id, err)
	}

	snap.Revision = rows[0].Revision
	snap.State = &c

	return snap, nil
}

// List returns all created categories ordered by id. Placeholders of
// categories that only have books assigned so far are left out.
func (s *Store) List(ctx context.Context) ([]categoryview.Category, error) {
	var rows []gormCategory

	err := s.db.WithContext(ctx).Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]categoryview.Category, 0, len(rows))

	for _, row := range rows {
		var c categoryview.Category

		if err := json.Unmarshal([]byte(row.Data), &c); err != nil {
			return nil, fmt.Errorf("decode category %s: %w", row.ID, err)
		}

		if !c.Created() {
			continue
		}

		out = append(out, c)
	}

	return out, nil
}

// Put writes a single snapshot if it has not changed since it was read
// (its Revision is still current), otherwise ErrConcurrentUpdate is returned
func (s *Store) Put(ctx context.Context, snap projection.Snapshot[categoryview.Category]) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return put(tx, snap)
	})
}

// PutAll writes all snapshots, their book index entries and the checkpoint
// in a single transaction
func (s *Store) PutAll(ctx context.Context, snapshots []projection.Snapshot[categoryview.Category], checkpoint uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, snap := range snapshots {
			if err := put(tx, snap); err != nil {
				return err
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"position"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.position > projection_checkpoint.position"},
			}},
		}).Create(&gormCheckpoint{
			Name:     s.name,
			Position: checkpoint,
		}).Error
	})
}

func put(tx *gorm.DB, snap projection.Snapshot[categoryview.Category]) error {
	if snap.State == nil {
		return fmt.Errorf("category %s: snapshot without state", snap.ID)
	}

	data, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	var res *gorm.DB

	if snap.Revision == 0 {
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gormCategory{
			ID:        snap.ID,
			Revision:  1,
			Data:      string(data),
			UpdatedAt: now,
		})
	} else {
		res = tx.Model(&gormCategory{}).
			Where("id = ? AND revision = ?", snap.ID, snap.Revision).
			Updates(map[string]any{
				"revision":   snap.Revision + 1,
				"data":       string(data),
				"updated_at": now,
			})
	}

	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("category %s at revision %d: %w", snap.ID, snap.Revision, ErrConcurrentUpdate)
	}

	return index(tx, snap.ID, snap.State.Books)
}

// index points every book of the category at the category of the book's
// latest folded assignment. A category may have folded a book's history past
// its reassignment elsewhere, so the assignment decides and not the snapshot
// the book was found in. Older assignments never replace newer ones.
func index(tx *gorm.DB, categoryID string, books map[string]categoryview.Book) error {
	if len(books) == 0 {
		return nil
	}

	rows := make([]gormBook, 0, len(books))

	for id, b := range books {
		row := gormBook{
			BookStreamID:    id,
			CategoryID:      b.CategoryID,
			AssignedVersion: b.AssignedVersion,
		}

		if row.CategoryID == "" {
			row.CategoryID = categoryID
			row.AssignedVersion = 0
		}

		rows = append(rows, row)
	}

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_stream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"category_id", "assigned_version"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.assigned_version > category_book.assigned_version"},
		}},
	}).CreateInBatches(&rows, 200).Error
}

// QueryByBookStreamID returns the category of the book stream's latest projected assignment
func (s *Store) QueryByBookStreamID(ctx context.Context, streamID string) (string, bool, error) {
	var rows []gormBook

	err := s.db.WithContext(ctx).
		Where("book_stream_id = ?", streamID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return "", false, err
	}

	if len(rows) == 0 {
		return "", false, nil
	}

	return rows[0].CategoryID, true, nil
}

// Checkpoint returns the global sequence of the last committed batch
func (s *Store) Checkpoint(ctx context.Context) (uint64, error) {
	var rows []gormCheckpoint

	err := s.db.WithContext(ctx).
		Where("name = ?", s.name).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		return 0, nil
	}

	return rows[0].Position, nil
}

// Close closes the underlying sql connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
