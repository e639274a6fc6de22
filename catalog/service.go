package catalog

import (
	"context"

	"github.com/aneshas/catalog/aggregate"
)

// NewService constructs the catalog command service on top of an event store
func NewService(es aggregate.EventStore) *Service {
	categories := aggregate.NewStore[*Category](es)
	books := aggregate.NewStore[*Book](es)

	return &Service{
		categories: categories,
		books:      books,
		execBook:   aggregate.NewExecutor(books),
	}
}

// Service handles catalog commands by appending events to category and book streams
type Service struct {
	categories *aggregate.Store[*Category]
	books      *aggregate.Store[*Book]
	execBook   aggregate.Executor[*Book]
}

// CreateCategory starts a new category stream and returns its id
func (s *Service) CreateCategory(ctx context.Context, name string) (string, error) {
	c, err := NewCategory(name)
	if err != nil {
		return "", err
	}

	if err := s.categories.Save(ctx, c); err != nil {
		return "", err
	}

	return c.StringID(), nil
}

// CreateBook starts a new book stream and returns its id.
// If categoryID is not empty the book is assigned in the same commit.
func (s *Service) CreateBook(ctx context.Context, name, author, categoryID string) (string, error) {
	b, err := NewBook(name, author)
	if err != nil {
		return "", err
	}

	if categoryID != "" {
		if err := b.AssignTo(categoryID); err != nil {
			return "", err
		}
	}

	if err := s.books.Save(ctx, b); err != nil {
		return "", err
	}

	return b.StringID(), nil
}

// ChangeBook changes the name and author of an existing book
func (s *Service) ChangeBook(ctx context.Context, bookID, name, author string) error {
	return s.onBook(ctx, bookID, func(b *Book) error {
		return b.Change(name, author)
	})
}

// AssignCategory assigns an existing book to a category
func (s *Service) AssignCategory(ctx context.Context, bookID, categoryID string) error {
	return s.onBook(ctx, bookID, func(b *Book) error {
		return b.AssignTo(categoryID)
	})
}

func (s *Service) onBook(ctx context.Context, bookID string, f func(*Book) error) error {
	var b Book

	b.SetID(BookID(bookID))

	return s.execBook(ctx, &b, func(context.Context) error {
		return f(&b)
	})
}
