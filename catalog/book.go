package catalog

import (
	"errors"

	"github.com/google/uuid"

	"github.com/aneshas/catalog/aggregate"
)

var (
	// ErrNameRequired is returned when a category or book is given an empty name
	ErrNameRequired = errors.New("name is required")

	// ErrAuthorRequired is returned when a book is given an empty author
	ErrAuthorRequired = errors.New("author is required")

	// ErrCategoryRequired is returned when a book is assigned to an empty category id
	ErrCategoryRequired = errors.New("category id is required")
)

// BookID is the identity of a book stream
type BookID string

func (id BookID) String() string { return string(id) }

// NewBook creates a new, not yet categorized, book with a fresh identity
func NewBook(name, author string) (*Book, error) {
	if err := validate(name, author); err != nil {
		return nil, err
	}

	var b Book

	b.Rehydrate(&b)
	b.SetID(BookID(uuid.Must(uuid.NewV7()).String()))
	b.Apply(BookCreated{Name: name, Author: author})

	return &b, nil
}

func validate(name, author string) error {
	if name == "" {
		return ErrNameRequired
	}

	if author == "" {
		return ErrAuthorRequired
	}

	return nil
}

// Book is the write side of a book
type Book struct {
	aggregate.Root[BookID]

	Name       string
	Author     string
	CategoryID string
}

// Change renames the book and/or changes its author
func (b *Book) Change(name, author string) error {
	if err := validate(name, author); err != nil {
		return err
	}

	if b.Name == name && b.Author == author {
		return nil
	}

	b.Apply(BookChanged{Name: name, Author: author})

	return nil
}

// AssignTo assigns the book to a category. Assigning to a different
// category later moves the book, assigning to the current one is a no-op.
func (b *Book) AssignTo(categoryID string) error {
	if categoryID == "" {
		return ErrCategoryRequired
	}

	if b.CategoryID == categoryID {
		return nil
	}

	b.Apply(CategoryAssignedToBook{CategoryID: categoryID})

	return nil
}

// OnBookCreated handler
func (b *Book) OnBookCreated(evt BookCreated) {
	b.Name = evt.Name
	b.Author = evt.Author
}

// OnBookChanged handler
func (b *Book) OnBookChanged(evt BookChanged) {
	b.Name = evt.Name
	b.Author = evt.Author
}

// OnCategoryAssignedToBook handler
func (b *Book) OnCategoryAssignedToBook(evt CategoryAssignedToBook) {
	b.CategoryID = evt.CategoryID
}
