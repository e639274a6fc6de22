// Package categoryview materializes Category read models from category and
// book event streams.
//
// A book stream is correlated with its category by a CategoryAssignedToBook
// event which can be appended at any point of the book's lifetime. The
// Grouper routes every committed event to the category it belongs to,
// consulting already materialized categories for books whose assignment is
// not part of the batch, and back-fills the complete history of every routed
// book so that Fold can compute the book's current state.
package categoryview

import (
	"maps"
	"slices"
	"strings"
)

// Category is the materialized view of a category and its books
type Category struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Books   map[string]Book `json:"books"`
}

// Book is a book summary keyed by its book stream id
type Book struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Author  string `json:"author"`
	Version int    `json:"version"`

	// CategoryID and AssignedVersion record the latest folded
	// CategoryAssignedToBook. CategoryID names another category once the
	// book was reassigned.
	CategoryID      string `json:"category_id,omitempty"`
	AssignedVersion int    `json:"assigned_version,omitempty"`
}

// Created reports whether the category's CategoryCreated has been folded.
// Books assigned to a category before it is created are kept in a
// placeholder snapshot until then.
func (c *Category) Created() bool {
	return c.Version > 0
}

// BookList returns the category's books ordered by name and then by id
func (c *Category) BookList() []Book {
	books := slices.Collect(maps.Values(c.Books))

	slices.SortFunc(books, func(a, b Book) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}

		return strings.Compare(a.ID, b.ID)
	})

	return books
}

func (c *Category) clone(id string) *Category {
	if c == nil {
		return &Category{
			ID:    id,
			Books: map[string]Book{},
		}
	}

	out := *c
	out.Books = maps.Clone(c.Books)

	if out.Books == nil {
		out.Books = map[string]Book{}
	}

	return &out
}
