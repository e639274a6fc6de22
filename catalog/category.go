package catalog

import (
	"github.com/google/uuid"

	"github.com/aneshas/catalog/aggregate"
)

// CategoryID is the identity of a category stream
type CategoryID string

func (id CategoryID) String() string { return string(id) }

// NewCategory creates a new category with a fresh identity
func NewCategory(name string) (*Category, error) {
	if name == "" {
		return nil, ErrNameRequired
	}

	var c Category

	c.Rehydrate(&c)
	c.SetID(CategoryID(uuid.Must(uuid.NewV7()).String()))
	c.Apply(CategoryCreated{Name: name})

	return &c, nil
}

// Category is the write side of a book category
type Category struct {
	aggregate.Root[CategoryID]

	Name string
}

// OnCategoryCreated handler
func (c *Category) OnCategoryCreated(evt CategoryCreated) {
	c.Name = evt.Name
}
