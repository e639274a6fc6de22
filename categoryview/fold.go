package categoryview

import (
	"fmt"

	"github.com/aneshas/catalog/catalog"
	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/projection"
)

var (
	// ErrDuplicateCategoryCreated is returned when a category stream is created twice
	ErrDuplicateCategoryCreated = fmt.Errorf("%w: duplicate CategoryCreated", projection.ErrIntegrity)

	// ErrDuplicateBookCreated is returned when a book stream is created twice
	ErrDuplicateBookCreated = fmt.Errorf("%w: duplicate BookCreated", projection.ErrIntegrity)

	// ErrIncompleteHistory is returned when book events are folded without
	// the preceding events of the same book stream
	ErrIncompleteHistory = fmt.Errorf("%w: incomplete book history", projection.ErrIntegrity)

	// ErrMisrouted is returned when a category's own events are folded into another category
	ErrMisrouted = fmt.Errorf("%w: event routed to a foreign category", projection.ErrIntegrity)
)

var _ projection.Folder[Category] = Fold

// Fold applies events to the category snapshot identified by id.
// current is never modified, a nil current starts an empty snapshot.
//
// Every event is applied at most once per category: the snapshot keeps the
// last applied version of the category stream and of every book stream, and
// events at or below it are skipped. Re-folding an already applied batch
// therefore yields an identical snapshot.
// Events of one stream must be in stream order, events of different streams
// may be interleaved arbitrarily.
func Fold(id string, current *Category, events []eventstore.StoredEvent) (*Category, error) {
	c := current.clone(id)

	for _, evt := range events {
		if err := c.apply(evt); err != nil {
			return nil, fmt.Errorf(
				"category %s: %s %s@%d: %w",
				id, evt.Type, evt.StreamID, evt.StreamVersion, err,
			)
		}
	}

	return c, nil
}

func (c *Category) apply(evt eventstore.StoredEvent) error {
	switch e := evt.Event.(type) {
	case catalog.CategoryCreated:
		if evt.StreamID != c.ID {
			return ErrMisrouted
		}

		if evt.StreamVersion <= c.Version {
			return nil
		}

		if c.Version > 0 {
			return ErrDuplicateCategoryCreated
		}

		c.Name = e.Name
		c.Version = evt.StreamVersion

	case catalog.BookCreated:
		if b, ok := c.Books[evt.StreamID]; ok {
			if evt.StreamVersion <= b.Version {
				return nil
			}

			return ErrDuplicateBookCreated
		}

		c.Books[evt.StreamID] = Book{
			ID:      evt.StreamID,
			Name:    e.Name,
			Author:  e.Author,
			Version: evt.StreamVersion,
		}

	case catalog.BookChanged:
		return c.advance(evt, true, func(b *Book) {
			b.Name = e.Name
			b.Author = e.Author
		})

	case catalog.CategoryAssignedToBook:
		return c.advance(evt, false, func(b *Book) {
			b.CategoryID = e.CategoryID
			b.AssignedVersion = evt.StreamVersion
		})

	default:
		// foreign event types carry no book content but still occupy a
		// stream version
		return c.advance(evt, false, func(*Book) {})
	}

	return nil
}

// advance applies the next event of an existing book stream
func (c *Category) advance(evt eventstore.StoredEvent, required bool, f func(*Book)) error {
	b, ok := c.Books[evt.StreamID]
	if !ok {
		if required {
			return ErrIncompleteHistory
		}

		return nil
	}

	if evt.StreamVersion <= b.Version {
		return nil
	}

	if evt.StreamVersion != b.Version+1 {
		return ErrIncompleteHistory
	}

	f(&b)
	b.Version = evt.StreamVersion
	c.Books[evt.StreamID] = b

	return nil
}
