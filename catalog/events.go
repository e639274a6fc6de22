package catalog

// CategoryCreated starts a category stream
type CategoryCreated struct {
	Name string
}

// BookCreated starts a book stream
type BookCreated struct {
	Name   string
	Author string
}

// BookChanged replaces a book's name and author
type BookChanged struct {
	Name   string
	Author string
}

// CategoryAssignedToBook is appended to a book stream and correlates
// the book with the category stream identified by CategoryID
type CategoryAssignedToBook struct {
	CategoryID string
}

// Events returns a zero value of every catalog event, eg. for registering with an encoder
func Events() []any {
	return []any{
		CategoryCreated{},
		BookCreated{},
		BookChanged{},
		CategoryAssignedToBook{},
	}
}
