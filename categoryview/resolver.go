package categoryview

import (
	"context"
)

// BookIndex is the view store's book to category index
type BookIndex interface {
	QueryByBookStreamID(ctx context.Context, streamID string) (string, bool, error)
}

// NewViewResolver constructs a resolver backed by already materialized categories
func NewViewResolver(index BookIndex) *ViewResolver {
	return &ViewResolver{index: index}
}

// ViewResolver resolves book streams with a single point read of the
// materialized view, so only correlations committed by earlier batches are found
type ViewResolver struct {
	index BookIndex
}

// Resolve returns the category of the book stream's latest projected assignment
func (r *ViewResolver) Resolve(ctx context.Context, streamID string) (string, bool, error) {
	return r.index.QueryByBookStreamID(ctx, streamID)
}
