package sagalog

import (
	"context"
	"errors"
)

// ErrNotFound means no entry was ever written for the checkout.
var ErrNotFound = errors.New("sagalog: checkout not found")

// Repository persists checkout log entries. Save appends; it never updates.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error
	List(ctx context.Context, sagaID string) ([]*Entry, error)
}
