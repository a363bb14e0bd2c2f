package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden reports that the row exists but belongs to another user.
	ErrForbidden = errors.New("forbidden")
)

// WorldTooLargeError reports a world description over the tier's token cap.
type WorldTooLargeError struct {
	Tokens int
	Limit  int
}

func (e *WorldTooLargeError) Error() string {
	return fmt.Sprintf("world description is %d tokens, limit is %d", e.Tokens, e.Limit)
}
