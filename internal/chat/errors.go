package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/clubchat/internal/repository"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrRateLimited      = errors.New("rate limited")
)

// storeError maps a repository error onto the chat taxonomy.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Describe returns the text sent to a client in an error event. Store
// failures are reported without driver details.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return "storage temporarily unavailable, try again later"
	case errors.Is(err, ErrRateLimited):
		return "too many messages, slow down"
	case errors.Is(err, ErrConflict):
		return "conflicting update, try again"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPayload):
		return err.Error()
	default:
		return "internal error"
	}
}
