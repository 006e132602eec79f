package enrollment

import (
	"errors"
	"fmt"

	"github.com/example/gym-scheduler/internal/persistence"
)

var (
	// ErrClassNotFound is returned when the class document does not exist.
	ErrClassNotFound = errors.New("enrollment: class not found")
	// ErrClassUnavailable is returned when the class is no longer active.
	ErrClassUnavailable = errors.New("enrollment: class unavailable")
	// ErrAlreadyEnrolled is returned when the user already holds a seat.
	ErrAlreadyEnrolled = errors.New("enrollment: already enrolled")
	// ErrNotEnrolled is returned when the user holds no seat to release.
	ErrNotEnrolled = errors.New("enrollment: not enrolled")
	// ErrCapacityReached is returned when every seat is taken.
	ErrCapacityReached = errors.New("enrollment: capacity reached")
	// ErrQuotaExceeded is returned when the weekly booking quota is used up.
	ErrQuotaExceeded = errors.New("enrollment: weekly quota exceeded")
	// ErrConflict is returned when the store gave up retrying a contended write.
	ErrConflict = errors.New("enrollment: conflicting concurrent update")
	// ErrStoreUnavailable is returned when the store cannot run the transaction.
	ErrStoreUnavailable = errors.New("enrollment: store unavailable")
	// ErrInvalidInput is returned when a class or user id is missing.
	ErrInvalidInput = errors.New("enrollment: invalid input")
)

var businessErrors = []error{
	ErrClassNotFound,
	ErrClassUnavailable,
	ErrAlreadyEnrolled,
	ErrNotEnrolled,
	ErrCapacityReached,
	ErrQuotaExceeded,
	ErrConflict,
	ErrStoreUnavailable,
	ErrInvalidInput,
}

// mapStoreError translates persistence failures into the engine taxonomy.
// Rejections raised by the transaction callback pass through untouched.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range businessErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return ErrClassNotFound
	case errors.Is(err, persistence.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
