package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation              = errors.New("invalid order request")
	ErrNoItemsAvailable        = errors.New("no items available in stock to place the order")
	ErrPersistence             = errors.New("order storage failure")
	ErrOrderNotFound           = errors.New("order not found")
	ErrLineNotFound            = errors.New("order item not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrStatusAlreadySet        = errors.New("status is already set to the desired value")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrCannotCancel            = errors.New("item cannot be cancelled because it is already shipped, delivered or closed")
	ErrUnknownStatus           = errors.New("unknown order status")
)

// ValidationError lists the offending fields. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NoItemsError reports every rejected line when nothing could be reserved.
// It matches ErrNoItemsAvailable.
type NoItemsError struct {
	Rejected []LineRejection
}

func (e *NoItemsError) Error() string {
	return fmt.Sprintf("%s (%d items rejected)", ErrNoItemsAvailable, len(e.Rejected))
}

func (e *NoItemsError) Unwrap() error {
	return ErrNoItemsAvailable
}

// isDomainError reports errors that describe a business outcome rather than
// an infrastructure fault; those are returned to callers unwrapped.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation,
		ErrNoItemsAvailable,
		ErrOrderNotFound,
		ErrLineNotFound,
		ErrStatusAlreadySet,
		ErrInvalidStatusTransition,
		ErrCannotCancel,
		ErrUnknownStatus,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
