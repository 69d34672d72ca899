package order

import (
	"fmt"
	"strings"
	"time"
)

type LineStatus string

const (
	StatusProcessing     LineStatus = "Processing"
	StatusPacked         LineStatus = "Packed"
	StatusShipped        LineStatus = "Shipped"
	StatusOutForDelivery LineStatus = "Out for Delivery"
	StatusDelivered      LineStatus = "Delivered"
	StatusCancelled      LineStatus = "Cancelled"
	StatusReturned       LineStatus = "Returned"
	StatusRefunded       LineStatus = "Refunded"
)

func (s LineStatus) String() string {
	return string(s)
}

// allowedTransitions lists every legal target per state. The happy path may
// be skipped forward, so an admin can mark a fresh line Delivered directly.
var allowedTransitions = map[LineStatus]map[LineStatus]bool{
	StatusProcessing: {
		StatusPacked:         true,
		StatusShipped:        true,
		StatusOutForDelivery: true,
		StatusDelivered:      true,
		StatusCancelled:      true,
	},
	StatusPacked: {
		StatusShipped:        true,
		StatusOutForDelivery: true,
		StatusDelivered:      true,
		StatusCancelled:      true,
	},
	StatusShipped: {
		StatusOutForDelivery: true,
		StatusDelivered:      true,
	},
	StatusOutForDelivery: {
		StatusDelivered: true,
	},
	StatusDelivered: {
		StatusReturned: true,
	},
	StatusReturned: {
		StatusRefunded: true,
	},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// ParseLineStatus accepts the canonical names case-insensitively.
func ParseLineStatus(s string) (LineStatus, error) {
	s = strings.TrimSpace(s)
	for status := range allowedTransitions {
		if strings.EqualFold(string(status), s) {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s LineStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransition checks a move from -> to. The cancel guard is evaluated
// first, so cancelling a line that is already Cancelled reports
// ErrCannotCancel rather than ErrStatusAlreadySet.
func CanTransition(from, to LineStatus) error {
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if to == StatusCancelled && from != StatusProcessing && from != StatusPacked {
		return fmt.Errorf("%w: current status is %s", ErrCannotCancel, from)
	}
	if from == to {
		return ErrStatusAlreadySet
	}
	if !allowedTransitions[from][to] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// transition moves the line and stamps the matching timestamp.
func (l *Line) transition(to LineStatus, now time.Time) error {
	if err := CanTransition(l.Status, to); err != nil {
		return err
	}

	l.Status = to
	switch to {
	case StatusCancelled:
		l.CancelledAt = &now
	case StatusDelivered:
		l.DeliveredAt = &now
	case StatusReturned:
		l.ReturnedAt = &now
	case StatusRefunded:
		l.RefundedAt = &now
	}
	return nil
}

// deriveOverallStatus is Cancelled only when every line is cancelled.
func deriveOverallStatus(lines []Line) OverallStatus {
	if len(lines) == 0 {
		return OverallActive
	}
	for _, l := range lines {
		if l.Status != StatusCancelled {
			return OverallActive
		}
	}
	return OverallCancelled
}
