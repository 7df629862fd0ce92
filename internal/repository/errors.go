// Package repository implements the data access layer over MySQL. Error
// types defined here are shared with the service and handler layers so
// failure scenarios can be distinguished: a conflict over specific card
// numbers must reach the buyer with those exact numbers, not as a generic
// failure.
package repository

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOrderNotFound is returned when a purchase order id does not exist.
// Handlers should translate this into an HTTP 404 response.
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderNotPending is returned when verifying or rejecting an order that
// has already left the pending state. Handlers should translate this into
// an HTTP 409 response.
var ErrOrderNotPending = errors.New("order is not pending")

// ErrNoCards is returned when a requested card number set resolves to no
// existing cards at all.
var ErrNoCards = errors.New("no such cards")

// UnavailableError reports a failed reservation attempt: every listed card
// is either sold or held by another buyer with an unexpired reservation.
// The whole request is rolled back; none of the requested cards change
// state. Callers surface Numbers so the buyer can drop them and retry.
type UnavailableError struct {
	Numbers []int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cards unavailable: %v", e.Numbers)
}

// ExpiredError reports a failed purchase confirmation: the listed cards are
// no longer validly reserved by the buyer (hold expired, released, or sold
// to someone else). The buyer must restart the reserve-then-confirm flow.
type ExpiredError struct {
	Numbers []int
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("reservation expired or missing for cards: %v", e.Numbers)
}

func sortedCopy(nums []int) []int {
	out := make([]int, len(nums))
	copy(out, nums)
	sort.Ints(out)
	return out
}
