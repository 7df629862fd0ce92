package model

import "time"

// OrderStatus tracks admin verification of a purchase order. Orders start
// pending and an operator moves them to verified or rejected after checking
// the payment reference. Card ownership is settled before the order row is
// written, so this status never feeds back into card state.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderVerified OrderStatus = "verified"
	OrderRejected OrderStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderVerified, OrderRejected:
		return true
	}
	return false
}

// PurchaseOrder records one checkout: who bought, how they said they paid,
// which cards and the total charged. Created in the same transaction that
// marks the cards sold.
type PurchaseOrder struct {
	ID               string      `json:"id"` // uuid
	BuyerID          string      `json:"buyer_id"`
	BuyerName        string      `json:"buyer_name"`
	Phone            string      `json:"phone"`
	Email            string      `json:"email"`
	PaymentMethod    string      `json:"payment_method"`
	PaymentReference string      `json:"payment_reference"`
	CardNumbers      []int       `json:"card_numbers"`
	TotalCents       int64       `json:"total_cents"`
	Status           OrderStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}
