// Package model defines the domain entities for the bingo card sales
// service: the card inventory and the purchase orders created at checkout.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// CardState is the lifecycle state of a card. A card is in exactly one
// state at any instant; the state is derived from the reservation and sale
// columns rather than stored, so the database can never hold an
// inconsistent combination that the application believes in.
type CardState string

const (
	StateAvailable CardState = "AVAILABLE"
	StateReserved  CardState = "RESERVED"
	StateSold      CardState = "SOLD"
)

// Grid is the 5x5 set of bingo numbers printed on a card. Columns follow
// the standard ranges (B 1-15, I 16-30, N 31-45, G 46-60, O 61-75) and the
// centre cell is the free space, encoded as 0. The grid is immutable after
// the card is created.
type Grid [5][5]int

// FreeCell marks the centre free space inside a Grid.
const FreeCell = 0

// NewGrid draws a random bingo grid from r. Each column samples five
// distinct numbers from its 15-number range; the centre cell is forced to
// the free space.
func NewGrid(r *rand.Rand) Grid {
	var g Grid
	for col := 0; col < 5; col++ {
		low := col*15 + 1
		perm := r.Perm(15)
		for row := 0; row < 5; row++ {
			g[row][col] = low + perm[row]
		}
	}
	g[2][2] = FreeCell
	return g
}

// Value implements driver.Valuer so a Grid is stored as a JSON document.
func (g Grid) Value() (driver.Value, error) {
	return json.Marshal(g)
}

// Scan implements sql.Scanner for reading the JSON column back.
func (g *Grid) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, g)
	case string:
		return json.Unmarshal([]byte(v), g)
	case nil:
		*g = Grid{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Grid", src)
	}
}

// Card is the central entity: one row per uniquely numbered card in the
// fixed pool. Reservation state lives directly on the card (reserved_by +
// reserved_until) rather than in a separate table, so every transition is
// a conditional update on this one row.
type Card struct {
	Number        int        `json:"card_number"`    // cards.card_number, 1..pool size
	Numbers       Grid       `json:"numbers"`        // cards.numbers (JSON)
	ImageURL      string     `json:"image_url"`      // cards.image_url, owned by the external image store
	PriceCents    int64      `json:"price_cents"`    // cards.price_cents
	ReservedBy    *string    `json:"reserved_by"`    // cards.reserved_by (nullable)
	ReservedUntil *time.Time `json:"reserved_until"` // cards.reserved_until (nullable)
	SoldTo        *string    `json:"sold_to"`        // cards.sold_to (nullable)
	SoldAt        *time.Time `json:"sold_at"`        // cards.sold_at (nullable)
	CreatedAt     time.Time  `json:"created_at"`     // cards.created_at
	UpdatedAt     time.Time  `json:"updated_at"`     // cards.updated_at
}

// State derives the lifecycle state at the given instant. A reservation
// whose expiry has passed is already logically available even if the
// sweeper has not cleared the columns yet.
func (c *Card) State(now time.Time) CardState {
	if c.SoldTo != nil {
		return StateSold
	}
	if c.ReservedBy != nil && c.ReservedUntil != nil && c.ReservedUntil.After(now) {
		return StateReserved
	}
	return StateAvailable
}

// HeldBy reports whether buyerID holds a live reservation on the card.
func (c *Card) HeldBy(buyerID string, now time.Time) bool {
	return c.State(now) == StateReserved && c.ReservedBy != nil && *c.ReservedBy == buyerID
}
