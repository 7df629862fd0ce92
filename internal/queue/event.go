// Package queue defines the message payloads exchanged over the broker and
// the background consumer that turns them into outbound notifications.
package queue

// Queue names. Both queues are declared durable by publisher and consumer.
const (
	OrderConfirmedQueue = "order.confirmed"
	GameStateQueue      = "game.state"
)

// OrderConfirmedEvent is published after a purchase commits. It carries
// enough for the notification dispatcher to message the buyer without
// querying the primary database.
type OrderConfirmedEvent struct {
	OrderID     string `json:"order_id"`
	BuyerID     string `json:"buyer_id"`
	BuyerName   string `json:"buyer_name"`
	Phone       string `json:"phone"`
	CardNumbers []int  `json:"card_numbers"`
	TotalCents  int64  `json:"total_cents"`
	ConfirmedAt string `json:"confirmed_at"`
}

// Game state event types.
const (
	GameStarted  = "game_started"
	NumberCalled = "number_called"
	WinnerFound  = "winner_found"
	GameOver     = "game_over"
)

// GameStateEvent is broadcast by operators during a game: a called number,
// a winning card, game start or end. Recipients is optional; an empty list
// means "all buyers with sold cards" and is resolved by the dispatcher.
type GameStateEvent struct {
	Type       string   `json:"type"`
	GameName   string   `json:"game_name,omitempty"`
	Number     int      `json:"number,omitempty"`
	WinnerCard int      `json:"winner_card,omitempty"`
	Message    string   `json:"message,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	OccurredAt string   `json:"occurred_at"`
}
