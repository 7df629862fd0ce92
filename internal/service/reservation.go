// Package service holds the business operations between the HTTP handlers
// and the data access layer: the reservation engine, purchase
// confirmation, and event publishing. The service never mutates card
// state itself; every transition goes through the store's conditional
// updates, so the storage layer stays the single concurrency control
// point.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Arnaldocloud/bingo-admin/internal/model"
	"github.com/Arnaldocloud/bingo-admin/internal/queue"
	"github.com/Arnaldocloud/bingo-admin/internal/repository"
)

// Validation errors surfaced as HTTP 400 by the handlers.
var (
	ErrNoCardNumbers = errors.New("card_numbers is required")
	ErrNoBuyer       = errors.New("buyer_id is required")
	ErrBadTTL        = errors.New("ttl_minutes must be positive")
	ErrBadPageSize   = errors.New("page_size out of range")
)

// CardStore is the durable card inventory. The MySQL implementation is
// repository.CardRepo; tests substitute an in-memory fake with the same
// atomicity guarantees. Every method that changes state is all-or-nothing
// over the requested card set.
type CardStore interface {
	GetByNumbers(ctx context.Context, numbers []int) ([]model.Card, error)
	ListAvailable(ctx context.Context, buyerID string, page, pageSize int, search string) ([]model.Card, int, error)
	Reserve(ctx context.Context, numbers []int, buyerID string, until time.Time) error
	Release(ctx context.Context, buyerID string) (int, error)
	SweepExpired(ctx context.Context) (int, error)
	ConfirmPurchase(ctx context.Context, order *model.PurchaseOrder) (*repository.ConfirmResult, error)
}

// EventPublisher delivers fire-and-forget notifications. Publish failures
// are logged and swallowed; the core flow never depends on the broker.
type EventPublisher interface {
	OrderConfirmed(ctx context.Context, ev queue.OrderConfirmedEvent) error
	GameState(ctx context.Context, ev queue.GameStateEvent) error
}

// ReservationService implements the reserve -> confirm -> release flow on
// top of a CardStore.
type ReservationService struct {
	store      CardStore
	publisher  EventPublisher // may be nil when messaging is disabled
	defaultTTL time.Duration
	now        func() time.Time
}

// NewReservationService wires a service with the given default hold TTL.
// publisher may be nil.
func NewReservationService(store CardStore, publisher EventPublisher, defaultTTL time.Duration) *ReservationService {
	return &ReservationService{
		store:      store,
		publisher:  publisher,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source; tests use it to drive expiry.
func (s *ReservationService) WithClock(now func() time.Time) *ReservationService {
	s.now = now
	return s
}

// Reserve places a hold on the requested cards for buyerID. A zero ttl
// falls back to the configured default. Re-reserving cards the buyer
// already holds refreshes their TTL. Returns the expiry deadline of the
// new hold. Conflicts come back as *repository.UnavailableError listing
// the exact card numbers so the UI can prompt re-selection.
func (s *ReservationService) Reserve(ctx context.Context, cardNumbers []int, buyerID string, ttl time.Duration) (time.Time, error) {
	numbers := dedupe(cardNumbers)
	if len(numbers) == 0 {
		return time.Time{}, ErrNoCardNumbers
	}
	if buyerID == "" {
		return time.Time{}, ErrNoBuyer
	}
	if ttl < 0 {
		return time.Time{}, ErrBadTTL
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	until := s.now().UTC().Add(ttl)
	if err := s.store.Reserve(ctx, numbers, buyerID, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// Release frees everything buyerID currently holds. Idempotent: releasing
// a buyer with no holds reports zero.
func (s *ReservationService) Release(ctx context.Context, buyerID string) (int, error) {
	if buyerID == "" {
		return 0, ErrNoBuyer
	}
	return s.store.Release(ctx, buyerID)
}

// ListCards returns one page of the buyer-facing gallery. Expired holds
// are swept first so a lapsed reservation never hides a card from the
// next buyer, even when no reserve call has run in the meantime.
func (s *ReservationService) ListCards(ctx context.Context, buyerID string, page, pageSize int, search string) ([]model.Card, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = 50
	}
	if pageSize < 1 || pageSize > 200 {
		return nil, 0, ErrBadPageSize
	}
	if _, err := s.store.SweepExpired(ctx); err != nil {
		return nil, 0, err
	}
	return s.store.ListAvailable(ctx, buyerID, page, pageSize, search)
}

// GetCards fetches the current state of specific cards; unknown numbers
// are simply absent from the result.
func (s *ReservationService) GetCards(ctx context.Context, cardNumbers []int) ([]model.Card, error) {
	return s.store.GetByNumbers(ctx, dedupe(cardNumbers))
}

// Sweep reclaims lapsed reservations. Called by the periodic job; the
// reserve and confirm paths do not depend on it.
func (s *ReservationService) Sweep(ctx context.Context) (int, error) {
	return s.store.SweepExpired(ctx)
}

// PurchaseRequest carries the validated checkout payload.
type PurchaseRequest struct {
	BuyerID          string
	BuyerName        string
	Phone            string
	Email            string
	PaymentMethod    string
	PaymentReference string
	CardNumbers      []int
}

// ConfirmPurchase converts the buyer's live reservation into a permanent
// sale and records the purchase order. The sale and the order row commit
// in one storage transaction. Retries after a client timeout are safe:
// when the cards are already sold to the same buyer the existing order is
// returned with replayed=true. If a replay finds sold cards with no order
// row, the missing order is written and the inconsistency is logged as an
// error, since it means an earlier confirmation half-failed.
func (s *ReservationService) ConfirmPurchase(ctx context.Context, req PurchaseRequest) (*model.PurchaseOrder, bool, error) {
	numbers := dedupe(req.CardNumbers)
	if len(numbers) == 0 {
		return nil, false, ErrNoCardNumbers
	}
	if req.BuyerID == "" {
		return nil, false, ErrNoBuyer
	}

	cards, err := s.store.GetByNumbers(ctx, numbers)
	if err != nil {
		return nil, false, err
	}
	if len(cards) != len(numbers) {
		return nil, false, &repository.ExpiredError{Numbers: missingNumbers(numbers, cards)}
	}
	var total int64
	for _, c := range cards {
		total += c.PriceCents
	}

	order := &model.PurchaseOrder{
		ID:               uuid.NewString(),
		BuyerID:          req.BuyerID,
		BuyerName:        req.BuyerName,
		Phone:            req.Phone,
		Email:            req.Email,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		CardNumbers:      numbers,
		TotalCents:       total,
		Status:           model.OrderPending,
	}

	res, err := s.store.ConfirmPurchase(ctx, order)
	if err != nil {
		return nil, false, err
	}
	if res.Reconciled {
		log.WithFields(log.Fields{
			"buyer_id": req.BuyerID,
			"cards":    numbers,
			"order_id": res.OrderID,
		}).Error("cards were sold without an order record; reconciliation order written")
	}
	order.ID = res.OrderID

	if !res.Replayed {
		s.publishOrderConfirmed(ctx, order)
	}
	return order, res.Replayed, nil
}

// NotifyGameState broadcasts a game-operations event (number called,
// winner, game started or over) to the notification queue.
func (s *ReservationService) NotifyGameState(ctx context.Context, ev queue.GameStateEvent) {
	if s.publisher == nil {
		return
	}
	ev.OccurredAt = s.now().UTC().Format(time.RFC3339)
	if err := s.publisher.GameState(ctx, ev); err != nil {
		log.WithError(err).Warn("game state event publish failed")
	}
}

func (s *ReservationService) publishOrderConfirmed(ctx context.Context, order *model.PurchaseOrder) {
	if s.publisher == nil {
		return
	}
	ev := queue.OrderConfirmedEvent{
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		BuyerName:   order.BuyerName,
		Phone:       order.Phone,
		CardNumbers: order.CardNumbers,
		TotalCents:  order.TotalCents,
		ConfirmedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.publisher.OrderConfirmed(ctx, ev); err != nil {
		log.WithError(err).WithField("order_id", order.ID).Warn("order confirmed event publish failed")
	}
}

// dedupe drops non-positive and repeated card numbers while preserving
// order. Duplicates would break the affected-rows comparison in the store.
func dedupe(numbers []int) []int {
	seen := make(map[int]struct{}, len(numbers))
	out := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if n <= 0 {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func missingNumbers(requested []int, cards []model.Card) []int {
	have := make(map[int]struct{}, len(cards))
	for _, c := range cards {
		have[c.Number] = struct{}{}
	}
	var missing []int
	for _, n := range requested {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
