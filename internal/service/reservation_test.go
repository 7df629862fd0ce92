package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arnaldocloud/bingo-admin/internal/model"
	"github.com/Arnaldocloud/bingo-admin/internal/queue"
	"github.com/Arnaldocloud/bingo-admin/internal/repository"
)

// fakeClock lets tests move time forward to lapse reservations.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory CardStore with the same guarantees as the MySQL
// implementation: each mutating call checks its full precondition and
// applies the transition to all requested cards or none, under one lock.
type memStore struct {
	mu     sync.Mutex
	cards  map[int]*model.Card
	orders []*model.PurchaseOrder
	clock  *fakeClock
}

func newMemStore(clock *fakeClock, size int, priceCents int64) *memStore {
	s := &memStore{cards: map[int]*model.Card{}, clock: clock}
	for n := 1; n <= size; n++ {
		s.cards[n] = &model.Card{Number: n, PriceCents: priceCents}
	}
	return s
}

func (s *memStore) GetByNumbers(_ context.Context, numbers []int) ([]model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Card{}
	for _, n := range numbers {
		if c, ok := s.cards[n]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) ListAvailable(_ context.Context, buyerID string, page, pageSize int, _ string) ([]model.Card, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	matched := []model.Card{}
	for n := 1; n <= len(s.cards); n++ {
		c := s.cards[n]
		if c == nil || c.SoldTo != nil {
			continue
		}
		if c.State(now) == model.StateReserved && !c.HeldBy(buyerID, now) {
			continue
		}
		matched = append(matched, *c)
	}
	total := len(matched)
	lo := (page - 1) * pageSize
	if lo > total {
		lo = total
	}
	hi := lo + pageSize
	if hi > total {
		hi = total
	}
	return matched[lo:hi], total, nil
}

func (s *memStore) Reserve(_ context.Context, numbers []int, buyerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var conflicts []int
	for _, n := range numbers {
		c, ok := s.cards[n]
		if !ok || c.SoldTo != nil || (c.State(now) == model.StateReserved && !c.HeldBy(buyerID, now)) {
			conflicts = append(conflicts, n)
		}
	}
	if len(conflicts) > 0 {
		return &repository.UnavailableError{Numbers: conflicts}
	}
	u := until
	for _, n := range numbers {
		s.cards[n].ReservedBy = &buyerID
		s.cards[n].ReservedUntil = &u
	}
	return nil
}

func (s *memStore) Release(_ context.Context, buyerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	for _, c := range s.cards {
		if c.SoldTo == nil && c.ReservedBy != nil && *c.ReservedBy == buyerID {
			c.ReservedBy, c.ReservedUntil = nil, nil
			freed++
		}
	}
	return freed, nil
}

func (s *memStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	freed := 0
	for _, c := range s.cards {
		if c.SoldTo == nil && c.ReservedBy != nil && c.ReservedUntil != nil && !c.ReservedUntil.After(now) {
			c.ReservedBy, c.ReservedUntil = nil, nil
			freed++
		}
	}
	return freed, nil
}

func (s *memStore) ConfirmPurchase(_ context.Context, order *model.PurchaseOrder) (*repository.ConfirmResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	soldToBuyer := 0
	for _, n := range order.CardNumbers {
		if c, ok := s.cards[n]; ok && c.SoldTo != nil && *c.SoldTo == order.BuyerID {
			soldToBuyer++
		}
	}
	if soldToBuyer == len(order.CardNumbers) {
		for _, o := range s.orders {
			if o.BuyerID == order.BuyerID && containsAll(o.CardNumbers, order.CardNumbers) {
				return &repository.ConfirmResult{Replayed: true, OrderID: o.ID}, nil
			}
		}
		cp := *order
		s.orders = append(s.orders, &cp)
		return &repository.ConfirmResult{Replayed: true, Reconciled: true, OrderID: order.ID}, nil
	}

	var missing []int
	for _, n := range order.CardNumbers {
		c, ok := s.cards[n]
		if !ok || c.SoldTo != nil || !c.HeldBy(order.BuyerID, now) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, &repository.ExpiredError{Numbers: missing}
	}

	buyer := order.BuyerID
	soldAt := now
	for _, n := range order.CardNumbers {
		c := s.cards[n]
		c.SoldTo, c.SoldAt = &buyer, &soldAt
		c.ReservedBy, c.ReservedUntil = nil, nil
	}
	cp := *order
	s.orders = append(s.orders, &cp)
	return &repository.ConfirmResult{OrderID: order.ID}, nil
}

// dropOrders simulates a half-failed earlier confirmation where cards were
// sold but the order record is gone.
func (s *memStore) dropOrders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = nil
}

func containsAll(have, want []int) bool {
	set := map[int]struct{}{}
	for _, n := range have {
		set[n] = struct{}{}
	}
	for _, n := range want {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

type recordingPublisher struct {
	mu        sync.Mutex
	confirmed []queue.OrderConfirmedEvent
	game      []queue.GameStateEvent
}

func (p *recordingPublisher) OrderConfirmed(_ context.Context, ev queue.OrderConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, ev)
	return nil
}

func (p *recordingPublisher) GameState(_ context.Context, ev queue.GameStateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.game = append(p.game, ev)
	return nil
}

func newTestService(poolSize int) (*ReservationService, *memStore, *fakeClock, *recordingPublisher) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore(clock, poolSize, 200)
	pub := &recordingPublisher{}
	svc := NewReservationService(store, pub, 5*time.Minute).WithClock(clock.Now)
	return svc, store, clock, pub
}

func purchaseReq(buyerID string, numbers ...int) PurchaseRequest {
	return PurchaseRequest{
		BuyerID:       buyerID,
		BuyerName:     "Test Buyer",
		Phone:         "+58 412 0000000",
		PaymentMethod: "pago_movil",
		CardNumbers:   numbers,
	}
}

func TestReserveValidation(t *testing.T) {
	svc, _, _, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, nil, "buyer-1", 0)
	assert.ErrorIs(t, err, ErrNoCardNumbers)

	_, err = svc.Reserve(ctx, []int{0, -3}, "buyer-1", 0)
	assert.ErrorIs(t, err, ErrNoCardNumbers)

	_, err = svc.Reserve(ctx, []int{1}, "", 0)
	assert.ErrorIs(t, err, ErrNoBuyer)

	_, err = svc.Reserve(ctx, []int{1}, "buyer-1", -time.Minute)
	assert.ErrorIs(t, err, ErrBadTTL)
}

func TestReserveDefaultTTL(t *testing.T) {
	svc, _, clock, _ := newTestService(10)

	until, err := svc.Reserve(context.Background(), []int{1, 2}, "buyer-1", 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), until)
}

func TestReserveConflictListsNumbers(t *testing.T) {
	svc, _, _, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{3, 4}, "buyer-1", 0)
	require.NoError(t, err)

	// buyer-2 wants 4 and 5: 4 is taken, so the whole request must fail
	// and 5 must stay untouched.
	_, err = svc.Reserve(ctx, []int{4, 5}, "buyer-2", 0)
	var unavailable *repository.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []int{4}, unavailable.Numbers)

	_, err = svc.Reserve(ctx, []int{5}, "buyer-2", 0)
	assert.NoError(t, err)
}

func TestReserveIdempotentRefreshesTTL(t *testing.T) {
	svc, store, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{7}, "buyer-1", 0)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	until, err := svc.Reserve(ctx, []int{7}, "buyer-1", 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), until)

	cards, err := store.GetByNumbers(ctx, []int{7})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.True(t, cards[0].HeldBy("buyer-1", clock.Now()))
}

func TestReserveExpiredHoldIsFree(t *testing.T) {
	svc, _, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{2}, "buyer-1", 0)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = svc.Reserve(ctx, []int{2}, "buyer-2", 0)
	assert.NoError(t, err)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	svc, _, _, _ := newTestService(10)
	ctx := context.Background()

	const buyers = 20
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, []int{5}, "buyer-"+string(rune('a'+i)), 0)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var unavailable *repository.UnavailableError
		assert.ErrorAs(t, err, &unavailable)
	}
	assert.Equal(t, 1, winners)
}

func TestConfirmPurchase(t *testing.T) {
	svc, store, clock, pub := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{1, 2, 3}, "buyer-1", 0)
	require.NoError(t, err)

	order, replayed, err := svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 1, 2, 3))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, int64(600), order.TotalCents)
	assert.Equal(t, model.OrderPending, order.Status)

	cards, err := store.GetByNumbers(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	for _, c := range cards {
		assert.Equal(t, model.StateSold, c.State(clock.Now()))
		require.NotNil(t, c.SoldTo)
		assert.Equal(t, "buyer-1", *c.SoldTo)
	}

	require.Len(t, pub.confirmed, 1)
	assert.Equal(t, order.ID, pub.confirmed[0].OrderID)

	// sold cards are gone from the gallery and cannot be re-reserved
	_, err = svc.Reserve(ctx, []int{1}, "buyer-2", 0)
	var unavailable *repository.UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestConfirmPurchaseExpiredHold(t *testing.T) {
	svc, _, clock, pub := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{4}, "buyer-1", 0)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, _, err = svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 4))
	var expired *repository.ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, []int{4}, expired.Numbers)
	assert.Empty(t, pub.confirmed)
}

func TestConfirmPurchaseWithoutReservation(t *testing.T) {
	svc, _, _, _ := newTestService(10)

	_, _, err := svc.ConfirmPurchase(context.Background(), purchaseReq("buyer-1", 6))
	var expired *repository.ExpiredError
	assert.ErrorAs(t, err, &expired)
}

func TestConfirmPurchaseReplay(t *testing.T) {
	svc, _, _, pub := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{8, 9}, "buyer-1", 0)
	require.NoError(t, err)

	first, replayed, err := svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 8, 9))
	require.NoError(t, err)
	require.False(t, replayed)

	// client retry after a timeout: same buyer, same cards
	second, replayed, err := svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 8, 9))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, pub.confirmed, 1, "replay must not publish again")
}

func TestConfirmPurchaseReconcilesMissingOrder(t *testing.T) {
	svc, store, _, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{10}, "buyer-1", 0)
	require.NoError(t, err)
	_, _, err = svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 10))
	require.NoError(t, err)

	store.dropOrders()

	order, replayed, err := svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 10))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.NotEmpty(t, order.ID)
}

func TestConcurrentConfirmSameBuyer(t *testing.T) {
	svc, _, _, pub := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{1, 2}, "buyer-1", 0)
	require.NoError(t, err)

	type outcome struct {
		order    *model.PurchaseOrder
		replayed bool
		err      error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, r, err := svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 1, 2))
			results[i] = outcome{o, r, err}
		}(i)
	}
	wg.Wait()

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.NotEqual(t, results[0].replayed, results[1].replayed, "exactly one call is the original")
	assert.Equal(t, results[0].order.ID, results[1].order.ID)
	assert.Len(t, pub.confirmed, 1)
}

func TestNoDoubleSaleAcrossBuyers(t *testing.T) {
	svc, store, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{5}, "buyer-1", 0)
	require.NoError(t, err)

	// the hold lapses and another buyer moves first
	clock.Advance(6 * time.Minute)
	_, err = svc.Reserve(ctx, []int{5}, "buyer-2", 0)
	require.NoError(t, err)
	_, _, err = svc.ConfirmPurchase(ctx, purchaseReq("buyer-2", 5))
	require.NoError(t, err)

	// the original buyer's late confirm must fail, not overwrite the sale
	_, _, err = svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 5))
	var expired *repository.ExpiredError
	require.ErrorAs(t, err, &expired)

	cards, err := store.GetByNumbers(ctx, []int{5})
	require.NoError(t, err)
	require.NotNil(t, cards[0].SoldTo)
	assert.Equal(t, "buyer-2", *cards[0].SoldTo)
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{1, 2, 3}, "buyer-1", 0)
	require.NoError(t, err)

	freed, err := svc.Release(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 3, freed)

	freed, err = svc.Release(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, freed)

	// released cards are free for anyone
	_, err = svc.Reserve(ctx, []int{1}, "buyer-2", 0)
	assert.NoError(t, err)
}

func TestReleaseDoesNotTouchSoldCards(t *testing.T) {
	svc, store, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{6}, "buyer-1", 0)
	require.NoError(t, err)
	_, _, err = svc.ConfirmPurchase(ctx, purchaseReq("buyer-1", 6))
	require.NoError(t, err)

	freed, err := svc.Release(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, freed)

	cards, err := store.GetByNumbers(ctx, []int{6})
	require.NoError(t, err)
	assert.Equal(t, model.StateSold, cards[0].State(clock.Now()))
}

func TestListCardsSweepsAndPaginates(t *testing.T) {
	svc, _, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{1, 2}, "buyer-1", 0)
	require.NoError(t, err)

	// another buyer sees 8 cards while the hold is live
	cards, total, err := svc.ListCards(ctx, "buyer-2", 1, 50, "")
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	assert.Len(t, cards, 8)

	// the holder keeps seeing their own cards
	_, total, err = svc.ListCards(ctx, "buyer-1", 1, 50, "")
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	// after expiry the listing sweeps the hold away for everyone
	clock.Advance(6 * time.Minute)
	_, total, err = svc.ListCards(ctx, "buyer-2", 1, 50, "")
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	// pagination
	cards, total, err = svc.ListCards(ctx, "buyer-2", 2, 4, "")
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	require.Len(t, cards, 4)
	assert.Equal(t, 5, cards[0].Number)

	_, _, err = svc.ListCards(ctx, "buyer-2", 1, 500, "")
	assert.ErrorIs(t, err, ErrBadPageSize)
}

func TestReserveDeduplicatesNumbers(t *testing.T) {
	svc, store, clock, _ := newTestService(10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, []int{3, 3, 3}, "buyer-1", 0)
	require.NoError(t, err)

	cards, err := store.GetByNumbers(ctx, []int{3})
	require.NoError(t, err)
	assert.True(t, cards[0].HeldBy("buyer-1", clock.Now()))
}

func TestNotifyGameStateStampsTime(t *testing.T) {
	svc, _, clock, pub := newTestService(10)

	svc.NotifyGameState(context.Background(), queue.GameStateEvent{Type: queue.NumberCalled, Number: 42})
	require.Len(t, pub.game, 1)
	assert.Equal(t, clock.Now().UTC().Format(time.RFC3339), pub.game[0].OccurredAt)
	assert.Equal(t, 42, pub.game[0].Number)
}
