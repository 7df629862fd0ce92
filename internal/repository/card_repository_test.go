package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/Arnaldocloud/bingo-admin/internal/database"
	"github.com/Arnaldocloud/bingo-admin/internal/model"
)

// Integration tests run against a real MySQL (docker-compose up mysql).
// They skip when the database is unreachable. clientFoundRows is required:
// the repository compares RowsAffected against the requested card count.
func getDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/bingo?parseTime=true&loc=UTC&clientFoundRows=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// seedTestCards inserts fresh cards in the given range and clears any state
// left by earlier runs.
func seedTestCards(t *testing.T, db *sql.DB, numbers ...int) {
	t.Helper()
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, n := range numbers {
		db.ExecContext(ctx, `DELETE FROM order_cards WHERE card_number = ?`, n)
		db.ExecContext(ctx, `DELETE FROM cards WHERE card_number = ?`, n)
		_, err := db.ExecContext(ctx,
			`INSERT INTO cards (card_number, numbers, image_url, price_cents) VALUES (?, ?, '', 200)`,
			n, model.NewGrid(rnd))
		if err != nil {
			t.Fatalf("seed card %d: %v", n, err)
		}
	}
}

func testOrder(buyerID string, numbers ...int) *model.PurchaseOrder {
	return &model.PurchaseOrder{
		ID:            uuid.NewString(),
		BuyerID:       buyerID,
		BuyerName:     "Integration Test",
		Phone:         "+58 412 0000000",
		PaymentMethod: "pago_movil",
		CardNumbers:   numbers,
		TotalCents:    int64(len(numbers)) * 200,
		Status:        model.OrderPending,
	}
}

func TestReserveConflictAndRollback(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewCardRepo(db)

	seedTestCards(t, db, 900001, 900002, 900003)
	until := time.Now().UTC().Add(5 * time.Minute)

	if err := repo.Reserve(ctx, []int{900001, 900002}, "it-buyer-a", until); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	// 900002 is taken, so the whole request fails and 900003 stays free
	err := repo.Reserve(ctx, []int{900002, 900003}, "it-buyer-b", until)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if len(unavailable.Numbers) != 1 || unavailable.Numbers[0] != 900002 {
		t.Fatalf("expected conflict on 900002, got %v", unavailable.Numbers)
	}

	if err := repo.Reserve(ctx, []int{900003}, "it-buyer-b", until); err != nil {
		t.Fatalf("900003 should still be free: %v", err)
	}
}

func TestReserveRefreshAndRelease(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewCardRepo(db)

	seedTestCards(t, db, 900010, 900011)
	until := time.Now().UTC().Add(time.Minute)

	if err := repo.Reserve(ctx, []int{900010, 900011}, "it-buyer-a", until); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// idempotent re-reserve by the same buyer refreshes the hold
	later := until.Add(5 * time.Minute)
	if err := repo.Reserve(ctx, []int{900010, 900011}, "it-buyer-a", later); err != nil {
		t.Fatalf("re-reserve by holder: %v", err)
	}

	cards, err := repo.GetByNumbers(ctx, []int{900010})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cards[0].ReservedUntil == nil || cards[0].ReservedUntil.Unix() != later.Unix() {
		t.Fatalf("expected refreshed expiry %v, got %v", later, cards[0].ReservedUntil)
	}

	freed, err := repo.Release(ctx, "it-buyer-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if freed != 2 {
		t.Fatalf("expected 2 released, got %d", freed)
	}
	freed, err = repo.Release(ctx, "it-buyer-a")
	if err != nil || freed != 0 {
		t.Fatalf("second release should free 0, got %d (%v)", freed, err)
	}
}

func TestConfirmPurchaseAndReplay(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	cards := NewCardRepo(db)
	orders := NewOrderRepo(db)

	seedTestCards(t, db, 900020, 900021)
	until := time.Now().UTC().Add(5 * time.Minute)
	if err := cards.Reserve(ctx, []int{900020, 900021}, "it-buyer-c", until); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	order := testOrder("it-buyer-c", 900020, 900021)
	res, err := cards.ConfirmPurchase(ctx, order)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Replayed || res.OrderID != order.ID {
		t.Fatalf("unexpected result %+v", res)
	}

	stored, err := orders.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("order row missing after confirm: %v", err)
	}
	if len(stored.CardNumbers) != 2 || stored.Status != model.OrderPending {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	// a retry of the same confirmation points back at the existing order
	retry := testOrder("it-buyer-c", 900020, 900021)
	res, err = cards.ConfirmPurchase(ctx, retry)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Replayed || res.OrderID != order.ID {
		t.Fatalf("expected replay of %s, got %+v", order.ID, res)
	}

	// a different buyer can no longer touch the sold cards
	err = cards.Reserve(ctx, []int{900020}, "it-buyer-d", until)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError on sold card, got %v", err)
	}
}

func TestConfirmExpiredReservation(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	cards := NewCardRepo(db)

	seedTestCards(t, db, 900030)
	// a hold that already lapsed
	_, err := db.ExecContext(ctx, `
		UPDATE cards SET reserved_by = 'it-buyer-e',
			reserved_until = DATE_SUB(UTC_TIMESTAMP(), INTERVAL 1 MINUTE)
		WHERE card_number = 900030`)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err = cards.ConfirmPurchase(ctx, testOrder("it-buyer-e", 900030))
	var expired *ExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}
	if len(expired.Numbers) != 1 || expired.Numbers[0] != 900030 {
		t.Fatalf("expected 900030 in error, got %v", expired.Numbers)
	}

	freed, err := cards.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if freed < 1 {
		t.Fatalf("expected sweep to free the lapsed hold, freed %d", freed)
	}
}

func TestConcurrentReserveOneWinner(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewCardRepo(db)

	seedTestCards(t, db, 900040)
	until := time.Now().UTC().Add(5 * time.Minute)

	const attempts = 10
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			errs <- repo.Reserve(ctx, []int{900040}, fmt.Sprintf("it-racer-%d", i), until)
		}(i)
	}

	winners := 0
	for i := 0; i < attempts; i++ {
		if err := <-errs; err == nil {
			winners++
		} else {
			var unavailable *UnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestSeedPoolIdempotent(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	repo := NewCardRepo(db)
	rnd := rand.New(rand.NewSource(42))

	created, err := repo.SeedPool(ctx, 25, 200, "https://cdn.example.com", rnd)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	again, err := repo.SeedPool(ctx, 25, 200, "https://cdn.example.com", rnd)
	if err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	if again != 0 {
		t.Fatalf("re-seed created %d cards, want 0 (first run created %d)", again, created)
	}

	cards, err := repo.GetByNumbers(ctx, []int{1})
	if err != nil || len(cards) != 1 {
		t.Fatalf("card 1 missing after seed: %v", err)
	}
	if cards[0].ImageURL != "https://cdn.example.com/cards/0001.png" {
		t.Fatalf("unexpected image url %q", cards[0].ImageURL)
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	db := getDB(t)
	defer db.Close()
	ctx := context.Background()
	cards := NewCardRepo(db)
	orders := NewOrderRepo(db)

	seedTestCards(t, db, 900050)
	until := time.Now().UTC().Add(5 * time.Minute)
	if err := cards.Reserve(ctx, []int{900050}, "it-buyer-f", until); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	order := testOrder("it-buyer-f", 900050)
	if _, err := cards.ConfirmPurchase(ctx, order); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := orders.SetStatus(ctx, order.ID, model.OrderVerified); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// already verified: a second transition must be rejected
	if err := orders.SetStatus(ctx, order.ID, model.OrderRejected); !errors.Is(err, ErrOrderNotPending) {
		t.Fatalf("expected ErrOrderNotPending, got %v", err)
	}
	if err := orders.SetStatus(ctx, uuid.NewString(), model.OrderVerified); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
