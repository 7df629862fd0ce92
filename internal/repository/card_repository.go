package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/Arnaldocloud/bingo-admin/internal/model"
)

// CardRepo provides data access to the cards table. The cards table is the
// single shared mutable resource of the whole service: every lifecycle
// transition (available -> reserved -> sold, reserved -> available) is
// expressed as one conditional UPDATE whose WHERE clause carries the full
// precondition, and the affected-row count is compared against the number
// of requested cards. A mismatch rolls the transaction back, so a request
// either moves all of its cards or none of them. All timestamp comparisons
// happen in UTC on the database server.
type CardRepo struct {
	db *sql.DB
}

// NewCardRepo returns a CardRepo bound to the provided database.
func NewCardRepo(db *sql.DB) *CardRepo { return &CardRepo{db: db} }

// DB exposes the underlying handle for callers that need to open their own
// transactions.
func (r *CardRepo) DB() *sql.DB { return r.db }

// ConfirmResult describes the outcome of ConfirmPurchase.
type ConfirmResult struct {
	// Replayed is true when every requested card was already sold to the
	// buyer before this call; nothing changed and OrderID points at the
	// order backing the earlier sale.
	Replayed bool
	// Reconciled is true when a replay found sold cards with no matching
	// order row; a new order row was written to repair the gap. Callers
	// must log this loudly, it means an earlier confirmation half-failed.
	Reconciled bool
	// OrderID is the id of the purchase order backing the sale.
	OrderID string
}

const cardColumns = `card_number, numbers, image_url, price_cents,
	reserved_by, reserved_until, sold_to, sold_at, created_at, updated_at`

// GetByNumbers fetches the current state of a set of cards. Numbers that do
// not exist in the pool are simply absent from the result; that is not an
// error. Results are ordered by card number ascending.
func (r *CardRepo) GetByNumbers(ctx context.Context, numbers []int) ([]model.Card, error) {
	if len(numbers) == 0 {
		return []model.Card{}, nil
	}
	query := `SELECT ` + cardColumns + ` FROM cards WHERE card_number IN (` +
		placeholders(len(numbers)) + `) ORDER BY card_number`
	rows, err := r.db.QueryContext(ctx, query, intArgs(numbers)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCards(rows)
}

// ListAvailable returns one page of cards a buyer may still pick: cards
// that are available (including ones whose reservation has lapsed but has
// not been swept yet) plus cards currently reserved by the caller, so a
// buyer mid-checkout keeps seeing their own held cards. Sold cards are
// never returned. search filters on the decimal card number as a
// substring. The second return value is the total match count for
// pagination.
func (r *CardRepo) ListAvailable(ctx context.Context, buyerID string, page, pageSize int, search string) ([]model.Card, int, error) {
	where := `FROM cards
		WHERE sold_to IS NULL
		  AND (reserved_by IS NULL OR reserved_until <= UTC_TIMESTAMP() OR reserved_by = ?)`
	args := []interface{}{buyerID}
	if search != "" {
		where += ` AND CAST(card_number AS CHAR) LIKE CONCAT('%', ?, '%')`
		args = append(args, search)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + cardColumns + ` ` + where + ` ORDER BY card_number LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	cards, err := scanCards(rows)
	if err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

// Reserve places a hold on every requested card for buyerID until the
// given deadline. A card qualifies when it is unsold and either free,
// already held by the same buyer (idempotent re-reservation, refreshing
// the TTL) or held by someone whose reservation has expired. The check and
// the write are one conditional UPDATE; when any card fails the predicate
// the transaction is rolled back and an *UnavailableError lists the
// conflicting numbers, so no partial reservation is ever committed.
func (r *CardRepo) Reserve(ctx context.Context, numbers []int, buyerID string, until time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := `UPDATE cards
		SET reserved_by = ?, reserved_until = ?, updated_at = UTC_TIMESTAMP()
		WHERE card_number IN (` + placeholders(len(numbers)) + `)
		  AND sold_to IS NULL
		  AND (reserved_by IS NULL OR reserved_by = ? OR reserved_until <= UTC_TIMESTAMP())`
	args := []interface{}{buyerID, until.UTC()}
	args = append(args, intArgs(numbers)...)
	args = append(args, buyerID)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("reserve cards: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve cards: %w", err)
	}
	if affected != int64(len(numbers)) {
		conflicts, cErr := r.conflictingNumbers(ctx, tx, numbers, buyerID)
		if cErr != nil {
			return fmt.Errorf("reserve conflict lookup: %w", cErr)
		}
		return &UnavailableError{Numbers: conflicts}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve: %w", err)
	}
	committed = true
	return nil
}

// Release frees every card currently reserved by buyerID, returning them
// to the available state. Sold cards are never touched. It is idempotent:
// releasing a buyer who holds nothing reports zero and no error.
func (r *CardRepo) Release(ctx context.Context, buyerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE cards
		SET reserved_by = NULL, reserved_until = NULL, updated_at = UTC_TIMESTAMP()
		WHERE reserved_by = ? AND sold_to IS NULL`, buyerID)
	if err != nil {
		return 0, fmt.Errorf("release cards: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SweepExpired clears every reservation whose deadline has passed. It is a
// pure reserved -> available transition; sold cards are excluded by the
// predicate. The reserve and confirm predicates already treat expired
// holds as available, so this exists to keep listings honest and to let
// the periodic job reclaim inventory while the API is idle.
func (r *CardRepo) SweepExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE cards
		SET reserved_by = NULL, reserved_until = NULL, updated_at = UTC_TIMESTAMP()
		WHERE sold_to IS NULL AND reserved_by IS NOT NULL AND reserved_until <= UTC_TIMESTAMP()`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ConfirmPurchase converts the buyer's reservation on order.CardNumbers
// into a permanent sale and writes the purchase order, both inside one
// database transaction, so a sale can never exist without its order.
//
// The rows are first read FOR UPDATE to serialize concurrent confirmations
// of the same cards; correctness does not depend on that read, because the
// UPDATE below re-checks the full precondition (reserved by this buyer,
// not expired, not sold). The locking read is what makes a concurrent
// double-submit by the same buyer resolve into exactly one order row plus
// one replay, instead of two orders.
func (r *CardRepo) ConfirmPurchase(ctx context.Context, order *model.PurchaseOrder) (*ConfirmResult, error) {
	numbers := order.CardNumbers
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	soldToBuyer, err := r.countSoldToBuyerLocked(ctx, tx, numbers, order.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("confirm lock: %w", err)
	}
	if soldToBuyer == len(numbers) {
		// Client retry after a timeout: the sale already happened. Find
		// the order that backs it; when the earlier confirmation died
		// between marking the cards sold and writing the order, repair
		// the gap by writing the order now.
		existingID, err := findOrderForSale(ctx, tx, order.BuyerID, numbers)
		if err != nil {
			return nil, fmt.Errorf("confirm replay lookup: %w", err)
		}
		if existingID != "" {
			// nothing was written; the deferred rollback only drops locks
			return &ConfirmResult{Replayed: true, OrderID: existingID}, nil
		}
		if err := insertOrderTx(ctx, tx, order); err != nil {
			return nil, fmt.Errorf("reconcile order: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit reconcile: %w", err)
		}
		committed = true
		return &ConfirmResult{Replayed: true, Reconciled: true, OrderID: order.ID}, nil
	}

	query := `UPDATE cards
		SET sold_to = ?, sold_at = UTC_TIMESTAMP(),
		    reserved_by = NULL, reserved_until = NULL, updated_at = UTC_TIMESTAMP()
		WHERE card_number IN (` + placeholders(len(numbers)) + `)
		  AND sold_to IS NULL
		  AND reserved_by = ?
		  AND reserved_until > UTC_TIMESTAMP()`
	args := []interface{}{order.BuyerID}
	args = append(args, intArgs(numbers)...)
	args = append(args, order.BuyerID)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mark sold: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark sold: %w", err)
	}
	if affected != int64(len(numbers)) {
		missing, mErr := r.unconfirmableNumbers(ctx, tx, numbers, order.BuyerID)
		if mErr != nil {
			return nil, fmt.Errorf("confirm conflict lookup: %w", mErr)
		}
		return nil, &ExpiredError{Numbers: missing}
	}

	if err := insertOrderTx(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}
	committed = true
	return &ConfirmResult{OrderID: order.ID}, nil
}

// SeedPool inserts cards numbered 1..size with freshly drawn grids. Numbers
// already present are left untouched (INSERT IGNORE), so seeding is
// idempotent and never resets reservation or sale state. Returns how many
// new cards were created.
func (r *CardRepo) SeedPool(ctx context.Context, size int, priceCents int64, imageBaseURL string, rnd *rand.Rand) (int, error) {
	const batch = 500
	created := 0
	for start := 1; start <= size; start += batch {
		end := start + batch - 1
		if end > size {
			end = size
		}
		query := `INSERT IGNORE INTO cards (card_number, numbers, image_url, price_cents) VALUES `
		args := make([]interface{}, 0, (end-start+1)*4)
		for n := start; n <= end; n++ {
			if n > start {
				query += ","
			}
			query += "(?, ?, ?, ?)"
			args = append(args, n, model.NewGrid(rnd), cardImageURL(imageBaseURL, n), priceCents)
		}
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return created, fmt.Errorf("seed cards %d-%d: %w", start, end, err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}
	return created, nil
}

// Count returns the current pool size.
func (r *CardRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`).Scan(&n)
	return n, err
}

// conflictingNumbers explains a failed reserve: numbers that are sold, held
// by a different buyer with a live reservation, or missing from the pool.
func (r *CardRepo) conflictingNumbers(ctx context.Context, tx *sql.Tx, numbers []int, buyerID string) ([]int, error) {
	query := `SELECT card_number, sold_to IS NOT NULL,
			(reserved_by IS NOT NULL AND reserved_by <> ? AND reserved_until > UTC_TIMESTAMP())
		FROM cards WHERE card_number IN (` + placeholders(len(numbers)) + `)`
	args := append([]interface{}{buyerID}, intArgs(numbers)...)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int]bool, len(numbers))
	var conflicts []int
	for rows.Next() {
		var n int
		var sold, heldByOther bool
		if err := rows.Scan(&n, &sold, &heldByOther); err != nil {
			return nil, err
		}
		found[n] = true
		if sold || heldByOther {
			conflicts = append(conflicts, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, n := range numbers {
		if !found[n] {
			conflicts = append(conflicts, n)
		}
	}
	return sortedCopy(conflicts), nil
}

// unconfirmableNumbers explains a failed confirmation: numbers that are not
// currently reserved by the buyer with time left on the hold.
func (r *CardRepo) unconfirmableNumbers(ctx context.Context, tx *sql.Tx, numbers []int, buyerID string) ([]int, error) {
	query := `SELECT card_number FROM cards
		WHERE card_number IN (` + placeholders(len(numbers)) + `)
		  AND sold_to IS NULL AND reserved_by = ? AND reserved_until > UTC_TIMESTAMP()`
	args := append(intArgs(numbers), buyerID)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ok := make(map[int]bool, len(numbers))
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		ok[n] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []int
	for _, n := range numbers {
		if !ok[n] {
			missing = append(missing, n)
		}
	}
	return sortedCopy(missing), nil
}

// countSoldToBuyerLocked counts, under row locks, how many of the numbers
// are already sold to the buyer.
func (r *CardRepo) countSoldToBuyerLocked(ctx context.Context, tx *sql.Tx, numbers []int, buyerID string) (int, error) {
	query := `SELECT COUNT(*) FROM cards
		WHERE card_number IN (` + placeholders(len(numbers)) + `) AND sold_to = ? FOR UPDATE`
	args := append(intArgs(numbers), buyerID)
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func cardImageURL(base string, number int) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/cards/%04d.png", strings.TrimRight(base, "/"), number)
}

// placeholders returns "?, ?, ..." with n entries for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func intArgs(nums []int) []interface{} {
	args := make([]interface{}, len(nums))
	for i, n := range nums {
		args[i] = n
	}
	return args
}

func scanCards(rows *sql.Rows) ([]model.Card, error) {
	var cards []model.Card
	for rows.Next() {
		var c model.Card
		var reservedBy, soldTo sql.NullString
		var reservedUntil, soldAt sql.NullTime
		if err := rows.Scan(&c.Number, &c.Numbers, &c.ImageURL, &c.PriceCents,
			&reservedBy, &reservedUntil, &soldTo, &soldAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if reservedBy.Valid {
			c.ReservedBy = &reservedBy.String
		}
		if reservedUntil.Valid {
			t := reservedUntil.Time
			c.ReservedUntil = &t
		}
		if soldTo.Valid {
			c.SoldTo = &soldTo.String
		}
		if soldAt.Valid {
			t := soldAt.Time
			c.SoldAt = &t
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if cards == nil {
		cards = []model.Card{}
	}
	return cards, nil
}
