package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Arnaldocloud/bingo-admin/internal/model"
)

// OrderRepo provides data access to purchase orders. An order and its card
// list live in two tables (orders + order_cards); creation always happens
// inside the card-sale transaction via insertOrderTx, so this repo only
// adds the read and admin-verification paths.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns an OrderRepo bound to the provided database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// insertOrderTx writes the order row and its card list inside the caller's
// transaction. Used by CardRepo.ConfirmPurchase so the sale and the order
// commit or roll back together.
func insertOrderTx(ctx context.Context, tx *sql.Tx, o *model.PurchaseOrder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, buyer_name, phone, email,
			payment_method, payment_reference, total_cents, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BuyerID, o.BuyerName, o.Phone, o.Email,
		o.PaymentMethod, o.PaymentReference, o.TotalCents, string(o.Status))
	if err != nil {
		return err
	}
	if len(o.CardNumbers) == 0 {
		return nil
	}
	query := `INSERT INTO order_cards (order_id, card_number) VALUES `
	args := make([]interface{}, 0, len(o.CardNumbers)*2)
	for i, n := range o.CardNumbers {
		if i > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, o.ID, n)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// findOrderForSale locates the most recent order by the buyer that
// references the first of the given card numbers. Used on confirmation
// replays to point the client back at the order that already exists.
func findOrderForSale(ctx context.Context, tx *sql.Tx, buyerID string, numbers []int) (string, error) {
	if len(numbers) == 0 {
		return "", nil
	}
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT o.id FROM orders o
		JOIN order_cards oc ON oc.order_id = o.id
		WHERE o.buyer_id = ? AND oc.card_number = ?
		ORDER BY o.created_at DESC LIMIT 1`,
		buyerID, numbers[0]).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

const orderColumns = `o.id, o.buyer_id, o.buyer_name, o.phone, o.email,
	o.payment_method, o.payment_reference, o.total_cents, o.status,
	o.created_at, o.updated_at`

// GetByID fetches one order with its card numbers. Returns ErrOrderNotFound
// when the id does not exist.
func (r *OrderRepo) GetByID(ctx context.Context, id string) (*model.PurchaseOrder, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadCardNumbers(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListByBuyer returns all orders placed by one buyer, newest first, for the
// buyer's order-status view.
func (r *OrderRepo) ListByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseOrder, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.buyer_id = ? ORDER BY o.created_at DESC`,
		buyerID)
}

// ListByStatus returns orders in the given status, oldest first so the
// verification queue is worked in arrival order. An empty status lists all.
func (r *OrderRepo) ListByStatus(ctx context.Context, status model.OrderStatus) ([]model.PurchaseOrder, error) {
	if status == "" {
		return r.list(ctx, `SELECT `+orderColumns+` FROM orders o ORDER BY o.created_at ASC`)
	}
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.status = ? ORDER BY o.created_at ASC`,
		string(status))
}

// SetStatus moves a pending order to verified or rejected. The update is
// conditional on the current status being pending, so two operators racing
// on the same order resolve to exactly one winner. Returns
// ErrOrderNotFound for an unknown id and ErrOrderNotPending when the order
// already left the pending state.
func (r *OrderRepo) SetStatus(ctx context.Context, id string, status model.OrderStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = ?`,
		string(status), id, string(model.OrderPending))
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrOrderNotFound
	}
	return ErrOrderNotPending
}

func (r *OrderRepo) list(ctx context.Context, query string, args ...interface{}) ([]model.PurchaseOrder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.PurchaseOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := r.loadCardNumbers(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *OrderRepo) loadCardNumbers(ctx context.Context, o *model.PurchaseOrder) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT card_number FROM order_cards WHERE order_id = ? ORDER BY card_number`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.CardNumbers = []int{}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return err
		}
		o.CardNumbers = append(o.CardNumbers, n)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.PurchaseOrder, error) {
	var o model.PurchaseOrder
	var status string
	if err := row.Scan(&o.ID, &o.BuyerID, &o.BuyerName, &o.Phone, &o.Email,
		&o.PaymentMethod, &o.PaymentReference, &o.TotalCents, &status,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}
