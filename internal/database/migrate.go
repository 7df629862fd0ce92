package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent so Migrate can run on every start.
// Indexes back the hot predicates of the reservation engine: the gallery
// availability filter and the per-buyer release/confirm updates.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cards (
		card_number    INT UNSIGNED  NOT NULL,
		numbers        JSON          NOT NULL,
		image_url      VARCHAR(255)  NOT NULL DEFAULT '',
		price_cents    BIGINT        NOT NULL DEFAULT 0,
		reserved_by    VARCHAR(64)   NULL,
		reserved_until DATETIME      NULL,
		sold_to        VARCHAR(64)   NULL,
		sold_at        DATETIME      NULL,
		created_at     DATETIME      NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at     DATETIME      NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (card_number),
		KEY idx_cards_sold_to (sold_to),
		KEY idx_cards_reserved (reserved_by, reserved_until)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                CHAR(36)      NOT NULL,
		buyer_id          VARCHAR(64)   NOT NULL,
		buyer_name        VARCHAR(128)  NOT NULL,
		phone             VARCHAR(32)   NOT NULL,
		email             VARCHAR(128)  NOT NULL DEFAULT '',
		payment_method    VARCHAR(32)   NOT NULL,
		payment_reference VARCHAR(128)  NOT NULL DEFAULT '',
		total_cents       BIGINT        NOT NULL,
		status            ENUM('pending','verified','rejected') NOT NULL DEFAULT 'pending',
		created_at        DATETIME      NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        DATETIME      NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_orders_buyer (buyer_id, created_at),
		KEY idx_orders_status (status, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS order_cards (
		order_id    CHAR(36)     NOT NULL,
		card_number INT UNSIGNED NOT NULL,
		PRIMARY KEY (order_id, card_number),
		KEY idx_order_cards_card (card_number),
		CONSTRAINT fk_order_cards_order FOREIGN KEY (order_id) REFERENCES orders (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables the service needs if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
