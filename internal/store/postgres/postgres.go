package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, legacy_stock, active
		FROM products
		WHERE id = $1
	`, productID).Scan(&product.ID, &product.Name, &product.PriceCents, &product.LegacyStock, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price_cents, legacy_stock, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.LegacyStock, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// lockRecordTx takes the row lock on a product's inventory record, seeding
// it from the product's legacy stock column when the record does not exist
// yet. The inventory row is the single serialization point per product.
func lockRecordTx(ctx context.Context, tx *sql.Tx, productID string) (int, int, error) {
	var onHand, reserved int
	err := tx.QueryRowContext(ctx, `
		SELECT on_hand, reserved
		FROM inventory_records
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&onHand, &reserved)
	if err == nil {
		return onHand, reserved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}

	var legacyStock int
	err = tx.QueryRowContext(ctx, `
		SELECT legacy_stock FROM products WHERE id = $1
	`, productID).Scan(&legacyStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, store.ErrNotFound
		}
		return 0, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_records (product_id, on_hand, reserved, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (product_id) DO NOTHING
	`, productID, legacyStock)
	if err != nil {
		return 0, 0, err
	}

	err = tx.QueryRowContext(ctx, `
		SELECT on_hand, reserved
		FROM inventory_records
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&onHand, &reserved)
	if err != nil {
		return 0, 0, err
	}
	return onHand, reserved, nil
}

func updateRecordTx(ctx context.Context, tx *sql.Tx, productID string, onHand, reserved int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE inventory_records
		SET on_hand = $2, reserved = $3, updated_at = now()
		WHERE product_id = $1
	`, productID, onHand, reserved)
	return err
}

func insertMovementTx(ctx context.Context, tx *sql.Tx, productID, actor, kind string, qty, before, after int, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, product_id, actor, kind, quantity, on_hand_before, on_hand_after, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, xid.New("mov"), productID, nullIfEmpty(actor), kind, qty, before, after, reason)
	return err
}

func (s *Store) AddStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementIn, qty, func(onHand, reserved int) (int, int, error) {
		return onHand + qty, reserved, nil
	})
}

func (s *Store) ReduceStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementOut, qty, func(onHand, reserved int) (int, int, error) {
		if onHand-reserved < qty {
			return 0, 0, store.ErrInsufficientStock
		}
		return onHand - qty, reserved, nil
	})
}

func (s *Store) Reserve(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementAdjust, qty, func(onHand, reserved int) (int, int, error) {
		if onHand-reserved < qty {
			return 0, 0, store.ErrInsufficientAvailable
		}
		return onHand, reserved + qty, nil
	})
}

func (s *Store) ReleaseReservation(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementAdjust, qty, func(onHand, reserved int) (int, int, error) {
		if reserved < qty {
			return 0, 0, store.ErrInsufficientReserved
		}
		return onHand, reserved - qty, nil
	})
}

func (s *Store) ConfirmSale(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementOut, qty, func(onHand, reserved int) (int, int, error) {
		if reserved < qty {
			return 0, 0, store.ErrInsufficientReserved
		}
		if onHand < qty {
			return 0, 0, store.ErrInsufficientStock
		}
		return onHand - qty, reserved - qty, nil
	})
}

func (s *Store) ReturnStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementReturn, qty, func(onHand, reserved int) (int, int, error) {
		return onHand + qty, reserved, nil
	})
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int, actor, reason string) (*domain.InventoryRecord, error) {
	if delta == 0 {
		return nil, store.ErrInvalidQuantity
	}
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	return s.ledgerOp(ctx, productID, actor, reason, domain.MovementAdjust, qty, func(onHand, reserved int) (int, int, error) {
		next := onHand + delta
		if next < 0 || next < reserved {
			return 0, 0, store.ErrInsufficientStock
		}
		return next, reserved, nil
	})
}

// ledgerOp is the shared transaction wrapper for the single-product ledger
// operations: lock the record, apply the counter change, log the movement.
func (s *Store) ledgerOp(ctx context.Context, productID, actor, reason, kind string, qty int, apply func(onHand, reserved int) (int, int, error)) (*domain.InventoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	onHand, reserved, err := lockRecordTx(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	newOnHand, newReserved, err := apply(onHand, reserved)
	if err != nil {
		return nil, err
	}
	if err := updateRecordTx(ctx, tx, productID, newOnHand, newReserved); err != nil {
		return nil, err
	}
	if err := insertMovementTx(ctx, tx, productID, actor, kind, qty, onHand, newOnHand, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.InventoryRecord{
		ProductID: productID,
		OnHand:    newOnHand,
		Reserved:  newReserved,
		Available: newOnHand - newReserved,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) GetInventoryRecord(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, on_hand, reserved, updated_at
		FROM inventory_records
		WHERE product_id = $1
	`, productID).Scan(&rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.UpdatedAt)
	if err == nil {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		rec.Available = rec.OnHand - rec.Reserved
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// No record yet: seed lazily inside a short transaction so callers
	// always get a ledger view for an existing product.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	onHand, reserved, err := lockRecordTx(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.InventoryRecord{
		ProductID: productID,
		OnHand:    onHand,
		Reserved:  reserved,
		Available: onHand - reserved,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.MovementRecord, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(actor, ''), kind, quantity, on_hand_before, on_hand_after, reason, created_at
		FROM inventory_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.MovementRecord, 0, limit)
	for rows.Next() {
		var m domain.MovementRecord
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Actor, &m.Kind, &m.Quantity, &m.OnHandBefore, &m.OnHandAfter, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreatePaidOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if onHand-reserved < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand-line.Quantity, reserved); err != nil {
			return nil, err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementOut, line.Quantity, onHand, onHand-line.Quantity, "sale order "+order.OrderNumber); err != nil {
			return nil, err
		}
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.State = domain.OrderConfirmed
	order.PaymentState = domain.PaymentApproved
	if order.Payment != nil {
		order.Payment.Status = domain.PaymentApproved
		if order.Payment.PaidAt == nil {
			paidAt := now
			order.Payment.PaidAt = &paidAt
		}
		order.PaidAt = order.Payment.PaidAt
	}

	if err := insertOrderTx(ctx, tx, &order); err != nil {
		return nil, err
	}
	if err := insertHistoryTx(ctx, tx, order.ID, "", domain.OrderPending, order.CreatedAt); err != nil {
		return nil, err
	}
	if err := insertHistoryTx(ctx, tx, order.ID, domain.OrderPending, domain.OrderConfirmed, now); err != nil {
		return nil, err
	}
	if order.Payment != nil {
		if err := upsertPaymentTx(ctx, tx, order.ID, order.Payment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.History = []domain.StateHistoryEntry{
		{ToState: domain.OrderPending, CreatedAt: order.CreatedAt},
		{FromState: domain.OrderPending, ToState: domain.OrderConfirmed, CreatedAt: now},
	}
	return &order, nil
}

func (s *Store) CreatePendingOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if onHand-reserved < line.Quantity {
			return nil, store.ErrInsufficientAvailable
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand, reserved+line.Quantity); err != nil {
			return nil, err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementAdjust, line.Quantity, onHand, onHand, "reserve order "+order.OrderNumber); err != nil {
			return nil, err
		}
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.State = domain.OrderPending
	order.PaymentState = domain.PaymentPending

	if err := insertOrderTx(ctx, tx, &order); err != nil {
		return nil, err
	}
	if err := insertHistoryTx(ctx, tx, order.ID, "", domain.OrderPending, order.CreatedAt); err != nil {
		return nil, err
	}
	if order.Payment != nil {
		if err := upsertPaymentTx(ctx, tx, order.ID, order.Payment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.History = []domain.StateHistoryEntry{
		{ToState: domain.OrderPending, CreatedAt: order.CreatedAt},
	}
	return &order, nil
}

func (s *Store) SetOrderExternalTx(ctx context.Context, orderID, externalTxID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET external_tx_id = $2
		WHERE id = $1
	`, orderID, nullIfEmpty(externalTxID))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrOrderNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE order_payments
		SET external_tx_id = $2, updated_at = now()
		WHERE order_id = $1
	`, orderID, nullIfEmpty(externalTxID))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.scanOrder(ctx, `WHERE id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderDetails(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByExternalTxID(ctx context.Context, externalTxID string) (*domain.Order, error) {
	order, err := s.scanOrder(ctx, `WHERE external_tx_id = $1`, externalTxID)
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderDetails(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) scanOrder(ctx context.Context, where string, arg any) (*domain.Order, error) {
	var order domain.Order
	var externalTxID sql.NullString
	var paidAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, state, payment_state, payment_method,
		       external_tx_id, subtotal_cents, total_cents, paid_at, created_at
		FROM orders
	`+where, arg).Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.State, &order.PaymentState,
		&order.PaymentMethod, &externalTxID, &order.SubtotalCents, &order.TotalCents, &paidAt, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, err
	}
	order.ExternalTxID = externalTxID.String
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		order.PaidAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

func (s *Store) loadOrderDetails(ctx context.Context, order *domain.Order) error {
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_price_cents, COALESCE(variant, ''), subtotal_cents
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position ASC
	`, order.ID)
	if err != nil {
		return err
	}
	order.Lines = make([]domain.OrderLine, 0, 4)
	for lineRows.Next() {
		var line domain.OrderLine
		if err := lineRows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPriceCents, &line.Variant, &line.SubtotalCents); err != nil {
			_ = lineRows.Close()
			return err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return err
	}
	_ = lineRows.Close()

	historyRows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(from_state, ''), to_state, created_at
		FROM order_state_history
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, order.ID)
	if err != nil {
		return err
	}
	order.History = make([]domain.StateHistoryEntry, 0, 4)
	for historyRows.Next() {
		var entry domain.StateHistoryEntry
		if err := historyRows.Scan(&entry.FromState, &entry.ToState, &entry.CreatedAt); err != nil {
			_ = historyRows.Close()
			return err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		order.History = append(order.History, entry)
	}
	if err := historyRows.Err(); err != nil {
		_ = historyRows.Close()
		return err
	}
	_ = historyRows.Close()

	var pay domain.PaymentRecord
	var payExternal, payRef, payLast4, payBrand, payRaw sql.NullString
	var payPaidAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT amount_cents, method, status, external_tx_id, gateway_reference, card_last4, card_brand, raw_payload, paid_at
		FROM order_payments
		WHERE order_id = $1
	`, order.ID).Scan(&pay.AmountCents, &pay.Method, &pay.Status, &payExternal, &payRef, &payLast4, &payBrand, &payRaw, &payPaidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	pay.ExternalTxID = payExternal.String
	pay.GatewayReference = payRef.String
	pay.CardLast4 = payLast4.String
	pay.CardBrand = payBrand.String
	pay.RawPayload = payRaw.String
	if payPaidAt.Valid {
		at := payPaidAt.Time.UTC()
		pay.PaidAt = &at
	}
	order.Payment = &pay
	return nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_number, user_id, state, payment_state, payment_method,
		       external_tx_id, subtotal_cents, total_cents, paid_at, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		var order domain.Order
		var externalTxID sql.NullString
		var paidAt sql.NullTime
		if err := rows.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.State, &order.PaymentState,
			&order.PaymentMethod, &externalTxID, &order.SubtotalCents, &order.TotalCents, &paidAt, &order.CreatedAt); err != nil {
			return nil, err
		}
		order.ExternalTxID = externalTxID.String
		if paidAt.Valid {
			at := paidAt.Time.UTC()
			order.PaidAt = &at
		}
		order.CreatedAt = order.CreatedAt.UTC()
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		if err := s.loadOrderDetails(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// lockOrderTx reads the order header under FOR UPDATE together with its
// lines; reconciliation decisions are made against this locked snapshot.
func lockOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	var order domain.Order
	var externalTxID sql.NullString
	var paidAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, state, payment_state, payment_method,
		       external_tx_id, subtotal_cents, total_cents, paid_at, created_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.State, &order.PaymentState,
		&order.PaymentMethod, &externalTxID, &order.SubtotalCents, &order.TotalCents, &paidAt, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, err
	}
	order.ExternalTxID = externalTxID.String
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		order.PaidAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_price_cents, COALESCE(variant, ''), subtotal_cents
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPriceCents, &line.Variant, &line.SubtotalCents); err != nil {
			_ = rows.Close()
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	return &order, nil
}

func (s *Store) ConfirmOrderPayment(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !domain.PaymentAdvances(order.PaymentState, domain.PaymentApproved) {
		_ = tx.Rollback()
		return s.GetOrder(ctx, orderID)
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if reserved < line.Quantity {
			return nil, store.ErrInsufficientReserved
		}
		if onHand < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand-line.Quantity, reserved-line.Quantity); err != nil {
			return nil, err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementOut, line.Quantity, onHand, onHand-line.Quantity, "confirm sale order "+order.OrderNumber); err != nil {
			return nil, err
		}
	}

	newState := order.State
	if domain.CanTransition(order.State, domain.OrderConfirmed) {
		newState = domain.OrderConfirmed
		if err := insertHistoryTx(ctx, tx, orderID, order.State, newState, now); err != nil {
			return nil, err
		}
	}

	paidAt := now
	if pay.PaidAt != nil {
		paidAt = *pay.PaidAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, payment_state = $3, paid_at = $4
		WHERE id = $1
	`, orderID, newState, domain.PaymentApproved, paidAt)
	if err != nil {
		return nil, err
	}

	pay.Status = domain.PaymentApproved
	if pay.PaidAt == nil {
		pay.PaidAt = &paidAt
	}
	if err := mergePaymentTx(ctx, tx, order, pay); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) MarkOrderProcessing(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !domain.PaymentAdvances(order.PaymentState, domain.PaymentProcessing) {
		_ = tx.Rollback()
		return s.GetOrder(ctx, orderID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_state = $2
		WHERE id = $1
	`, orderID, domain.PaymentProcessing)
	if err != nil {
		return nil, err
	}

	pay.Status = domain.PaymentProcessing
	if err := mergePaymentTx(ctx, tx, order, pay); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) RejectOrder(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !domain.PaymentAdvances(order.PaymentState, domain.PaymentRejected) {
		_ = tx.Rollback()
		return s.GetOrder(ctx, orderID)
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if reserved < line.Quantity {
			return nil, store.ErrInsufficientReserved
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand, reserved-line.Quantity); err != nil {
			return nil, err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementAdjust, line.Quantity, onHand, onHand, "release order "+order.OrderNumber); err != nil {
			return nil, err
		}
	}

	newState := order.State
	if domain.CanTransition(order.State, domain.OrderCancelled) {
		newState = domain.OrderCancelled
		if err := insertHistoryTx(ctx, tx, orderID, order.State, newState, now); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, payment_state = $3
		WHERE id = $1
	`, orderID, newState, domain.PaymentRejected)
	if err != nil {
		return nil, err
	}

	pay.Status = domain.PaymentRejected
	if err := mergePaymentTx(ctx, tx, order, pay); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) RefundOrder(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	// Only an approved payment can be refunded; anything else is treated as
	// an out-of-order notification and ignored.
	if order.PaymentState != domain.PaymentApproved {
		_ = tx.Rollback()
		return s.GetOrder(ctx, orderID)
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand+line.Quantity, reserved); err != nil {
			return nil, err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementReturn, line.Quantity, onHand, onHand+line.Quantity, "refund order "+order.OrderNumber); err != nil {
			return nil, err
		}
	}

	if err := insertHistoryTx(ctx, tx, orderID, order.State, domain.OrderReturned, now); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, payment_state = $3
		WHERE id = $1
	`, orderID, domain.OrderReturned, domain.PaymentRefunded)
	if err != nil {
		return nil, err
	}

	pay.Status = domain.PaymentRefunded
	if err := mergePaymentTx(ctx, tx, order, pay); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(order.State, domain.OrderCancelled) {
		return nil, store.ErrInvalidState
	}

	now := time.Now().UTC()
	if order.State == domain.OrderPending && order.PaymentState != domain.PaymentApproved {
		for _, line := range order.Lines {
			onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
			if err != nil {
				return nil, err
			}
			if reserved < line.Quantity {
				return nil, store.ErrInsufficientReserved
			}
			if err := updateRecordTx(ctx, tx, line.ProductID, onHand, reserved-line.Quantity); err != nil {
				return nil, err
			}
			if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementAdjust, line.Quantity, onHand, onHand, "cancel order "+order.OrderNumber); err != nil {
				return nil, err
			}
		}
	} else if order.PaymentState == domain.PaymentApproved {
		for _, line := range order.Lines {
			onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
			if err != nil {
				return nil, err
			}
			if err := updateRecordTx(ctx, tx, line.ProductID, onHand+line.Quantity, reserved); err != nil {
				return nil, err
			}
			if err := insertMovementTx(ctx, tx, line.ProductID, order.UserID, domain.MovementReturn, line.Quantity, onHand, onHand+line.Quantity, "cancel order "+order.OrderNumber); err != nil {
				return nil, err
			}
		}
	}

	if err := insertHistoryTx(ctx, tx, orderID, order.State, domain.OrderCancelled, now); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2
		WHERE id = $1
	`, orderID, domain.OrderCancelled)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) AdvanceOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	next := domain.FulfillmentNext(order.State)
	if next == "" {
		return nil, store.ErrInvalidState
	}

	if err := insertHistoryTx(ctx, tx, orderID, order.State, next, time.Now().UTC()); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET state = $2
		WHERE id = $1
	`, orderID, next)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) ListAbandonedOrders(ctx context.Context, method string, olderThan time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_number, user_id, state, payment_state, payment_method,
		       external_tx_id, subtotal_cents, total_cents, paid_at, created_at
		FROM orders
		WHERE state = $1 AND payment_method = $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4
	`, domain.OrderPending, method, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		var order domain.Order
		var externalTxID sql.NullString
		var paidAt sql.NullTime
		if err := rows.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.State, &order.PaymentState,
			&order.PaymentMethod, &externalTxID, &order.SubtotalCents, &order.TotalCents, &paidAt, &order.CreatedAt); err != nil {
			return nil, err
		}
		order.ExternalTxID = externalTxID.String
		order.CreatedAt = order.CreatedAt.UTC()
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) DeleteAbandonedOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != domain.OrderPending {
		return store.ErrInvalidState
	}

	for _, line := range order.Lines {
		onHand, reserved, err := lockRecordTx(ctx, tx, line.ProductID)
		if err != nil {
			return err
		}
		if reserved < line.Quantity {
			return store.ErrInsufficientReserved
		}
		if err := updateRecordTx(ctx, tx, line.ProductID, onHand, reserved-line.Quantity); err != nil {
			return err
		}
		if err := insertMovementTx(ctx, tx, line.ProductID, "reaper", domain.MovementAdjust, line.Quantity, onHand, onHand, "reap abandoned order "+order.OrderNumber); err != nil {
			return err
		}
	}

	for _, query := range []string{
		`DELETE FROM order_payments WHERE order_id = $1`,
		`DELETE FROM order_state_history WHERE order_id = $1`,
		`DELETE FROM order_lines WHERE order_id = $1`,
		`DELETE FROM orders WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, orderID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertOrderTx(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, state, payment_state, payment_method,
		                    external_tx_id, subtotal_cents, total_cents, paid_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, order.ID, order.OrderNumber, order.UserID, order.State, order.PaymentState, order.PaymentMethod,
		nullIfEmpty(order.ExternalTxID), order.SubtotalCents, order.TotalCents, nullTime(order.PaidAt), order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}

	for i, line := range order.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, position, product_id, name, quantity, unit_price_cents, variant, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, order.ID, i, line.ProductID, line.Name, line.Quantity, line.UnitPriceCents, nullIfEmpty(line.Variant), line.SubtotalCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, orderID string, from, to domain.OrderState, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_state_history (id, order_id, from_state, to_state, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, xid.New("hist"), orderID, nullIfEmpty(string(from)), to, at)
	return err
}

func upsertPaymentTx(ctx context.Context, tx *sql.Tx, orderID string, pay *domain.PaymentRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_payments (order_id, amount_cents, method, status, external_tx_id,
		                            gateway_reference, card_last4, card_brand, raw_payload, paid_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (order_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			method = EXCLUDED.method,
			status = EXCLUDED.status,
			external_tx_id = COALESCE(EXCLUDED.external_tx_id, order_payments.external_tx_id),
			gateway_reference = COALESCE(EXCLUDED.gateway_reference, order_payments.gateway_reference),
			card_last4 = COALESCE(EXCLUDED.card_last4, order_payments.card_last4),
			card_brand = COALESCE(EXCLUDED.card_brand, order_payments.card_brand),
			raw_payload = COALESCE(EXCLUDED.raw_payload, order_payments.raw_payload),
			paid_at = COALESCE(EXCLUDED.paid_at, order_payments.paid_at),
			updated_at = now()
	`, orderID, pay.AmountCents, pay.Method, pay.Status, nullIfEmpty(pay.ExternalTxID),
		nullIfEmpty(pay.GatewayReference), nullIfEmpty(pay.CardLast4), nullIfEmpty(pay.CardBrand),
		nullIfEmpty(pay.RawPayload), nullTime(pay.PaidAt))
	return err
}

// mergePaymentTx upserts a reconciliation snapshot, filling amount and
// method from the order when the notification does not carry them.
func mergePaymentTx(ctx context.Context, tx *sql.Tx, order *domain.Order, pay domain.PaymentRecord) error {
	if pay.AmountCents == 0 {
		pay.AmountCents = order.TotalCents
	}
	if pay.Method == "" {
		pay.Method = order.PaymentMethod
	}
	return upsertPaymentTx(ctx, tx, order.ID, &pay)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "customer"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.Active, nullIfEmpty(user.Email), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, COALESCE(email, ''), created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.Email, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
