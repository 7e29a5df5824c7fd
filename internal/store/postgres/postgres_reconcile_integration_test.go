package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

func TestConfirmOrderPaymentConfirmsStockOnce(t *testing.T) {
	databaseURL := os.Getenv("IKAZA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set IKAZA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-reconcile-it-%d", stamp)
	orderID := fmt.Sprintf("ord-reconcile-it-%d", stamp)
	orderNumber := fmt.Sprintf("ORD-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_payments WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_state_history WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_records WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_cents, legacy_stock, active, created_at, updated_at)
		VALUES ($1, 'Producto Reconcile IT', 150000, 10, true, now(), now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	created, err := s.CreatePendingOrder(ctx, domain.Order{
		ID:            orderID,
		OrderNumber:   orderNumber,
		UserID:        "user-it",
		PaymentMethod: domain.MethodRedirect,
		SubtotalCents: 450000,
		TotalCents:    450000,
		Lines: []domain.OrderLine{
			{ProductID: productID, Name: "Producto Reconcile IT", Quantity: 3, UnitPriceCents: 150000, SubtotalCents: 450000},
		},
	})
	if err != nil {
		t.Fatalf("create pending order: %v", err)
	}
	if created.State != domain.OrderPending {
		t.Fatalf("expected PENDING, got %s", created.State)
	}

	rec, err := s.GetInventoryRecord(ctx, productID)
	if err != nil {
		t.Fatalf("get inventory record: %v", err)
	}
	if rec.OnHand != 10 || rec.Reserved != 3 {
		t.Fatalf("expected {10,3} after reserve, got {%d,%d}", rec.OnHand, rec.Reserved)
	}

	confirmed, err := s.ConfirmOrderPayment(ctx, orderID, domain.PaymentRecord{ExternalTxID: fmt.Sprintf("mp-%d", stamp)})
	if err != nil {
		t.Fatalf("confirm order payment: %v", err)
	}
	if confirmed.State != domain.OrderConfirmed || confirmed.PaymentState != domain.PaymentApproved {
		t.Fatalf("unexpected states: %s/%s", confirmed.State, confirmed.PaymentState)
	}

	// Replay must be a no-op.
	if _, err := s.ConfirmOrderPayment(ctx, orderID, domain.PaymentRecord{}); err != nil {
		t.Fatalf("replay confirm: %v", err)
	}

	rec, err = s.GetInventoryRecord(ctx, productID)
	if err != nil {
		t.Fatalf("get inventory record: %v", err)
	}
	if rec.OnHand != 7 || rec.Reserved != 0 {
		t.Fatalf("expected {7,0} after confirm, got {%d,%d}", rec.OnHand, rec.Reserved)
	}
}
