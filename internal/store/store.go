package store

import (
	"context"
	"errors"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidQuantity       = errors.New("quantity must be greater than zero")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInsufficientAvailable = errors.New("insufficient available stock")
	ErrInsufficientReserved  = errors.New("insufficient reserved stock")
	ErrInvalidState          = errors.New("invalid order state")
	ErrInvalidRequest        = errors.New("invalid request")
)

// Repository is the persistence boundary for the fulfillment core. Every
// method is a single atomic unit of work: ledger operations lock the
// product's inventory row, order reconciliation methods lock the order row,
// and the composite checkout methods cover order insert and stock movement
// in one transaction.
//
// The reconciliation methods (ConfirmOrderPayment, MarkOrderProcessing,
// RejectOrder, RefundOrder) are idempotent: when the stored payment state is
// equal to or ahead of the requested one, they return the order unchanged
// and touch no stock.
type Repository interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)

	// Ledger. Each call lazily seeds a missing inventory record from the
	// product's legacy stock field and emits exactly one movement record.
	AddStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	ReduceStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	Reserve(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	ReleaseReservation(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	ConfirmSale(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	// ReturnStock adds units back and logs a RETURN movement (refunds,
	// customer returns). AdjustStock applies a signed correction delta and
	// logs an ADJUST movement; it fails when the result would leave on-hand
	// below zero or below the reserved count.
	ReturnStock(ctx context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error)
	AdjustStock(ctx context.Context, productID string, delta int, actor, reason string) (*domain.InventoryRecord, error)
	GetInventoryRecord(ctx context.Context, productID string) (*domain.InventoryRecord, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.MovementRecord, error)

	// CreatePaidOrder persists a synchronous-flow order: line stock is
	// deducted directly from on-hand and the order lands CONFIRMED with an
	// APPROVED payment, all in one transaction.
	CreatePaidOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	// CreatePendingOrder persists an asynchronous-flow order: line stock is
	// reserved (on-hand untouched) and the order lands PENDING.
	CreatePendingOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	SetOrderExternalTx(ctx context.Context, orderID, externalTxID string) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrderByExternalTxID(ctx context.Context, externalTxID string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)

	ConfirmOrderPayment(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error)
	MarkOrderProcessing(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error)
	RejectOrder(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error)
	RefundOrder(ctx context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	AdvanceOrder(ctx context.Context, orderID string) (*domain.Order, error)

	ListAbandonedOrders(ctx context.Context, method string, olderThan time.Time, limit int) ([]domain.Order, error)
	// DeleteAbandonedOrder releases the order's reservations and removes the
	// order with its lines, history and payment record in one transaction.
	DeleteAbandonedOrder(ctx context.Context, orderID string) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
