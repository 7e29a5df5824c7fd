package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/notify"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/payment"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/verification"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// PaymentProcessor is satisfied by payment.Dispatcher.
type PaymentProcessor interface {
	Process(ctx context.Context, intent payment.Intent) (*payment.Outcome, error)
}

// StatusQuerier is satisfied by payment.PreferenceClient; it answers the
// buyer-return flow where the gateway is queried directly instead of
// waiting for a webhook.
type StatusQuerier interface {
	PaymentStatus(ctx context.Context, externalID string) (*payment.PaymentCheck, error)
}

type Options struct {
	CodeTTL        time.Duration
	AbandonedAfter time.Duration
}

type Service struct {
	repo           store.Repository
	payments       PaymentProcessor
	status         StatusQuerier
	sender         notify.Sender
	codes          verification.CodeStore
	codeTTL        time.Duration
	abandonedAfter time.Duration
}

func New(repo store.Repository, payments PaymentProcessor, status StatusQuerier, sender notify.Sender, codes verification.CodeStore, opts Options) *Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.AbandonedAfter <= 0 {
		opts.AbandonedAfter = time.Hour
	}

	return &Service{
		repo:           repo,
		payments:       payments,
		status:         status,
		sender:         sender,
		codes:          codes,
		codeTTL:        opts.CodeTTL,
		abandonedAfter: opts.AbandonedAfter,
	}
}

// Checkout validates the cart, attempts payment with the flow the method
// requires, and persists the order. Synchronous methods settle before
// anything is written: a declined charge persists nothing. The redirect
// method reserves stock and persists a PENDING order first, then asks the
// gateway for a hosted-checkout URL; if that call fails the order stays
// PENDING for the reaper to collect.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.OrderOutcome, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated user required")
	}

	switch req.PaymentMethod {
	case domain.MethodCard, domain.MethodTransfer, domain.MethodCashOnDelivery, domain.MethodRedirect:
	default:
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, req.PaymentMethod)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: empty cart", store.ErrInvalidRequest)
	}

	productIDs := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, store.ErrInvalidQuantity
		}
		productIDs = append(productIDs, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lines := make([]domain.OrderLine, 0, len(req.Lines))
	subtotal := int64(0)
	for _, line := range req.Lines {
		product, exists := products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s unavailable", line.ProductID)
		}
		lineSubtotal := product.PriceCents * int64(line.Quantity)
		lines = append(lines, domain.OrderLine{
			ProductID:      product.ID,
			Name:           product.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			Variant:        strings.TrimSpace(line.Variant),
			SubtotalCents:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	order := domain.Order{
		ID:            xid.New("ord"),
		OrderNumber:   xid.OrderNumber(now),
		UserID:        actor.Username,
		PaymentMethod: req.PaymentMethod,
		SubtotalCents: subtotal,
		TotalCents:    subtotal,
		CreatedAt:     now,
		Lines:         lines,
	}

	if req.PaymentMethod == domain.MethodRedirect {
		return s.checkoutAsync(ctx, order)
	}
	return s.checkoutSync(ctx, order, req.CardToken)
}

func (s *Service) checkoutSync(ctx context.Context, order domain.Order, cardToken string) (*domain.OrderOutcome, error) {
	// The gateway is charged only after the ledger confirms availability;
	// CreatePaidOrder re-checks under a row lock, so a lost race fails the
	// order rather than overselling.
	if err := s.checkAvailability(ctx, order.Lines); err != nil {
		return nil, err
	}

	outcome, err := s.payments.Process(ctx, payment.Intent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		AmountCents: order.TotalCents,
		Method:      order.PaymentMethod,
		CardToken:   cardToken,
		Description: "compra " + order.OrderNumber,
		Items:       paymentItems(order.Lines),
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Approved {
		// Definitive decline: nothing is persisted, the caller may retry
		// with another method.
		return &domain.OrderOutcome{
			Declined:     true,
			Reason:       outcome.Reason,
			PaymentState: domain.PaymentRejected,
		}, nil
	}

	paidAt := time.Now().UTC()
	order.ExternalTxID = outcome.ExternalTxID
	order.Payment = &domain.PaymentRecord{
		AmountCents:  order.TotalCents,
		Method:       order.PaymentMethod,
		Status:       domain.PaymentApproved,
		ExternalTxID: outcome.ExternalTxID,
		CardLast4:    outcome.CardLast4,
		CardBrand:    outcome.CardBrand,
		RawPayload:   outcome.RawPayload,
		PaidAt:       &paidAt,
	}

	created, err := s.repo.CreatePaidOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	s.sendConfirmation(ctx, created)

	return &domain.OrderOutcome{
		OrderID:       created.ID,
		OrderNumber:   created.OrderNumber,
		State:         created.State,
		PaymentState:  created.PaymentState,
		TransactionID: created.ExternalTxID,
	}, nil
}

func (s *Service) checkoutAsync(ctx context.Context, order domain.Order) (*domain.OrderOutcome, error) {
	order.Payment = &domain.PaymentRecord{
		AmountCents: order.TotalCents,
		Method:      order.PaymentMethod,
		Status:      domain.PaymentPending,
	}

	created, err := s.repo.CreatePendingOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	// The reservation is committed before the gateway call so no row lock
	// is held across the network round-trip.
	outcome, err := s.payments.Process(ctx, payment.Intent{
		OrderID:     created.ID,
		OrderNumber: created.OrderNumber,
		UserID:      created.UserID,
		AmountCents: created.TotalCents,
		Method:      created.PaymentMethod,
		Description: "compra " + created.OrderNumber,
		Items:       paymentItems(created.Lines),
	})
	if err != nil {
		// The PENDING order and its reservations stay in place; the reaper
		// collects them if the buyer never completes payment.
		log.Printf("[service] WARN: preference creation failed for order %s: %v", created.OrderNumber, err)
		return nil, err
	}

	if err := s.repo.SetOrderExternalTx(ctx, created.ID, outcome.ExternalTxID); err != nil {
		log.Printf("[service] WARN: failed to store external tx for order %s: %v", created.OrderNumber, err)
	}

	return &domain.OrderOutcome{
		OrderID:       created.ID,
		OrderNumber:   created.OrderNumber,
		State:         created.State,
		PaymentState:  created.PaymentState,
		RedirectURL:   outcome.RedirectURL,
		TransactionID: outcome.ExternalTxID,
	}, nil
}

// checkAvailability verifies every line can be served from available stock
// (on hand minus reserved), aggregating repeated products.
func (s *Service) checkAvailability(ctx context.Context, lines []domain.OrderLine) error {
	needed := make(map[string]int, len(lines))
	for _, line := range lines {
		needed[line.ProductID] += line.Quantity
	}
	for productID, qty := range needed {
		rec, err := s.repo.GetInventoryRecord(ctx, productID)
		if err != nil {
			return err
		}
		if rec.Available < qty {
			return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, productID)
		}
	}
	return nil
}

func paymentItems(lines []domain.OrderLine) []payment.Item {
	items := make([]payment.Item, 0, len(lines))
	for _, line := range lines {
		items = append(items, payment.Item{
			Title:          line.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}
	return items
}

// ConfirmAsyncReturn handles the buyer landing back from the hosted
// checkout. When the gateway gave us a payment id, its status is queried and
// applied through the same reconciliation path the webhook uses, so the
// order reflects reality even if the webhook has not arrived yet.
func (s *Service) ConfirmAsyncReturn(ctx context.Context, orderID, externalPaymentID string) (*domain.OrderOutcome, error) {
	order, err := s.getOwnedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if externalPaymentID != "" && s.status != nil {
		check, err := s.status.PaymentStatus(ctx, externalPaymentID)
		if err != nil {
			log.Printf("[service] WARN: status query failed for payment %s: %v", externalPaymentID, err)
		} else if check.ExternalReference != order.ID {
			// The supplied payment id belongs to a different order. Applying
			// its status here would confirm stock that was never paid for.
			log.Printf("[service] WARN: payment %s references order %s, not %s; rejected", externalPaymentID, check.ExternalReference, order.ID)
			return nil, fmt.Errorf("%w: payment does not belong to order", store.ErrInvalidRequest)
		} else {
			updated, applyErr := s.applyGatewayStatus(ctx, order, check.Status, externalPaymentID, check.RawPayload)
			if applyErr != nil {
				return nil, applyErr
			}
			if updated != nil {
				order = updated
			}
		}
	}

	return &domain.OrderOutcome{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		State:         order.State,
		PaymentState:  order.PaymentState,
		TransactionID: order.ExternalTxID,
	}, nil
}

// HandleWebhook reconciles a gateway notification. It never returns an
// error: unknown transactions and unrecognized statuses are logged and
// dropped, and store failures are logged, so the HTTP layer can always
// acknowledge and the gateway never enters a retry storm.
func (s *Service) HandleWebhook(ctx context.Context, n domain.WebhookNotification) {
	if n.ExternalTxID == "" {
		log.Printf("[service] WARN: webhook without external id discarded")
		return
	}

	order, err := s.repo.GetOrderByExternalTxID(ctx, n.ExternalTxID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			log.Printf("[service] WARN: webhook for unknown transaction %s discarded", n.ExternalTxID)
			return
		}
		log.Printf("[service] WARN: webhook lookup failed for %s: %v", n.ExternalTxID, err)
		return
	}

	if _, err := s.applyGatewayStatus(ctx, order, n.Status, n.ExternalTxID, n.RawPayload); err != nil {
		log.Printf("[service] WARN: webhook reconciliation failed for order %s: %v", order.OrderNumber, err)
	}
}

// applyGatewayStatus maps a gateway status string onto the order and the
// ledger. The repository's reconciliation methods are idempotent, so
// duplicated or out-of-order notifications degrade to no-ops.
func (s *Service) applyGatewayStatus(ctx context.Context, order *domain.Order, status, externalTxID, raw string) (*domain.Order, error) {
	pay := domain.PaymentRecord{
		ExternalTxID: externalTxID,
		RawPayload:   raw,
	}

	switch status {
	case "approved":
		updated, err := s.repo.ConfirmOrderPayment(ctx, order.ID, pay)
		if err != nil {
			return nil, err
		}
		if updated.PaymentState == domain.PaymentApproved && order.PaymentState != domain.PaymentApproved {
			s.sendConfirmation(ctx, updated)
		}
		return updated, nil
	case "pending", "in_process":
		return s.repo.MarkOrderProcessing(ctx, order.ID, pay)
	case "rejected", "cancelled":
		return s.repo.RejectOrder(ctx, order.ID, pay)
	case "refunded":
		return s.repo.RefundOrder(ctx, order.ID, pay)
	default:
		log.Printf("[service] WARN: unrecognized gateway status %q for order %s discarded", status, order.OrderNumber)
		return order, nil
	}
}

func (s *Service) sendConfirmation(ctx context.Context, order *domain.Order) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendOrderConfirmation(ctx, order, order.UserID); err != nil {
		log.Printf("[service] WARN: order confirmation for %s not sent: %v", order.OrderNumber, err)
	}
}

// getOwnedOrder fetches an order scoped to the acting user. A mismatch is
// reported as not-found so order existence never leaks across accounts.
func (s *Service) getOwnedOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated user required")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actor.Username && actor.Role != "admin" {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.getOwnedOrder(ctx, orderID)
}

func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated user required")
	}
	return s.repo.ListOrdersByUser(ctx, actor.Username, limit)
}

// CancelOrder cancels any non-terminal order on the owner's request,
// releasing reservations or restocking paid lines as appropriate.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if _, err := s.getOwnedOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.CancelOrder(ctx, orderID)
}

// RequestReturn starts the refund path for a delivered order.
func (s *Service) RequestReturn(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.getOwnedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State != domain.OrderDelivered {
		return nil, store.ErrInvalidState
	}
	return s.repo.RefundOrder(ctx, orderID, domain.PaymentRecord{})
}

// AdvanceFulfillment moves a confirmed order one step along the delivery
// chain. Warehouse/admin operation.
func (s *Service) AdvanceFulfillment(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.AdvanceOrder(ctx, orderID)
}

// RequestAdjustCode issues a fresh one-time code gating manual stock
// adjustments for the acting admin.
func (s *Service) RequestAdjustCode(ctx context.Context) (string, error) {
	if err := requireAdmin(ctx); err != nil {
		return "", err
	}
	actor, _ := ActorFromContext(ctx)
	return s.codes.Issue(ctx, actor.Username, "stock-adjust", s.codeTTL)
}

// AdjustStock applies a manual inventory correction through the ledger. The
// caller must be an admin and present a valid one-time verification code.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.InventoryRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	actor, _ := ActorFromContext(ctx)

	if err := s.codes.Consume(ctx, actor.Username, "stock-adjust", req.VerificationCode); err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason required", store.ErrInvalidRequest)
	}

	switch req.Kind {
	case domain.MovementIn:
		return s.repo.AddStock(ctx, req.ProductID, req.Quantity, actor.Username, reason)
	case domain.MovementOut:
		return s.repo.ReduceStock(ctx, req.ProductID, req.Quantity, actor.Username, reason)
	case domain.MovementReturn:
		return s.repo.ReturnStock(ctx, req.ProductID, req.Quantity, actor.Username, reason)
	case domain.MovementAdjust:
		return s.repo.AdjustStock(ctx, req.ProductID, req.Quantity, actor.Username, reason)
	default:
		return nil, fmt.Errorf("%w: unknown movement kind %q", store.ErrInvalidRequest, req.Kind)
	}
}

func (s *Service) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetInventoryRecord(ctx, productID)
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.MovementRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, productID, limit)
}

// ReapAbandonedOrders releases and deletes stale PENDING redirect orders.
// Each order is independent: one failure is logged and the batch continues.
func (s *Service) ReapAbandonedOrders(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.abandonedAfter)
	orders, err := s.repo.ListAbandonedOrders(ctx, domain.MethodRedirect, cutoff, 200)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, order := range orders {
		if err := s.repo.DeleteAbandonedOrder(ctx, order.ID); err != nil {
			log.Printf("[service] WARN: failed to reap order %s: %v", order.OrderNumber, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}
