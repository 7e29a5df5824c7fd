package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/xid"
)

// Store is the in-memory Repository used for dev/demo mode and tests. A
// single RWMutex stands in for the row locks the Postgres store takes; every
// mutating method validates first and applies second so a failure leaves no
// partial state behind.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	inventory       map[string]*domain.InventoryRecord
	movements       map[string][]domain.MovementRecord
	ordersByID      map[string]*domain.Order
	orderIDByTx     map[string]string
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CUSTOMER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		email    string
	}{
		{"admin", adminPwd, "admin", "admin@example.com"},
		{"customer", customerPwd, "customer", "customer@example.com"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			Email:     u.email,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prd-sofa-01", Name: "Sofa Modular 3 Plazas", PriceCents: 8990000, LegacyStock: 8, Active: true},
		{ID: "prd-mesa-01", Name: "Mesa de Centro Roble", PriceCents: 2490000, LegacyStock: 15, Active: true},
		{ID: "prd-silla-01", Name: "Silla Ergonomica", PriceCents: 1890000, LegacyStock: 40, Active: true},
		{ID: "prd-lampara-01", Name: "Lampara de Pie Nordica", PriceCents: 990000, LegacyStock: 25, Active: true},
		{ID: "prd-estante-01", Name: "Estanteria Modular", PriceCents: 3290000, LegacyStock: 12, Active: true},
		{ID: "prd-cama-01", Name: "Cama Queen con Cabecera", PriceCents: 12900000, LegacyStock: 6, Active: true},
		{ID: "prd-colchon-01", Name: "Colchon Memory Foam Queen", PriceCents: 7490000, LegacyStock: 10, Active: true},
		{ID: "prd-espejo-01", Name: "Espejo de Cuerpo Entero", PriceCents: 1190000, LegacyStock: 20, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:        productMap,
		inventory:       make(map[string]*domain.InventoryRecord),
		movements:       make(map[string][]domain.MovementRecord),
		ordersByID:      make(map[string]*domain.Order),
		orderIDByTx:     make(map[string]string),
		usersByUsername: seedUsers(),
	}
}

// NewEmpty returns a store with no seed data. Tests add their own products.
func NewEmpty() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		inventory:       make(map[string]*domain.InventoryRecord),
		movements:       make(map[string][]domain.MovementRecord),
		ordersByID:      make(map[string]*domain.Order),
		orderIDByTx:     make(map[string]string),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// PutProduct registers or replaces a product. Used by seeding and tests.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

// recordLocked returns the inventory record for a product, lazily seeding it
// from the product's legacy stock field. Caller holds the write lock.
func (s *Store) recordLocked(productID string) (*domain.InventoryRecord, error) {
	if rec, ok := s.inventory[productID]; ok {
		return rec, nil
	}
	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec := &domain.InventoryRecord{
		ProductID: productID,
		OnHand:    product.LegacyStock,
		Reserved:  0,
		UpdatedAt: time.Now().UTC(),
	}
	s.inventory[productID] = rec
	return rec, nil
}

func (s *Store) logMovementLocked(productID, actor, kind string, qty, before, after int, reason string) {
	s.movements[productID] = append(s.movements[productID], domain.MovementRecord{
		ID:           xid.New("mov"),
		ProductID:    productID,
		Actor:        actor,
		Kind:         kind,
		Quantity:     qty,
		OnHandBefore: before,
		OnHandAfter:  after,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	})
}

func snapshotRecord(rec *domain.InventoryRecord) *domain.InventoryRecord {
	dup := *rec
	dup.Available = dup.OnHand - dup.Reserved
	return &dup
}

func (s *Store) AddStock(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	before := rec.OnHand
	rec.OnHand += qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementIn, qty, before, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) ReduceStock(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	// Reducing below the reserved count would strand reservations without
	// backing stock, so the check is against available, not on-hand.
	if rec.OnHand-rec.Reserved < qty {
		return nil, store.ErrInsufficientStock
	}
	before := rec.OnHand
	rec.OnHand -= qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementOut, qty, before, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) Reserve(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	if rec.OnHand-rec.Reserved < qty {
		return nil, store.ErrInsufficientAvailable
	}
	rec.Reserved += qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementAdjust, qty, rec.OnHand, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) ReleaseReservation(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	if rec.Reserved < qty {
		return nil, store.ErrInsufficientReserved
	}
	rec.Reserved -= qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementAdjust, qty, rec.OnHand, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) ConfirmSale(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	if rec.Reserved < qty {
		return nil, store.ErrInsufficientReserved
	}
	if rec.OnHand < qty {
		return nil, store.ErrInsufficientStock
	}
	before := rec.OnHand
	rec.Reserved -= qty
	rec.OnHand -= qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementOut, qty, before, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) ReturnStock(_ context.Context, productID string, qty int, actor, reason string) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	before := rec.OnHand
	rec.OnHand += qty
	rec.UpdatedAt = time.Now().UTC()
	s.logMovementLocked(productID, actor, domain.MovementReturn, qty, before, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int, actor, reason string) (*domain.InventoryRecord, error) {
	if delta == 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	next := rec.OnHand + delta
	if next < 0 || next < rec.Reserved {
		return nil, store.ErrInsufficientStock
	}
	before := rec.OnHand
	rec.OnHand = next
	rec.UpdatedAt = time.Now().UTC()
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	s.logMovementLocked(productID, actor, domain.MovementAdjust, qty, before, rec.OnHand, reason)
	return snapshotRecord(rec), nil
}

func (s *Store) GetInventoryRecord(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	if rec, ok := s.inventory[productID]; ok {
		defer s.mu.RUnlock()
		return snapshotRecord(rec), nil
	}
	s.mu.RUnlock()

	// No record yet: seed lazily so callers always see a ledger view.
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(productID)
	if err != nil {
		return nil, err
	}
	return snapshotRecord(rec), nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.MovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.movements[productID]
	if len(history) == 0 {
		return []domain.MovementRecord{}, nil
	}

	result := make([]domain.MovementRecord, len(history))
	copy(result, history)
	slices.SortFunc(result, func(a, b domain.MovementRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreatePaidOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line before touching any counter.
	for _, line := range order.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return nil, err
		}
		if rec.OnHand-rec.Reserved < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		rec := s.inventory[line.ProductID]
		before := rec.OnHand
		rec.OnHand -= line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, order.UserID, domain.MovementOut, line.Quantity, before, rec.OnHand, "sale order "+order.OrderNumber)
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.State = domain.OrderConfirmed
	order.PaymentState = domain.PaymentApproved
	order.History = []domain.StateHistoryEntry{
		{ToState: domain.OrderPending, CreatedAt: order.CreatedAt},
		{FromState: domain.OrderPending, ToState: domain.OrderConfirmed, CreatedAt: now},
	}
	if order.Payment != nil {
		order.Payment.Status = domain.PaymentApproved
		if order.Payment.PaidAt == nil {
			paidAt := now
			order.Payment.PaidAt = &paidAt
		}
		order.PaidAt = order.Payment.PaidAt
	}

	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	if order.ExternalTxID != "" {
		s.orderIDByTx[order.ExternalTxID] = order.ID
	}
	return cloneOrder(stored), nil
}

func (s *Store) CreatePendingOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range order.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return nil, err
		}
		if rec.OnHand-rec.Reserved < line.Quantity {
			return nil, store.ErrInsufficientAvailable
		}
	}

	now := time.Now().UTC()
	for _, line := range order.Lines {
		rec := s.inventory[line.ProductID]
		rec.Reserved += line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, order.UserID, domain.MovementAdjust, line.Quantity, rec.OnHand, rec.OnHand, "reserve order "+order.OrderNumber)
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.State = domain.OrderPending
	order.PaymentState = domain.PaymentPending
	order.History = []domain.StateHistoryEntry{
		{ToState: domain.OrderPending, CreatedAt: order.CreatedAt},
	}

	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	if order.ExternalTxID != "" {
		s.orderIDByTx[order.ExternalTxID] = order.ID
	}
	return cloneOrder(stored), nil
}

func (s *Store) SetOrderExternalTx(_ context.Context, orderID, externalTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if ord.ExternalTxID != "" {
		delete(s.orderIDByTx, ord.ExternalTxID)
	}
	ord.ExternalTxID = externalTxID
	if ord.Payment != nil {
		ord.Payment.ExternalTxID = externalTxID
	}
	if externalTxID != "" {
		s.orderIDByTx[externalTxID] = orderID
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return cloneOrder(ord), nil
}

func (s *Store) GetOrderByExternalTxID(_ context.Context, externalTxID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.orderIDByTx[externalTxID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return cloneOrder(ord), nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 16)
	for _, ord := range s.ordersByID {
		if ord.UserID != userID {
			continue
		}
		result = append(result, *cloneOrder(ord))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ConfirmOrderPayment(_ context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !domain.PaymentAdvances(ord.PaymentState, domain.PaymentApproved) {
		return cloneOrder(ord), nil
	}

	for _, line := range ord.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return nil, err
		}
		if rec.Reserved < line.Quantity {
			return nil, store.ErrInsufficientReserved
		}
		if rec.OnHand < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	for _, line := range ord.Lines {
		rec := s.inventory[line.ProductID]
		before := rec.OnHand
		rec.Reserved -= line.Quantity
		rec.OnHand -= line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, ord.UserID, domain.MovementOut, line.Quantity, before, rec.OnHand, "confirm sale order "+ord.OrderNumber)
	}

	if domain.CanTransition(ord.State, domain.OrderConfirmed) {
		ord.History = append(ord.History, domain.StateHistoryEntry{FromState: ord.State, ToState: domain.OrderConfirmed, CreatedAt: now})
		ord.State = domain.OrderConfirmed
	}
	ord.PaymentState = domain.PaymentApproved
	applyPaymentLocked(ord, pay, domain.PaymentApproved, now)
	ord.PaidAt = ord.Payment.PaidAt
	return cloneOrder(ord), nil
}

func (s *Store) MarkOrderProcessing(_ context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !domain.PaymentAdvances(ord.PaymentState, domain.PaymentProcessing) {
		return cloneOrder(ord), nil
	}

	ord.PaymentState = domain.PaymentProcessing
	applyPaymentLocked(ord, pay, domain.PaymentProcessing, time.Time{})
	return cloneOrder(ord), nil
}

func (s *Store) RejectOrder(_ context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !domain.PaymentAdvances(ord.PaymentState, domain.PaymentRejected) {
		return cloneOrder(ord), nil
	}

	for _, line := range ord.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return nil, err
		}
		if rec.Reserved < line.Quantity {
			return nil, store.ErrInsufficientReserved
		}
	}

	now := time.Now().UTC()
	for _, line := range ord.Lines {
		rec := s.inventory[line.ProductID]
		rec.Reserved -= line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, ord.UserID, domain.MovementAdjust, line.Quantity, rec.OnHand, rec.OnHand, "release order "+ord.OrderNumber)
	}

	if domain.CanTransition(ord.State, domain.OrderCancelled) {
		ord.History = append(ord.History, domain.StateHistoryEntry{FromState: ord.State, ToState: domain.OrderCancelled, CreatedAt: now})
		ord.State = domain.OrderCancelled
	}
	ord.PaymentState = domain.PaymentRejected
	applyPaymentLocked(ord, pay, domain.PaymentRejected, time.Time{})
	return cloneOrder(ord), nil
}

func (s *Store) RefundOrder(_ context.Context, orderID string, pay domain.PaymentRecord) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	// A refund only reverses an approved payment. Anything else is treated
	// as an out-of-order notification and ignored.
	if ord.PaymentState != domain.PaymentApproved {
		return cloneOrder(ord), nil
	}

	now := time.Now().UTC()
	for _, line := range ord.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return nil, err
		}
		before := rec.OnHand
		rec.OnHand += line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, ord.UserID, domain.MovementReturn, line.Quantity, before, rec.OnHand, "refund order "+ord.OrderNumber)
	}

	ord.History = append(ord.History, domain.StateHistoryEntry{FromState: ord.State, ToState: domain.OrderReturned, CreatedAt: now})
	ord.State = domain.OrderReturned
	ord.PaymentState = domain.PaymentRefunded
	applyPaymentLocked(ord, pay, domain.PaymentRefunded, time.Time{})
	return cloneOrder(ord), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !domain.CanTransition(ord.State, domain.OrderCancelled) {
		return nil, store.ErrInvalidState
	}

	now := time.Now().UTC()
	if ord.State == domain.OrderPending && ord.PaymentState != domain.PaymentApproved {
		// Async order still holding reservations.
		for _, line := range ord.Lines {
			rec, err := s.recordLocked(line.ProductID)
			if err != nil {
				return nil, err
			}
			if rec.Reserved < line.Quantity {
				return nil, store.ErrInsufficientReserved
			}
		}
		for _, line := range ord.Lines {
			rec := s.inventory[line.ProductID]
			rec.Reserved -= line.Quantity
			rec.UpdatedAt = now
			s.logMovementLocked(line.ProductID, ord.UserID, domain.MovementAdjust, line.Quantity, rec.OnHand, rec.OnHand, "cancel order "+ord.OrderNumber)
		}
	} else if ord.PaymentState == domain.PaymentApproved {
		// Paid order: stock was already deducted, put it back.
		for _, line := range ord.Lines {
			rec, err := s.recordLocked(line.ProductID)
			if err != nil {
				return nil, err
			}
			before := rec.OnHand
			rec.OnHand += line.Quantity
			rec.UpdatedAt = now
			s.logMovementLocked(line.ProductID, ord.UserID, domain.MovementReturn, line.Quantity, before, rec.OnHand, "cancel order "+ord.OrderNumber)
		}
	}

	ord.History = append(ord.History, domain.StateHistoryEntry{FromState: ord.State, ToState: domain.OrderCancelled, CreatedAt: now})
	ord.State = domain.OrderCancelled
	return cloneOrder(ord), nil
}

func (s *Store) AdvanceOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	next := domain.FulfillmentNext(ord.State)
	if next == "" {
		return nil, store.ErrInvalidState
	}

	ord.History = append(ord.History, domain.StateHistoryEntry{FromState: ord.State, ToState: next, CreatedAt: time.Now().UTC()})
	ord.State = next
	return cloneOrder(ord), nil
}

func (s *Store) ListAbandonedOrders(_ context.Context, method string, olderThan time.Time, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 16)
	for _, ord := range s.ordersByID {
		if ord.State != domain.OrderPending {
			continue
		}
		if method != "" && ord.PaymentMethod != method {
			continue
		}
		if !ord.CreatedAt.Before(olderThan) {
			continue
		}
		result = append(result, *cloneOrder(ord))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) DeleteAbandonedOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	if ord.State != domain.OrderPending {
		return store.ErrInvalidState
	}

	for _, line := range ord.Lines {
		rec, err := s.recordLocked(line.ProductID)
		if err != nil {
			return err
		}
		if rec.Reserved < line.Quantity {
			return store.ErrInsufficientReserved
		}
	}

	now := time.Now().UTC()
	for _, line := range ord.Lines {
		rec := s.inventory[line.ProductID]
		rec.Reserved -= line.Quantity
		rec.UpdatedAt = now
		s.logMovementLocked(line.ProductID, "reaper", domain.MovementAdjust, line.Quantity, rec.OnHand, rec.OnHand, "reap abandoned order "+ord.OrderNumber)
	}

	if ord.ExternalTxID != "" {
		delete(s.orderIDByTx, ord.ExternalTxID)
	}
	delete(s.ordersByID, orderID)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// applyPaymentLocked merges a reconciliation snapshot into the order's
// payment record. Zero-value fields in the snapshot never erase data already
// captured from an earlier notification.
func applyPaymentLocked(ord *domain.Order, pay domain.PaymentRecord, status domain.PaymentState, paidAt time.Time) {
	if ord.Payment == nil {
		ord.Payment = &domain.PaymentRecord{
			AmountCents: ord.TotalCents,
			Method:      ord.PaymentMethod,
		}
	}
	ord.Payment.Status = status
	if pay.ExternalTxID != "" {
		ord.Payment.ExternalTxID = pay.ExternalTxID
	}
	if pay.GatewayReference != "" {
		ord.Payment.GatewayReference = pay.GatewayReference
	}
	if pay.CardLast4 != "" {
		ord.Payment.CardLast4 = pay.CardLast4
	}
	if pay.CardBrand != "" {
		ord.Payment.CardBrand = pay.CardBrand
	}
	if pay.RawPayload != "" {
		ord.Payment.RawPayload = pay.RawPayload
	}
	if pay.PaidAt != nil {
		ord.Payment.PaidAt = pay.PaidAt
	} else if !paidAt.IsZero() && ord.Payment.PaidAt == nil {
		at := paidAt
		ord.Payment.PaidAt = &at
	}
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	history := make([]domain.StateHistoryEntry, len(src.History))
	copy(history, src.History)
	dup.History = history
	if src.Payment != nil {
		payment := *src.Payment
		dup.Payment = &payment
	}
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dup.PaidAt = &paidAt
	}
	return &dup
}
