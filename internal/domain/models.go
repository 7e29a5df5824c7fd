package domain

import "time"

// Product is the catalog collaborator's view of an item. The ledger only
// reads it: price and name are snapshotted onto order lines, and LegacyStock
// seeds an inventory record the first time a stock-affecting operation
// touches a product that has none.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PriceCents  int64  `json:"price_cents"`
	LegacyStock int    `json:"legacy_stock"`
	Active      bool   `json:"active"`
}

// InventoryRecord holds the two stored counters per product. Available is
// derived and filled in by the store on every read.
type InventoryRecord struct {
	ProductID string    `json:"product_id"`
	OnHand    int       `json:"on_hand"`
	Reserved  int       `json:"reserved"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Movement kinds for the append-only audit trail.
const (
	MovementIn     = "IN"
	MovementOut    = "OUT"
	MovementAdjust = "ADJUST"
	MovementReturn = "RETURN"
)

type MovementRecord struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	Actor        string    `json:"actor,omitempty"`
	Kind         string    `json:"kind"`
	Quantity     int       `json:"quantity"`
	OnHandBefore int       `json:"on_hand_before"`
	OnHandAfter  int       `json:"on_hand_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// OrderState is the order lifecycle state. Transitions are validated by
// CanTransition; every applied transition appends a StateHistory entry.
type OrderState string

const (
	OrderPending        OrderState = "PENDING"
	OrderConfirmed      OrderState = "CONFIRMED"
	OrderProcessing     OrderState = "PROCESSING"
	OrderShipped        OrderState = "SHIPPED"
	OrderInTransit      OrderState = "IN_TRANSIT"
	OrderOutForDelivery OrderState = "OUT_FOR_DELIVERY"
	OrderDelivered      OrderState = "DELIVERED"
	OrderCancelled      OrderState = "CANCELLED"
	OrderReturned       OrderState = "RETURNED"
)

// PaymentState is a parallel attribute of the order; it only moves forward.
type PaymentState string

const (
	PaymentPending    PaymentState = "PENDING"
	PaymentProcessing PaymentState = "PROCESSING"
	PaymentApproved   PaymentState = "APPROVED"
	PaymentRejected   PaymentState = "REJECTED"
	PaymentRefunded   PaymentState = "REFUNDED"
)

// Payment methods. The redirect method is the only asynchronous flow.
const (
	MethodCard           = "card"
	MethodTransfer       = "transfer"
	MethodCashOnDelivery = "cash_on_delivery"
	MethodRedirect       = "redirect"
)

type OrderLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Variant        string `json:"variant,omitempty"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type StateHistoryEntry struct {
	FromState OrderState `json:"from_state,omitempty"`
	ToState   OrderState `json:"to_state"`
	CreatedAt time.Time  `json:"created_at"`
}

// PaymentRecord is the at-most-one payment snapshot owned by an order.
// Card fields are display snapshots, never used for charging.
type PaymentRecord struct {
	AmountCents      int64        `json:"amount_cents"`
	Method           string       `json:"method"`
	Status           PaymentState `json:"status"`
	ExternalTxID     string       `json:"external_tx_id,omitempty"`
	GatewayReference string       `json:"gateway_reference,omitempty"`
	CardLast4        string       `json:"card_last4,omitempty"`
	CardBrand        string       `json:"card_brand,omitempty"`
	RawPayload       string       `json:"-"`
	PaidAt           *time.Time   `json:"paid_at,omitempty"`
}

type Order struct {
	ID            string              `json:"id"`
	OrderNumber   string              `json:"order_number"`
	UserID        string              `json:"user_id"`
	State         OrderState          `json:"state"`
	PaymentState  PaymentState        `json:"payment_state"`
	PaymentMethod string              `json:"payment_method"`
	ExternalTxID  string              `json:"external_tx_id,omitempty"`
	SubtotalCents int64               `json:"subtotal_cents"`
	TotalCents    int64               `json:"total_cents"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	Lines         []OrderLine         `json:"lines"`
	History       []StateHistoryEntry `json:"history"`
	Payment       *PaymentRecord      `json:"payment,omitempty"`
}

// LineQuantity returns the total quantity ordered for a product across lines.
func (o *Order) LineQuantity(productID string) int {
	total := 0
	for _, line := range o.Lines {
		if line.ProductID == productID {
			total += line.Quantity
		}
	}
	return total
}

type CheckoutLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Variant   string `json:"variant,omitempty"`
}

type CheckoutRequest struct {
	PaymentMethod string         `json:"payment_method"`
	CardToken     string         `json:"card_token,omitempty"`
	Lines         []CheckoutLine `json:"lines"`
}

// OrderOutcome is the structured checkout result. Declined and Reason let
// the caller distinguish a rejected payment from a created order without
// parsing error strings.
type OrderOutcome struct {
	OrderID       string       `json:"order_id,omitempty"`
	OrderNumber   string       `json:"order_number,omitempty"`
	State         OrderState   `json:"state,omitempty"`
	PaymentState  PaymentState `json:"payment_state,omitempty"`
	RedirectURL   string       `json:"redirect_url,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Declined      bool         `json:"declined,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

type WebhookNotification struct {
	ExternalTxID string `json:"external_id"`
	Status       string `json:"status"`
	RawPayload   string `json:"-"`
}

type StockAdjustRequest struct {
	ProductID        string `json:"product_id"`
	Kind             string `json:"kind"`
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason"`
	VerificationCode string `json:"verification_code,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	Email     string
	CreatedAt time.Time
}
