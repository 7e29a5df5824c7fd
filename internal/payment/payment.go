package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/xid"
)

// ErrGateway marks a transport-level failure talking to a payment gateway:
// the charge neither succeeded nor was definitively declined, and the caller
// may retry the checkout.
var ErrGateway = errors.New("payment gateway unavailable")

// Intent is what the dispatcher needs to attempt a payment. For the
// redirect method the order must already exist so its id can travel in the
// gateway's external reference and return URLs.
type Intent struct {
	OrderID     string
	OrderNumber string
	UserID      string
	AmountCents int64
	Method      string
	CardToken   string
	Description string
	Items       []Item
}

// Item is a display line forwarded to the hosted checkout page.
type Item struct {
	Title          string
	Quantity       int
	UnitPriceCents int64
}

// Outcome is the normalized result of a payment attempt. Approved and
// Reason describe a definitive gateway answer; a transport failure is
// returned as an error instead, never as an Outcome.
type Outcome struct {
	Approved         bool
	RequiresRedirect bool
	RedirectURL      string
	ExternalTxID     string
	State            domain.PaymentState
	CardLast4        string
	CardBrand        string
	RawPayload       string
	Reason           string
}

type Processor interface {
	Process(ctx context.Context, intent Intent) (*Outcome, error)
}

// Dispatcher routes an intent to the flow its method requires: card charges
// go through the synchronous charge gateway, transfer and cash-on-delivery
// are approved locally, and the redirect method creates a hosted-checkout
// preference whose outcome arrives later via webhook.
type Dispatcher struct {
	charge     *ChargeClient
	preference *PreferenceClient
}

func NewDispatcher(charge *ChargeClient, preference *PreferenceClient) *Dispatcher {
	return &Dispatcher{charge: charge, preference: preference}
}

func (d *Dispatcher) Process(ctx context.Context, intent Intent) (*Outcome, error) {
	switch intent.Method {
	case domain.MethodCard:
		if d.charge == nil {
			return nil, fmt.Errorf("%w: charge gateway not configured", ErrGateway)
		}
		return d.charge.Charge(ctx, intent)
	case domain.MethodTransfer, domain.MethodCashOnDelivery:
		// No gateway involved. The payment is settled out of band and the
		// order is taken at face value.
		return &Outcome{
			Approved:     true,
			ExternalTxID: xid.New("pay"),
			State:        domain.PaymentApproved,
		}, nil
	case domain.MethodRedirect:
		if d.preference == nil {
			return nil, fmt.Errorf("%w: preference gateway not configured", ErrGateway)
		}
		return d.preference.CreatePreference(ctx, intent)
	default:
		return nil, fmt.Errorf("unsupported payment method %q", intent.Method)
	}
}
