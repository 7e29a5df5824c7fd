package domain

// orderTransitions is the allowed lifecycle graph. Any non-terminal state may
// additionally move to CANCELLED.
var orderTransitions = map[OrderState][]OrderState{
	OrderPending:        {OrderConfirmed, OrderCancelled},
	OrderConfirmed:      {OrderProcessing, OrderCancelled},
	OrderProcessing:     {OrderShipped, OrderCancelled},
	OrderShipped:        {OrderInTransit, OrderCancelled},
	OrderInTransit:      {OrderOutForDelivery, OrderCancelled},
	OrderOutForDelivery: {OrderDelivered, OrderCancelled},
	OrderDelivered:      {OrderReturned},
	OrderCancelled:      {},
	OrderReturned:       {},
}

// paymentRank orders payment states so that a transition is only applied
// when it moves strictly forward. REJECTED and APPROVED share a rank: both
// are definitive outcomes of the same attempt and neither replaces the other.
var paymentRank = map[PaymentState]int{
	PaymentPending:    0,
	PaymentProcessing: 1,
	PaymentApproved:   2,
	PaymentRejected:   2,
	PaymentRefunded:   3,
}

// CanTransition reports whether an order may move from one lifecycle state
// to another.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle transitions are possible.
func (s OrderState) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// PaymentAdvances reports whether moving from one payment state to another
// is a forward move. Equal-or-backward notifications are treated as no-ops
// by the reconciler, never applied.
func PaymentAdvances(from, to PaymentState) bool {
	return paymentRank[to] > paymentRank[from]
}

// FulfillmentNext returns the next fulfillment step after a confirmed order,
// or empty when the state has no linear successor.
func FulfillmentNext(s OrderState) OrderState {
	switch s {
	case OrderConfirmed:
		return OrderProcessing
	case OrderProcessing:
		return OrderShipped
	case OrderShipped:
		return OrderInTransit
	case OrderInTransit:
		return OrderOutForDelivery
	case OrderOutForDelivery:
		return OrderDelivered
	default:
		return ""
	}
}
