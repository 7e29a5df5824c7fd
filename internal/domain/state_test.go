package domain

import "testing"

func TestCanTransitionLifecycle(t *testing.T) {
	cases := []struct {
		from, to OrderState
		want     bool
	}{
		{OrderPending, OrderConfirmed, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderShipped, false},
		{OrderConfirmed, OrderProcessing, true},
		{OrderProcessing, OrderShipped, true},
		{OrderShipped, OrderInTransit, true},
		{OrderInTransit, OrderOutForDelivery, true},
		{OrderOutForDelivery, OrderDelivered, true},
		{OrderOutForDelivery, OrderCancelled, true},
		{OrderDelivered, OrderReturned, true},
		{OrderDelivered, OrderCancelled, false},
		{OrderCancelled, OrderConfirmed, false},
		{OrderReturned, OrderPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []OrderState{OrderDelivered, OrderCancelled, OrderReturned} {
		if s == OrderDelivered {
			// DELIVERED still allows the return path, so it is not terminal.
			if s.IsTerminal() {
				t.Errorf("expected %s to allow a return transition", s)
			}
			continue
		}
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}

func TestPaymentAdvancesForwardOnly(t *testing.T) {
	if !PaymentAdvances(PaymentPending, PaymentProcessing) {
		t.Fatalf("PENDING -> PROCESSING should advance")
	}
	if !PaymentAdvances(PaymentProcessing, PaymentApproved) {
		t.Fatalf("PROCESSING -> APPROVED should advance")
	}
	if !PaymentAdvances(PaymentApproved, PaymentRefunded) {
		t.Fatalf("APPROVED -> REFUNDED should advance")
	}
	if PaymentAdvances(PaymentApproved, PaymentPending) {
		t.Fatalf("APPROVED -> PENDING must not advance")
	}
	if PaymentAdvances(PaymentApproved, PaymentApproved) {
		t.Fatalf("replaying the same state must not advance")
	}
	if PaymentAdvances(PaymentApproved, PaymentRejected) {
		t.Fatalf("APPROVED -> REJECTED must not advance")
	}
}

func TestFulfillmentNextChain(t *testing.T) {
	chain := []OrderState{OrderConfirmed, OrderProcessing, OrderShipped, OrderInTransit, OrderOutForDelivery, OrderDelivered}
	for i := 0; i+1 < len(chain); i++ {
		if next := FulfillmentNext(chain[i]); next != chain[i+1] {
			t.Errorf("FulfillmentNext(%s) = %s, want %s", chain[i], next, chain[i+1])
		}
	}
	if next := FulfillmentNext(OrderDelivered); next != "" {
		t.Errorf("FulfillmentNext(DELIVERED) = %s, want empty", next)
	}
	if next := FulfillmentNext(OrderPending); next != "" {
		t.Errorf("FulfillmentNext(PENDING) = %s, want empty", next)
	}
}
