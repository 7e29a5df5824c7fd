package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

func testIntent(method string) Intent {
	return Intent{
		OrderID:     "ord-1",
		OrderNumber: "ORD-20260829-TEST",
		UserID:      "user-1",
		AmountCents: 250000,
		Method:      method,
		CardToken:   "tok-visa-ok",
		Description: "compra ikaza ORD-20260829-TEST",
		Items: []Item{
			{Title: "Lampara de Pie Nordica", Quantity: 1, UnitPriceCents: 250000},
		},
	}
}

func TestDispatcherApprovesTransferLocally(t *testing.T) {
	d := NewDispatcher(nil, nil)

	outcome, err := d.Process(context.Background(), testIntent(domain.MethodTransfer))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !outcome.Approved || outcome.RequiresRedirect {
		t.Fatalf("expected local approval, got %+v", outcome)
	}
	if outcome.ExternalTxID == "" {
		t.Fatalf("expected a generated transaction id")
	}
}

func TestDispatcherRejectsUnknownMethod(t *testing.T) {
	d := NewDispatcher(nil, nil)

	if _, err := d.Process(context.Background(), testIntent("crypto")); err == nil {
		t.Fatalf("expected error for unsupported method")
	}
}

func TestChargeApproved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var req chargeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode charge request: %v", err)
		}
		if req.AmountCents != 250000 {
			t.Errorf("unexpected amount %d", req.AmountCents)
		}
		_ = json.NewEncoder(w).Encode(chargeResponse{
			ID:        "ch-123",
			Status:    "approved",
			CardLast4: "4242",
			CardBrand: "visa",
		})
	}))
	defer srv.Close()

	c := NewChargeClient(srv.URL, "test-token", 2*time.Second)
	outcome, err := c.Charge(context.Background(), testIntent(domain.MethodCard))
	if err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	if !outcome.Approved || outcome.State != domain.PaymentApproved {
		t.Fatalf("expected approval, got %+v", outcome)
	}
	if outcome.ExternalTxID != "ch-123" || outcome.CardLast4 != "4242" {
		t.Fatalf("unexpected outcome fields: %+v", outcome)
	}
}

func TestChargeRejectedIsDefinitiveNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chargeResponse{
			ID:     "ch-456",
			Status: "rejected",
			Detail: "insufficient funds",
		})
	}))
	defer srv.Close()

	c := NewChargeClient(srv.URL, "test-token", 2*time.Second)
	outcome, err := c.Charge(context.Background(), testIntent(domain.MethodCard))
	if err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	if outcome.Approved {
		t.Fatalf("expected decline")
	}
	if outcome.State != domain.PaymentRejected || outcome.Reason != "insufficient funds" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestChargeServerErrorIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewChargeClient(srv.URL, "test-token", 2*time.Second)
	if _, err := c.Charge(context.Background(), testIntent(domain.MethodCard)); !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
}

func TestCreatePreferenceEmbedsOrderReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/checkout/preferences" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req preferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode preference request: %v", err)
		}
		if req.ExternalReference != "ord-1" {
			t.Errorf("expected order id as external reference, got %q", req.ExternalReference)
		}
		if req.BackURLs.Success == "" {
			t.Errorf("expected back urls to be set")
		}
		_ = json.NewEncoder(w).Encode(preferenceResponse{
			ID:        "pref-789",
			InitPoint: "https://gateway.example.com/checkout/pref-789",
		})
	}))
	defer srv.Close()

	c := NewPreferenceClient(srv.URL, "test-token", "https://shop.example.com", "https://shop.example.com/api/v1/webhooks/payment", 2*time.Second)
	outcome, err := c.CreatePreference(context.Background(), testIntent(domain.MethodRedirect))
	if err != nil {
		t.Fatalf("create preference failed: %v", err)
	}
	if !outcome.RequiresRedirect || outcome.State != domain.PaymentPending {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.RedirectURL != "https://gateway.example.com/checkout/pref-789" || outcome.ExternalTxID != "pref-789" {
		t.Fatalf("unexpected redirect fields: %+v", outcome)
	}
}

func TestPreferenceTransportFailureIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewPreferenceClient(srv.URL, "test-token", "https://shop.example.com", "", 500*time.Millisecond)
	if _, err := c.CreatePreference(context.Background(), testIntent(domain.MethodRedirect)); !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
}

func TestPaymentStatusQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/pref-789" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(paymentStatusResponse{ID: "pref-789", Status: "approved", ExternalReference: "ord-42"})
	}))
	defer srv.Close()

	c := NewPreferenceClient(srv.URL, "test-token", "https://shop.example.com", "", 2*time.Second)
	check, err := c.PaymentStatus(context.Background(), "pref-789")
	if err != nil {
		t.Fatalf("payment status failed: %v", err)
	}
	if check.Status != "approved" || check.RawPayload == "" {
		t.Fatalf("unexpected status %q raw %q", check.Status, check.RawPayload)
	}
	if check.ExternalReference != "ord-42" {
		t.Fatalf("external reference = %q, want ord-42", check.ExternalReference)
	}
}
