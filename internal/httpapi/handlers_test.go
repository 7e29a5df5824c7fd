package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/payment"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/service"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store/memory"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/verification"
)

type fixedProcessor struct {
	outcome *payment.Outcome
	err     error
}

func (p *fixedProcessor) Process(_ context.Context, _ payment.Intent) (*payment.Outcome, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.outcome, nil
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T, proc service.PaymentProcessor) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, proc, nil, nil, verification.NewMemoryCodeStore(), service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestCheckoutRequiresAuth(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", "", map[string]any{
		"payment_method": "card",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCheckoutApprovedCard(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{outcome: &payment.Outcome{
		Approved:     true,
		ExternalTxID: "ch-1",
		State:        domain.PaymentApproved,
	}})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		PaymentMethod: domain.MethodCard,
		CardToken:     "tok-1",
		Lines:         []domain.CheckoutLine{{ProductID: "prd-silla-01", Quantity: 2}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Order domain.OrderOutcome `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.State != domain.OrderConfirmed {
		t.Fatalf("state = %s, want CONFIRMED", resp.Order.State)
	}

	// Owner can read the order back; the other seeded account cannot.
	get := doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+resp.Order.OrderID, token, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("owner read: expected 200, got %d", get.Code)
	}
	adminToken := login(t, handler, "admin", "admin123")
	get = doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+resp.Order.OrderID, adminToken, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("admin read: expected 200, got %d", get.Code)
	}
}

func TestCheckoutInsufficientStockConflicts(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{outcome: &payment.Outcome{
		Approved:     true,
		ExternalTxID: "ch-2",
		State:        domain.PaymentApproved,
	}})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		PaymentMethod: domain.MethodCard,
		CardToken:     "tok-1",
		Lines:         []domain.CheckoutLine{{ProductID: "prd-cama-01", Quantity: 999}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCheckoutGatewayDownIsBadGateway(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{err: payment.ErrGateway})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		PaymentMethod: domain.MethodCard,
		CardToken:     "tok-1",
		Lines:         []domain.CheckoutLine{{ProductID: "prd-silla-01", Quantity: 1}},
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("502 body must carry a structured error message")
	}
}

func TestCheckoutDeclinedIsOK(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{outcome: &payment.Outcome{
		Approved: false,
		Reason:   "insufficient funds",
	}})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		PaymentMethod: domain.MethodCard,
		CardToken:     "tok-1",
		Lines:         []domain.CheckoutLine{{ProductID: "prd-silla-01", Quantity: 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Order domain.OrderOutcome `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Order.Declined || resp.Order.Reason != "insufficient funds" {
		t.Fatalf("unexpected outcome: %+v", resp.Order)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()

	// Unknown transaction.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/webhooks/payment", "", map[string]string{
		"external_id": "tx-unknown",
		"status":      "approved",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown tx: expected 200, got %d", rec.Code)
	}

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	raw := httptest.NewRecorder()
	handler.ServeHTTP(raw, req)
	if raw.Code != http.StatusOK {
		t.Fatalf("malformed: expected 200, got %d", raw.Code)
	}
}

func TestWebhookConfirmsRedirectOrder(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{outcome: &payment.Outcome{
		RequiresRedirect: true,
		RedirectURL:      "https://pay.example/init/pref-1",
		ExternalTxID:     "pref-1",
		State:            domain.PaymentPending,
	}})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		PaymentMethod: domain.MethodRedirect,
		Lines:         []domain.CheckoutLine{{ProductID: "prd-silla-01", Quantity: 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Order domain.OrderOutcome `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.RedirectURL == "" {
		t.Fatal("redirect checkout must return a redirect url")
	}

	hook := doJSON(t, handler, http.MethodPost, "/api/v1/webhooks/payment", "", map[string]string{
		"external_id": "pref-1",
		"status":      "approved",
	})
	if hook.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d", hook.Code)
	}

	get := doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+resp.Order.OrderID, token, nil)
	var orderResp struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(get.Body).Decode(&orderResp); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if orderResp.Order.State != domain.OrderConfirmed {
		t.Fatalf("state after webhook = %s, want CONFIRMED", orderResp.Order.State)
	}
}

func TestInventoryEndpointsAdminOnly(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()
	customerToken := login(t, handler, "customer", "customer123")
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/prd-silla-01", customerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer inventory read: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/prd-silla-01", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin inventory read: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var invResp struct {
		Inventory domain.InventoryRecord `json:"inventory"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&invResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if invResp.Inventory.OnHand != 40 {
		t.Fatalf("on hand = %d, want 40", invResp.Inventory.OnHand)
	}
}

func TestStockAdjustFlow(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/verification-code", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verification code: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var codeResp struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&codeResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjust", adminToken, domain.StockAdjustRequest{
		ProductID:        "prd-silla-01",
		Kind:             domain.MovementIn,
		Quantity:         10,
		Reason:           "reposicion",
		VerificationCode: codeResp.Code,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// A stale code is rejected.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjust", adminToken, domain.StockAdjustRequest{
		ProductID:        "prd-silla-01",
		Kind:             domain.MovementIn,
		Quantity:         10,
		Reason:           "reposicion",
		VerificationCode: codeResp.Code,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code replay: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/prd-silla-01/movements", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("movements: expected 200, got %d", rec.Code)
	}
	var movResp struct {
		Movements []domain.MovementRecord `json:"movements"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&movResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(movResp.Movements) == 0 {
		t.Fatal("expected at least one movement")
	}
}

func TestRegisterThenLogin(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{
		Username: "nuevocliente",
		Password: "secreta1",
		Email:    "nuevo@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	token := login(t, handler, "nuevocliente", "secreta1")
	orders := doJSON(t, handler, http.MethodGet, "/api/v1/orders", token, nil)
	if orders.Code != http.StatusOK {
		t.Fatalf("orders: expected 200, got %d", orders.Code)
	}
}

func TestUnknownOrderActionIs404(t *testing.T) {
	api := newTestAPI(t, &fixedProcessor{})
	handler := api.Handler()
	token := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders/ord-1/teleport", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
