package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

// PreferenceClient talks to the asynchronous hosted-checkout gateway. It
// creates a preference carrying the order id as the external reference and
// can later query a payment's status when the buyer returns from the
// redirect.
type PreferenceClient struct {
	baseURL       string
	token         string
	returnURLBase string
	webhookURL    string
	client        *http.Client
}

func NewPreferenceClient(baseURL, token, returnURLBase, webhookURL string, timeout time.Duration) *PreferenceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PreferenceClient{
		baseURL:       baseURL,
		token:         token,
		returnURLBase: returnURLBase,
		webhookURL:    webhookURL,
		client:        &http.Client{Timeout: timeout},
	}
}

type preferenceItem struct {
	Title          string `json:"title"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type preferenceBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	ExternalReference string             `json:"external_reference"`
	Items             []preferenceItem   `json:"items"`
	BackURLs          preferenceBackURLs `json:"back_urls"`
	NotificationURL   string             `json:"notification_url,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

func (c *PreferenceClient) CreatePreference(ctx context.Context, intent Intent) (*Outcome, error) {
	items := make([]preferenceItem, 0, len(intent.Items))
	for _, item := range intent.Items {
		items = append(items, preferenceItem{
			Title:          item.Title,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	returnTo := c.returnURLBase + "/orders/" + url.PathEscape(intent.OrderID) + "/payment-return"
	body, err := json.Marshal(preferenceRequest{
		ExternalReference: intent.OrderID,
		Items:             items,
		BackURLs: preferenceBackURLs{
			Success: returnTo,
			Failure: returnTo,
			Pending: returnTo,
		},
		NotificationURL: c.webhookURL,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkout/preferences", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: preference endpoint returned %d", ErrGateway, resp.StatusCode)
	}

	var parsed preferenceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if parsed.ID == "" || parsed.InitPoint == "" {
		return nil, fmt.Errorf("%w: preference response missing id or init_point", ErrGateway)
	}

	return &Outcome{
		Approved:         false,
		RequiresRedirect: true,
		RedirectURL:      parsed.InitPoint,
		ExternalTxID:     parsed.ID,
		State:            domain.PaymentPending,
		RawPayload:       string(raw),
	}, nil
}

type paymentStatusResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
}

// PaymentCheck is the gateway's answer to a direct payment-status query.
// ExternalReference echoes the order id the payment was created for; callers
// must verify it before applying the status to an order.
type PaymentCheck struct {
	Status            string
	ExternalReference string
	RawPayload        string
}

// PaymentStatus queries the gateway for the current status of an external
// payment.
func (c *PreferenceClient) PaymentStatus(ctx context.Context, externalID string) (*PaymentCheck, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status endpoint returned %d", ErrGateway, resp.StatusCode)
	}

	var parsed paymentStatusResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return &PaymentCheck{
		Status:            parsed.Status,
		ExternalReference: parsed.ExternalReference,
		RawPayload:        string(raw),
	}, nil
}
