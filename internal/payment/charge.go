package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

// ChargeClient talks to the synchronous card charge endpoint. A definitive
// accept or reject from the gateway is an Outcome; anything else (timeout,
// transport error, 5xx) is ErrGateway and leaves no state behind.
type ChargeClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewChargeClient(baseURL, token string, timeout time.Duration) *ChargeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChargeClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	CardToken   string `json:"card_token"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
	Reference   string `json:"external_reference"`
}

type chargeResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Detail    string `json:"status_detail"`
	CardLast4 string `json:"card_last4"`
	CardBrand string `json:"card_brand"`
}

func (c *ChargeClient) Charge(ctx context.Context, intent Intent) (*Outcome, error) {
	body, err := json.Marshal(chargeRequest{
		CardToken:   intent.CardToken,
		AmountCents: intent.AmountCents,
		Description: intent.Description,
		Reference:   intent.OrderNumber,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charges", bytes.NewReader(body))
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
		return nil, fmt.Errorf("%w: charge endpoint returned %d", ErrGateway, resp.StatusCode)
	}

	var parsed chargeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	outcome := &Outcome{
		ExternalTxID: parsed.ID,
		CardLast4:    parsed.CardLast4,
		CardBrand:    parsed.CardBrand,
		RawPayload:   string(raw),
	}
	switch parsed.Status {
	case "approved":
		outcome.Approved = true
		outcome.State = domain.PaymentApproved
	case "rejected":
		outcome.Approved = false
		outcome.State = domain.PaymentRejected
		outcome.Reason = parsed.Detail
		if outcome.Reason == "" {
			outcome.Reason = "payment declined"
		}
	default:
		return nil, fmt.Errorf("%w: unexpected charge status %q", ErrGateway, parsed.Status)
	}
	return outcome, nil
}
