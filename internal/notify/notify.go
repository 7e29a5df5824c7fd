// Package notify is the boundary to the messaging collaborator. Delivery is
// fire-and-forget: a failed confirmation never fails the order flow.
package notify

import (
	"context"
	"log"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/domain"
)

type Sender interface {
	SendOrderConfirmation(ctx context.Context, order *domain.Order, recipientEmail string) error
}

// LogSender writes confirmations to the process log. It stands in for the
// real email/SMS service in dev and tests.
type LogSender struct{}

func (LogSender) SendOrderConfirmation(_ context.Context, order *domain.Order, recipientEmail string) error {
	log.Printf("[notify] order confirmation %s (%s) to %s", order.OrderNumber, order.State, recipientEmail)
	return nil
}
