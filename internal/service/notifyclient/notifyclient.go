package notifyclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// JSON уведомления о решении по платежу
type Event struct {
	PaymentID string    `json:"payment_id"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason"`
	BatchID   string    `json:"batch_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Notifier interface {
	PaymentDisposed(ctx context.Context, event Event) error
}

type webhookClient struct {
	client      *resty.Client
	serviceAddr string
}

func NewWebhookClient(serviceAddr string) Notifier {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return webhookClient{client: client, serviceAddr: serviceAddr}
}

func (c webhookClient) PaymentDisposed(ctx context.Context, event Event) error {
	path := "/api/notifications/payments"

	setreq := c.client.R().SetContext(ctx)
	setreq.Method = http.MethodPost
	setreq.URL = c.serviceAddr + path
	setreq.SetHeader("Content-Type", "application/json")
	setreq.SetBody(event)
	setresp, err := setreq.Send()
	if err != nil {
		return err
	}

	switch setresp.StatusCode() {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("notification request status: %d", setresp.StatusCode())
	}
}

type multiNotifier []Notifier

// Multi fans an event out to every notifier and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	var active multiNotifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return active
}

func (m multiNotifier) PaymentDisposed(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.PaymentDisposed(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
