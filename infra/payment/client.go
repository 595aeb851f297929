// Package payment adapts the payment processor's transfer API.
package payment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bourse/domain/settlement"
	"bourse/infra/httpcall"
)

type Client struct {
	http *httpcall.Client
}

func New(baseURL string, timeout time.Duration, log *logrus.Entry) *Client {
	return &Client{http: httpcall.New("payment", baseURL, timeout, log)}
}

// Transfer moves req.Amount from req.From to req.To.
func (c *Client) Transfer(ctx context.Context, req settlement.PaymentRequest) (string, error) {
	return c.http.PostTx(ctx, "/v1/payments", req.IdempotencyKey, req)
}
