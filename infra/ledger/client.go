// Package ledger adapts the distributed ledger's transfer API.
package ledger

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
	return &Client{http: httpcall.New("ledger", baseURL, timeout, log)}
}

// Transfer moves req.Quantity units of req.AssetID from req.From to req.To.
func (c *Client) Transfer(ctx context.Context, req settlement.LedgerRequest) (string, error) {
	return c.http.PostTx(ctx, "/v1/transfers", req.IdempotencyKey, req)
}
