// Package httpcall is the shared HTTP client for settlement collaborators:
// resty for transport, a circuit breaker per collaborator, and a uniform
// split between rejections and transient failures.
package httpcall

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"bourse/domain/settlement"
)

type Client struct {
	name string
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
}

func New(name, baseURL string, timeout time.Duration, log *logrus.Entry) *Client {
	return &Client{
		name: name,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// a rejection is the collaborator working correctly
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, settlement.ErrRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state change")
			},
		}),
	}
}

type txResponse struct {
	TxRef string `json:"tx_ref"`
}

// PostTx sends body to path and returns the collaborator's transaction
// reference. 4xx responses are wrapped as settlement.ErrRejected.
func (c *Client) PostTx(ctx context.Context, path, idempotencyKey string, body any) (string, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		var res txResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", idempotencyKey).
			SetBody(body).
			SetResult(&res).
			Post(path)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", c.name, path)
		}
		switch code := resp.StatusCode(); {
		case code >= http.StatusInternalServerError || code == http.StatusTooManyRequests:
			return nil, errors.Newf("%s %s: status %d", c.name, path, code)
		case code >= http.StatusBadRequest:
			return nil, settlement.Rejected(errors.Newf("%s %s: status %d: %s", c.name, path, code, resp.String()))
		}
		if res.TxRef == "" {
			return nil, errors.Newf("%s %s: response without tx_ref", c.name, path)
		}
		return res.TxRef, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
