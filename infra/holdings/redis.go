// Package holdings reads the holdings oracle and asset registry read models
// that the registry services publish to redis.
package holdings

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"bourse/domain/marketdata"
)

// Repository answers holdings and supply queries.
//
// Layout:
//
//	holdings:<asset>   hash  user -> units held
//	asset:<asset>      hash  total, unavailable
type Repository struct {
	client redis.UniversalClient
	prefix string
}

func NewRepository(client redis.UniversalClient) *Repository {
	return &Repository{client: client, prefix: "bourse:"}
}

// Holdings returns 0 for a user with no recorded position.
func (r *Repository) Holdings(ctx context.Context, userID, assetID string) (int64, error) {
	n, err := r.client.HGet(ctx, r.prefix+"holdings:"+assetID, userID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "holdings of %s in %s", userID, assetID)
	}
	return n, nil
}

func (r *Repository) Supply(ctx context.Context, assetID string) (marketdata.Supply, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+"asset:"+assetID, "total", "unavailable").Result()
	if err != nil {
		return marketdata.Supply{}, errors.Wrapf(err, "supply of %s", assetID)
	}
	var s marketdata.Supply
	if s.Total, err = toInt(vals[0]); err != nil {
		return s, errors.Wrapf(err, "total supply of %s", assetID)
	}
	if s.Unavailable, err = toInt(vals[1]); err != nil {
		return s, errors.Wrapf(err, "unavailable supply of %s", assetID)
	}
	return s, nil
}

// SetHoldings and SetSupply seed the read model; used by tooling and tests.
func (r *Repository) SetHoldings(ctx context.Context, userID, assetID string, units int64) error {
	return r.client.HSet(ctx, r.prefix+"holdings:"+assetID, userID, units).Err()
}

func (r *Repository) SetSupply(ctx context.Context, assetID string, s marketdata.Supply) error {
	return r.client.HSet(ctx, r.prefix+"asset:"+assetID, "total", s.Total, "unavailable", s.Unavailable).Err()
}
