package orderbook

import (
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, errors.Newf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts BUY or SELL.
func ParseSide(v string) (Side, error) {
	switch v {
	case "BUY", "buy":
		return Buy, nil
	case "SELL", "sell":
		return Sell, nil
	}
	return 0, errors.Wrapf(ErrValidation, "unsupported side %q", v)
}

type Status uint8

const (
	Open Status = iota + 1
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

var statusNames = map[Status]string{
	Open:            "OPEN",
	PartiallyFilled: "PARTIALLY_FILLED",
	Filled:          "FILLED",
	Cancelled:       "CANCELLED",
	Expired:         "EXPIRED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// IsLive reports whether an order in status s rests in the book.
func (s Status) IsLive() bool {
	return s == Open || s == PartiallyFilled
}

func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, errors.Newf("invalid order status %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStatus(v string) (Status, error) {
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, errors.Wrapf(ErrValidation, "unsupported order status %q", v)
}

// Order is one side of trading intent for a single asset.
//
// Remaining always equals Requested-Filled. Seq is assigned on acceptance
// and breaks CreatedAt ties so the FIFO at a price level is strict.
type Order struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	AssetID   string          `json:"asset_id"`
	Side      Side            `json:"side"`
	Requested int64           `json:"requested_quantity"`
	Price     decimal.Decimal `json:"limit_price"`
	Filled    int64           `json:"filled_quantity"`
	Remaining int64           `json:"remaining_quantity"`
	Status    Status          `json:"status"`
	Seq       uint64          `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	UpdatedAt time.Time       `json:"last_updated_at"`

	level *PriceLevel
	next  *Order
	prev  *Order
}

// NewOrder builds an OPEN order that has not yet been accepted.
func NewOrder(id, ownerID, assetID string, side Side, qty int64, price decimal.Decimal, expiresAt time.Time) *Order {
	return &Order{
		ID:        id,
		OwnerID:   ownerID,
		AssetID:   assetID,
		Side:      side,
		Requested: qty,
		Price:     price,
		Remaining: qty,
		Status:    Open,
		ExpiresAt: expiresAt,
	}
}

var (
	assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	userIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// Validate rejects orders that must never enter a book.
func (o *Order) Validate(now time.Time) error {
	if !assetIDPattern.MatchString(o.AssetID) {
		return errors.Wrapf(ErrValidation, "malformed asset id %q", o.AssetID)
	}
	if !userIDPattern.MatchString(o.OwnerID) {
		return errors.Wrapf(ErrValidation, "malformed owner id %q", o.OwnerID)
	}
	if o.Side != Buy && o.Side != Sell {
		return errors.Wrapf(ErrValidation, "invalid side %d", uint8(o.Side))
	}
	if o.Requested <= 0 {
		return errors.Wrapf(ErrValidation, "quantity must be positive, got %d", o.Requested)
	}
	if !o.Price.IsPositive() {
		return errors.Wrapf(ErrValidation, "limit price must be positive, got %s", o.Price)
	}
	if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now) {
		return errors.Wrapf(ErrValidation, "expiry %s is not in the future", o.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// ExpiredAt reports whether the order's deadline has passed at now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

// InBook reports whether the order is currently linked into a price level.
func (o *Order) InBook() bool {
	return o.level != nil
}

// Snapshot returns a detached copy safe to hand outside the owning worker.
func (o *Order) Snapshot() Order {
	c := *o
	c.level, c.next, c.prev = nil, nil, nil
	return c
}

// Next is a read-only traversal helper inside a price level.
func (o *Order) Next() *Order {
	return o.next
}
