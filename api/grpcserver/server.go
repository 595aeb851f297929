package grpcserver

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/service"
)

// Engine is the part of service.Engine the API exposes.
type Engine interface {
	SubmitOrder(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
	CancelOrder(ctx context.Context, orderID, requesterID string) (orderbook.Order, error)
	GetOrder(ctx context.Context, orderID string) (orderbook.Order, error)
	GetOrderBook(ctx context.Context, assetID string, depth int) (service.BookView, error)
	GetUserOrders(ctx context.Context, userID string, statuses ...orderbook.Status) ([]orderbook.Order, error)
	GetMarketStats(ctx context.Context, assetID string) (marketdata.Stats, error)
	ListReconciliation(ctx context.Context) ([]orderbook.Trade, error)
	RetryCompensation(ctx context.Context, tradeID string) (orderbook.Trade, error)
}

// Server adapts Engine to gRPC.
//
// Requests and responses are Structs. Prices travel as decimal strings,
// quantities as integral numbers and timestamps as RFC 3339 strings.
type Server struct {
	engine Engine
}

func NewServer(engine Engine) *Server {
	return &Server{engine: engine}
}

var _ ExchangeServer = (*Server)(nil)

// -------------------- Commands --------------------

// SubmitOrder takes owner_id, asset_id, side, quantity, price and an
// optional expires_at.
func (s *Server) SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	side, err := toSide(str(req, "side"))
	if err != nil {
		return nil, toStatus(err)
	}
	qty, err := integer(req, "quantity")
	if err != nil {
		return nil, toStatus(err)
	}
	price, err := toPrice(str(req, "price"))
	if err != nil {
		return nil, toStatus(err)
	}
	var expires time.Time
	if v := str(req, "expires_at"); v != "" {
		if expires, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, toStatus(errors.Wrapf(orderbook.ErrValidation, "expires_at: %v", err))
		}
	}

	res, err := s.engine.SubmitOrder(ctx, service.SubmitRequest{
		OwnerID:   str(req, "owner_id"),
		AssetID:   str(req, "asset_id"),
		Side:      side,
		Quantity:  qty,
		Price:     price,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	trades := make([]any, 0, len(res.Trades))
	for _, t := range res.Trades {
		trades = append(trades, fromTrade(t))
	}
	return reply(map[string]any{
		"order":  fromOrder(res.Order),
		"trades": trades,
	})
}

// CancelOrder takes order_id and requester_id.
func (s *Server) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.engine.CancelOrder(ctx, str(req, "order_id"), str(req, "requester_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"order": fromOrder(o)})
}

// RetryCompensation takes trade_id.
func (s *Server) RetryCompensation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.engine.RetryCompensation(ctx, str(req, "trade_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"trade": fromTrade(t)})
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.engine.GetOrder(ctx, str(req, "order_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"order": fromOrder(o)})
}

// GetOrderBook takes asset_id and an optional depth; 0 returns every level.
func (s *Server) GetOrderBook(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	depth, err := integer(req, "depth")
	if err != nil {
		return nil, toStatus(err)
	}
	view, err := s.engine.GetOrderBook(ctx, str(req, "asset_id"), int(depth))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"asset_id": view.AssetID,
		"bids":     fromLevels(view.Bids),
		"asks":     fromLevels(view.Asks),
	})
}

// GetUserOrders takes user_id and an optional statuses list.
func (s *Server) GetUserOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var statuses []orderbook.Status
	for _, v := range req.GetFields()["statuses"].GetListValue().GetValues() {
		st, err := orderbook.ParseStatus(v.GetStringValue())
		if err != nil {
			return nil, toStatus(err)
		}
		statuses = append(statuses, st)
	}
	orders, err := s.engine.GetUserOrders(ctx, str(req, "user_id"), statuses...)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromOrder(o))
	}
	return reply(map[string]any{"orders": out})
}

func (s *Server) GetMarketStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.engine.GetMarketStats(ctx, str(req, "asset_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"asset_id":           st.AssetID,
		"volume_24h":         st.Volume24h,
		"notional_24h":       st.Notional24h.String(),
		"trades_24h":         st.Trades24h,
		"circulating_supply": st.CirculatingSupply,
		"as_of":              st.AsOf.Format(time.RFC3339Nano),
	}
	// absent values are omitted rather than reported as zero
	if st.HasBid {
		out["best_bid"] = st.BestBid.String()
	}
	if st.HasAsk {
		out["best_ask"] = st.BestAsk.String()
	}
	if st.HasBid && st.HasAsk {
		out["spread"] = st.Spread.String()
		out["crossed"] = st.Crossed
	}
	if st.HasLast {
		out["last_price"] = st.LastPrice.String()
	}
	if st.Trades24h > 0 {
		out["high_24h"] = st.High24h.String()
		out["low_24h"] = st.Low24h.String()
	}
	return reply(out)
}

func (s *Server) ListReconciliation(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	trades, err := s.engine.ListReconciliation(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, fromTrade(t))
	}
	return reply(map[string]any{"trades": out})
}

// -------------------- Interceptors --------------------

// UnaryLogger logs every call with its status code and latency.
func UnaryLogger(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		entry := log.WithFields(logrus.Fields{
			"method":  info.FullMethod,
			"code":    code.String(),
			"latency": time.Since(start),
		})
		switch code {
		case codes.OK:
			entry.Debug("[gRPC] call")
		case codes.Internal, codes.Unknown:
			entry.WithError(err).Error("[gRPC] call failed")
		default:
			entry.WithError(err).Info("[gRPC] call rejected")
		}
		return resp, err
	}
}

// -------------------- Converters --------------------

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, orderbook.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, orderbook.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, orderbook.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, orderbook.ErrInsufficientHoldings),
		errors.Is(err, orderbook.ErrAlreadyTerminal),
		errors.Is(err, service.ErrNotReconcilable):
		code = codes.FailedPrecondition
	case errors.Is(err, orderbook.ErrReconciliationRequired):
		code = codes.Aborted
	case errors.Is(err, service.ErrEngineClosed),
		errors.Is(err, service.ErrHalted),
		errors.Is(err, service.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func toSide(v string) (orderbook.Side, error) {
	return orderbook.ParseSide(v)
}

func fromSide(s orderbook.Side) string {
	return s.String()
}

func toPrice(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, errors.Wrap(orderbook.ErrValidation, "price is required")
	}
	p, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Wrapf(orderbook.ErrValidation, "price %q: %v", v, err)
	}
	return p, nil
}

func fromOrder(o orderbook.Order) map[string]any {
	m := map[string]any{
		"id":         o.ID,
		"owner_id":   o.OwnerID,
		"asset_id":   o.AssetID,
		"side":       fromSide(o.Side),
		"quantity":   o.Requested,
		"price":      o.Price.String(),
		"filled":     o.Filled,
		"remaining":  o.Remaining,
		"status":     o.Status.String(),
		"seq":        int64(o.Seq),
		"created_at": o.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": o.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !o.ExpiresAt.IsZero() {
		m["expires_at"] = o.ExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

func fromTrade(t orderbook.Trade) map[string]any {
	return map[string]any{
		"id":             t.ID,
		"asset_id":       t.AssetID,
		"buy_order_id":   t.BuyOrderID,
		"sell_order_id":  t.SellOrderID,
		"buyer_id":       t.BuyerID,
		"seller_id":      t.SellerID,
		"quantity":       t.Quantity,
		"price":          t.Price.String(),
		"total_value":    t.TotalValue.String(),
		"platform_fee":   t.PlatformFee.String(),
		"status":         t.Status.String(),
		"self_trade":     t.SelfTrade,
		"ledger_tx_ref":  t.LedgerTxRef,
		"payment_tx_ref": t.PaymentTxRef,
		"executed_at":    t.ExecutedAt.Format(time.RFC3339Nano),
	}
}

func fromLevels(levels []orderbook.LevelView) []any {
	out := make([]any, 0, len(levels))
	for _, l := range levels {
		out = append(out, map[string]any{
			"price":    l.Price.String(),
			"quantity": l.Quantity,
			"orders":   l.Orders,
		})
	}
	return out
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

// integer reads an integral number field; a missing field reads as 0.
func integer(req *structpb.Struct, key string) (int64, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, errors.Wrapf(orderbook.ErrValidation, "%s must be an integer", key)
	}
	return int64(n.NumberValue), nil
}
