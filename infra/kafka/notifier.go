package kafka

import (
	"context"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"bourse/domain/settlement"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notifier publishes user-facing settlement notifications. Messages are
// keyed by user so a user's notifications stay ordered within a partition.
type Notifier struct {
	producer *Producer
}

func NewNotifier(p *Producer) *Notifier {
	return &Notifier{producer: p}
}

func (n *Notifier) Notify(ctx context.Context, note settlement.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	key := note.UserID
	if key == "" {
		key = note.TradeID
	}
	if err := n.producer.Send(ctx, []byte(key), body); err != nil {
		return errors.Wrapf(err, "publish %s for trade %s", note.Kind, note.TradeID)
	}
	return nil
}
