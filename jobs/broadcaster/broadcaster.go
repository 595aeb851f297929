package broadcaster

import (
	"context"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"bourse/infra/store"
)

// Outbox is the slice of the journal the broadcaster drains.
type Outbox interface {
	ScanUnacked(fn func(store.OutboxEntry) error) error
	MarkOutbox(id uint64, state store.OutboxState, retries uint32) error
	DeleteOutbox(id uint64) error
}

type Broadcaster struct {
	outbox   Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      *logrus.Entry
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

// NewProducer builds the sync producer the broadcaster relays through.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	return sarama.NewSyncProducer(brokers, cfg)
}

func New(
	outbox Outbox,
	producer sarama.SyncProducer,
	topic string,
	interval time.Duration,
	log *logrus.Entry,
) *Broadcaster {
	return &Broadcaster{
		outbox:   outbox,
		producer: producer,
		topic:    topic,
		interval: interval,
		log:      log,
	}
}

// ------------------------------------------------
// RUN LOOP
// ------------------------------------------------

// Run relays until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.WithField("topic", b.topic).Info("broadcaster started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.replayOnce() // flush what the engine committed while draining
			return nil

		case <-ticker.C:
			b.replayOnce()
		}
	}
}

// ------------------------------------------------
// REPLAY LOGIC
// ------------------------------------------------

// replayOnce publishes every unacknowledged entry in append order, so SENT
// leftovers from a crash and FAILED ones go out before anything newer.
// After a failure the rest of that key's entries wait for the next pass,
// which keeps per-key order. Delivery is at-least-once; consumers dedupe
// on the outbox-id header.
func (b *Broadcaster) replayOnce() int {
	sent := 0
	blocked := map[string]bool{}
	err := b.outbox.ScanUnacked(func(e store.OutboxEntry) error {
		if blocked[e.Key] {
			return nil
		}
		if b.publish(e) {
			sent++
		} else {
			blocked[e.Key] = true
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).Error("outbox scan failed")
	}
	return sent
}

func (b *Broadcaster) publish(e store.OutboxEntry) bool {
	log := b.log.WithFields(logrus.Fields{"outbox_id": e.ID, "type": e.Type})

	// 1. Mark SENT
	if err := b.outbox.MarkOutbox(e.ID, store.StateSent, e.Retries); err != nil {
		log.WithError(err).Warn("mark sent failed")
		return false
	}

	// 2. Publish to Kafka
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(e.Key),
		Value: sarama.ByteEncoder(e.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(e.Type)},
			{Key: []byte("outbox-id"), Value: []byte(formatID(e.ID))},
		},
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		log.WithError(err).Warn("publish failed, will retry")
		_ = b.outbox.MarkOutbox(e.ID, store.StateFailed, e.Retries+1)
		return false
	}

	// 3. ACKED entries are not needed any more
	if err := b.outbox.DeleteOutbox(e.ID); err != nil {
		log.WithError(err).Warn("outbox cleanup failed")
		_ = b.outbox.MarkOutbox(e.ID, store.StateAcked, e.Retries)
	}
	return true
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
