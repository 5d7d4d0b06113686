// Package events consumes payment gateway confirmations from Kafka and
// drives payment completion or failure.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/domain/payment"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed payment event")

// Event is a gateway confirmation for one payment.
type Event struct {
	PaymentID        string
	GatewayPaymentID string
	Status           payment.Status
}

// DecodeEvent parses {"paymentId","gatewayPaymentId","status"}. Only
// completed and failed statuses are accepted.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "paymentId":
			ev.PaymentID, err = d.Str()
		case "gatewayPaymentId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			ev.GatewayPaymentID, err = d.Str()
		case "status":
			var s string
			s, err = d.Str()
			ev.Status = payment.Status(strings.ToLower(strings.TrimSpace(s)))
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return Event{}, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}

	ev.PaymentID = strings.TrimSpace(ev.PaymentID)
	if ev.PaymentID == "" {
		return Event{}, errors.Wrap(ErrMalformed, "missing paymentId")
	}
	if ev.Status != payment.StatusCompleted && ev.Status != payment.StatusFailed {
		return Event{}, errors.Wrapf(ErrMalformed, "unsupported status %q", ev.Status)
	}
	return ev, nil
}

// EncodeEvent renders ev in the wire format read by DecodeEvent.
func EncodeEvent(ev Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("paymentId")
	e.Str(ev.PaymentID)
	e.FieldStart("gatewayPaymentId")
	e.Str(ev.GatewayPaymentID)
	e.FieldStart("status")
	e.Str(string(ev.Status))
	e.ObjEnd()
	return e.Bytes()
}

// Settler is the part of payment.Service the consumer drives.
type Settler interface {
	Complete(ctx context.Context, paymentID, gatewayRef string) (*payment.CompleteResult, error)
	Fail(ctx context.Context, paymentID, gatewayRef string) (*payment.FailResult, error)
}

// Handle applies one event. Malformed events and unknown payments are
// logged and acknowledged; any other error leaves the message uncommitted.
func Handle(ctx context.Context, s Settler, raw []byte) error {
	lg := zctx.From(ctx)

	ev, err := DecodeEvent(raw)
	if err != nil {
		lg.Warn("Skip malformed payment event", zap.Error(err), zap.ByteString("value", raw))
		return nil
	}

	switch ev.Status {
	case payment.StatusCompleted:
		_, err = s.Complete(ctx, ev.PaymentID, ev.GatewayPaymentID)
	case payment.StatusFailed:
		_, err = s.Fail(ctx, ev.PaymentID, ev.GatewayPaymentID)
	}
	if errors.Is(err, payment.ErrPaymentNotFound) {
		lg.Warn("Skip event for unknown payment", zap.String("payment_id", ev.PaymentID))
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "apply %s to %s", ev.Status, ev.PaymentID)
	}
	return nil
}

// Reader is the subset of *kafka.Reader used by Consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads payment events with at-least-once delivery: an offset is
// committed only after its event was applied.
type Consumer struct {
	reader  Reader
	settler Settler
	backoff time.Duration
}

// NewConsumer returns a Consumer. backoff is the pause between retries of a
// message whose handling failed.
func NewConsumer(reader Reader, settler Settler, backoff time.Duration) *Consumer {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Consumer{reader: reader, settler: settler, backoff: backoff}
}

// Run consumes until ctx is cancelled. A failing message is retried in place
// so partition order is preserved.
func (c *Consumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	defer func() {
		if err := c.reader.Close(); err != nil {
			lg.Warn("Close reader", zap.Error(err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		msgLg := lg.With(
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		msgCtx := zctx.Base(ctx, msgLg)

		for attempt := 1; ; attempt++ {
			err := Handle(msgCtx, c.settler, msg.Value)
			if err == nil {
				break
			}
			msgLg.Error("Handle payment event", zap.Int("attempt", attempt), zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

// ReaderConfig builds the kafka-go reader configuration for one worker.
func ReaderConfig(brokers []string, topic, groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
}
