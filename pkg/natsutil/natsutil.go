// Package natsutil carries JSON values over core NATS subjects with the
// trace context in message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// RetryHeader counts how many times a message has failed its handler.
const RetryHeader = "X-Retry-Count"

func carrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(http.Header(msg.Header))
}

func encode(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg))
	return msg, nil
}

func decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	err := json.Unmarshal(msg.Data, &v)
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), carrier(msg))
	return ctx, v, err
}

// Publish sends v as JSON on subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := encode(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe decodes every message on subject into a T. Messages that do not
// decode are logged and skipped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := decode[T](msg)
		if err != nil {
			slog.Warn("natsutil: skipping undecodable message", "subject", msg.Subject, "error", err)
			return
		}
		handler(ctx, v)
	})
}

// ConsumeOpts configures Consume.
type ConsumeOpts struct {
	// MaxRetries failed attempts send a message to DLQSubject (3).
	MaxRetries int
	// DLQSubject of "" discards exhausted messages.
	DLQSubject string
	Logger     *slog.Logger
}

// DeadLetter wraps a message that failed every attempt.
type DeadLetter[T any] struct {
	Message T      `json:"message"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consume is Subscribe for handlers that can fail. A failure puts the
// message back on subject with RetryHeader incremented. Once the count
// reaches MaxRetries the message goes to DLQSubject as a DeadLetter.
func Consume[T any](nc *nats.Conn, subject string, opts ConsumeOpts, handler func(context.Context, T) error) (*nats.Subscription, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := decode[T](msg)
		if err != nil {
			log.Error("natsutil: undecodable message", "subject", subject, "error", err)
			return
		}
		herr := handler(ctx, v)
		if herr == nil {
			return
		}
		n := Retries(msg) + 1
		log.Error("natsutil: handler failed", "subject", subject, "attempt", n, "error", herr)

		if n < opts.MaxRetries {
			again := nats.NewMsg(subject)
			again.Data = msg.Data
			again.Header.Set(RetryHeader, strconv.Itoa(n))
			otel.GetTextMapPropagator().Inject(ctx, carrier(again))
			if err := nc.PublishMsg(again); err != nil {
				log.Error("natsutil: requeue failed", "subject", subject, "error", err)
			}
			return
		}
		if opts.DLQSubject == "" {
			return
		}
		dl := DeadLetter[T]{Message: v, Error: herr.Error(), Retries: n}
		if err := Publish(ctx, nc, opts.DLQSubject, dl); err != nil {
			log.Error("natsutil: dead letter publish failed", "subject", opts.DLQSubject, "error", err)
		}
	})
}

// Retries reads RetryHeader from msg. A missing header is zero.
func Retries(msg *nats.Msg) int {
	n, _ := strconv.Atoi(msg.Header.Get(RetryHeader))
	return n
}
