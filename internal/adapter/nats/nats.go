// Package nats implements the message queue port and the event archive
// using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/relay/internal/logger"
	"github.com/Strob0t/relay/internal/port/messagequeue"
)

const (
	streamName = "RELAY"

	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"
	headerDLQReason  = "DLQ-Reason"

	// maxRetries is how many times a failed message is redelivered before
	// it is parked on <subject>.dlq.
	maxRetries = 3

	// Nudges are wake-up hints; anything older is useless.
	streamMaxAge = time.Hour
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"handoffs.>"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// JetStream exposes the JetStream context for the KV store and archive.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// Publish sends a message to the given subject. The request ID in ctx, if
// any, travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Only
// messages published after the call are delivered. Invalid payloads go to
// the dead-letter subject at once; handler failures are retried up to
// maxRetries first.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	hdrs := msg.Headers()
	ctx := context.Background()
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.Warn("message failed validation", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(msg, err)
		return
	}

	if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
		attempt := retryCount(hdrs)
		if attempt >= maxRetries {
			slog.Error("message retries exhausted", "subject", msg.Subject(), "attempts", attempt, "error", err)
			q.moveToDLQ(msg, err)
			return
		}
		slog.Warn("message handler failed, retrying", "subject", msg.Subject(), "attempt", attempt+1, "error", err)
		q.republish(msg, attempt+1)
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

// republish re-enqueues msg with an incremented retry count and acks the
// original. If the republish fails the original is nak'ed instead.
func (q *Queue) republish(msg jetstream.Msg, attempt int) {
	out := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: copyHeader(msg.Headers())}
	out.Header.Set(headerRetryCount, strconv.Itoa(attempt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.Error("nats republish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

func (q *Queue) moveToDLQ(msg jetstream.Msg, reason error) {
	out := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: copyHeader(msg.Headers())}
	out.Header.Set(headerDLQReason, reason.Error())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.Error("nats dlq publish failed", "subject", out.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	// Terminate so the server stops redelivering.
	if termErr := msg.Term(); termErr != nil {
		slog.Error("nats term failed", "error", termErr)
	}
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func copyHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// KeyValue creates or updates a JetStream KV bucket. A ttl of 0 keeps
// entries until deleted.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Drain drains subscriptions and closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
