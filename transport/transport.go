// Package transport adapts NATS JetStream (streams, KV buckets, durable
// pull consumers, and per-consumer lag telemetry) to Happen's wire
// contract, following the teacher's natsclient bootstrap pattern.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arc-self/happen/event"
)

const (
	// StreamEvents is the durable stream capturing every published event.
	StreamEvents = "HAPPEN_EVENTS"
	// SubjectEvents is the wildcard subject filter backing StreamEvents.
	SubjectEvents = "happen.>"
	// KVBucketState is the bucket nodes persist local state into, keyed
	// by the owning node's NodeId ("node-<name>-<timestamp36>-<rand>")
	// (spec §4.4, "stored under a durable key in the transport KV
	// bucket").
	KVBucketState = "happen-node-state"
)

// Client wraps a NATS connection, its JetStream context, and the KV
// bucket backing persistent node state.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	KV   nats.KeyValue
	Log  *zap.Logger
}

// NewClient connects to NATS and initializes JetStream, mirroring the
// teacher's natsclient.NewClient.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Close drains and closes the underlying NATS connection, flushing
// in-flight publishes rather than dropping them.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}

// ProvisionStreams idempotently ensures the HAPPEN_EVENTS stream exists.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamEvents)
	if err == nil {
		c.Log.Info("NATS stream already exists", zap.String("stream", StreamEvents))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{SubjectEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamEvents), zap.String("subjects", SubjectEvents))
	return nil
}

// ProvisionKVBucket idempotently ensures the node-state KV bucket exists
// and binds it to c.KV.
func (c *Client) ProvisionKVBucket() error {
	kv, err := c.JS.KeyValue(KVBucketState)
	if err == nil {
		c.KV = kv
		return nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return fmt.Errorf("kv lookup: %w", err)
	}
	kv, err = c.JS.CreateKeyValue(&nats.KeyValueConfig{Bucket: KVBucketState})
	if err != nil {
		return fmt.Errorf("create kv bucket: %w", err)
	}
	c.Log.Info("NATS KV bucket provisioned", zap.String("bucket", KVBucketState))
	c.KV = kv
	return nil
}

// Publish marshals e and publishes it to subject. Implements the
// node.Transport interface.
func (c *Client) Publish(ctx context.Context, subject string, e event.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transport: marshal event: %w", err)
	}
	_, err = c.JS.Publish(subject, raw, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}

// Deliver is invoked by a Subscribe callback to hand an inbound event to
// a node's ingress.
type Deliver func(ctx context.Context, e event.Event)

// Subscribe creates (or reuses) a durable pull consumer on subject and
// delivers every message through deliver, acking once deliver returns and
// nak'ing when deliver panics to trigger JetStream redelivery (spec §6's "num_
// pending / ack_floor / delivered" telemetry surface comes from exactly
// this durable consumer).
func (c *Client) Subscribe(ctx context.Context, subject, durable string, deliver Deliver) (*nats.Subscription, error) {
	sub, err := c.JS.PullSubscribe(subject, durable, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("transport: pull subscribe: %w", err)
	}

	go c.pullLoop(ctx, sub, deliver)
	return sub, nil
}

// pullLoop repeatedly fetches and dispatches messages until ctx is
// cancelled, following the teacher's worker-pull-loop idiom (cdc-worker
// app): undecodable (non-JSON) messages are terminated rather than
// redelivered forever; a panic in deliver naks the message for
// redelivery.
func (c *Client) pullLoop(ctx context.Context, sub *nats.Subscription, deliver Deliver) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(16, nats.MaxWait(2e9))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.Log.Warn("pull fetch error", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handleMessage(ctx, msg, deliver)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *nats.Msg, deliver Deliver) {
	var e event.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		c.Log.Error("poison message: undecodable payload, terminating", zap.Error(err))
		_ = msg.Term()
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.Log.Error("handler panic, nak for redelivery", zap.Any("recover", r))
				_ = msg.Nak()
			}
		}()
		deliver(ctx, e)
		_ = msg.Ack()
	}()
}

// ConsumerTelemetry is the per-consumer snapshot Flow-Balance consumes
// (spec §4.7 "Inputs per consumer").
type ConsumerTelemetry struct {
	Name            string
	DeliveredSeq    uint64
	AckFloorSeq     uint64
	NumPending      uint64
	NumRedelivered  uint64
	CreatedUnixSecs int64
}

// ConsumerInfo reads a durable consumer's current telemetry (spec §6,
// "consumers.list / consumer.info").
func (c *Client) ConsumerInfo(stream, durable string) (ConsumerTelemetry, error) {
	info, err := c.JS.ConsumerInfo(stream, durable)
	if err != nil {
		return ConsumerTelemetry{}, fmt.Errorf("transport: consumer info: %w", err)
	}
	return ConsumerTelemetry{
		Name:            durable,
		DeliveredSeq:    info.Delivered.Consumer,
		AckFloorSeq:     info.AckFloor.Consumer,
		NumPending:      info.NumPending,
		NumRedelivered:  uint64(info.NumRedelivered),
		CreatedUnixSecs: info.Created.Unix(),
	}, nil
}

// ListConsumers enumerates every durable consumer on stream.
func (c *Client) ListConsumers(stream string) ([]string, error) {
	var names []string
	for name := range c.JS.ConsumerNames(stream) {
		names = append(names, name)
	}
	return names, nil
}

// Get implements state.Persister.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.KV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: kv get: %w", err)
	}
	return entry.Value(), nil
}

// Put implements state.Persister.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.KV.Put(key, value)
	if err != nil {
		return fmt.Errorf("transport: kv put: %w", err)
	}
	return nil
}

// KVDelete removes key from the bucket.
func (c *Client) KVDelete(ctx context.Context, key string) error {
	if err := c.KV.Delete(key); err != nil {
		return fmt.Errorf("transport: kv delete: %w", err)
	}
	return nil
}

// KVKeys lists every key currently in the bucket.
func (c *Client) KVKeys(ctx context.Context) ([]string, error) {
	keys, err := c.KV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: kv keys: %w", err)
	}
	return keys, nil
}
