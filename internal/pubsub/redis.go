package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"crdt-sync/internal/docid"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

/*
CROSS-INSTANCE FAN-OUT

Every server instance keeps its own websocket rooms. An update applied on
one instance is published on a Redis channel per document so the other
instances can relay it to their local sessions:

  instance A: PushUpdate → Publish("<prefix><doc>", envelope)
  instance B: PSubscribe("<prefix>*") → handler → local broadcast

The update is already persisted when it is published, so receivers only
relay it; they never store it again. Each envelope carries the id of the
instance that sent it and instances ignore their own messages.
*/

// Envelope is the JSON message published for one applied update
type Envelope struct {
	Origin string `json:"origin"`
	DocID  string `json:"doc_id"`
	Update []byte `json:"update"`
}

// Handler receives updates published by other instances
type Handler func(id docid.DocID, update []byte)

// RedisFanout publishes and receives applied updates over Redis pub/sub
type RedisFanout struct {
	client   *redis.Client
	prefix   string
	instance string
}

// NewRedisFanout connects to Redis and checks the connection
func NewRedisFanout(ctx context.Context, addr, prefix string) (*RedisFanout, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}

	log.Printf("✓ Connected to Redis at %s", addr)
	return &RedisFanout{
		client:   client,
		prefix:   prefix,
		instance: ksuid.New().String(),
	}, nil
}

// Instance is the id this instance stamps on its envelopes
func (f *RedisFanout) Instance() string {
	return f.instance
}

func (f *RedisFanout) channel(id docid.DocID) string {
	return f.prefix + id.Full()
}

// Publish sends an applied update to the other instances
func (f *RedisFanout) Publish(ctx context.Context, id docid.DocID, update []byte) error {
	payload, err := encodeEnvelope(f.instance, id, update)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel(id), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish update of %s: %w", id, err)
	}
	return nil
}

// Subscribe relays updates from other instances to handler until ctx is
// done. It blocks.
func (f *RedisFanout) Subscribe(ctx context.Context, handler Handler) error {
	sub := f.client.PSubscribe(ctx, f.prefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s*: %w", f.prefix, err)
	}
	log.Printf("✓ Subscribed to update fan-out on %s*", f.prefix)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			f.dispatch(msg.Channel, msg.Payload, handler)
		}
	}
}

// dispatch hands one received message to handler unless it is malformed or
// was published by this instance
func (f *RedisFanout) dispatch(channel, payload string, handler Handler) {
	env, err := decodeEnvelope([]byte(payload))
	if err != nil {
		log.Printf("⚠️  Dropping fan-out message on %s: %v", channel, err)
		return
	}
	if env.Origin == f.instance {
		return
	}
	id, err := f.channelDocID(channel)
	if err != nil {
		log.Printf("⚠️  Dropping fan-out message on %s: %v", channel, err)
		return
	}
	handler(id, env.Update)
}

// channelDocID recovers the address a channel was named after. The full form
// of a workspace document is the bare workspace name, which only parses with
// itself as the workspace context.
func (f *RedisFanout) channelDocID(channel string) (docid.DocID, error) {
	full := strings.TrimPrefix(channel, f.prefix)
	if !strings.Contains(full, ":") {
		return docid.Parse(full, full)
	}
	return docid.Parse(full, "")
}

// Close releases the Redis connection
func (f *RedisFanout) Close() error {
	return f.client.Close()
}

func encodeEnvelope(origin string, id docid.DocID, update []byte) ([]byte, error) {
	return json.Marshal(Envelope{Origin: origin, DocID: id.Full(), Update: update})
}

func decodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Origin == "" || len(env.Update) == 0 {
		return nil, fmt.Errorf("invalid envelope: missing origin or update")
	}
	return &env, nil
}
