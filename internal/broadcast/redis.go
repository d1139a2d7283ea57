package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/types"
	"github.com/example/doclet/internal/ws"
)

const (
	// SnapshotChannel carries every snapshot a client sends, for persistence.
	SnapshotChannel = "doclet:snapshots"

	defaultTopicPrefix = "doclet:doc:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
	publishTimeout     = 10 * time.Second
)

var errNilBroadcaster = errors.New("nil broadcaster")

// Message is the pub/sub payload exchanged between relay instances.
type Message struct {
	MessageID  string         `json:"message_id"`
	InstanceID string         `json:"instance_id"`
	Envelope   types.Envelope `json:"envelope"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// DecodeMessage parses a pub/sub payload.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.MessageID == "" || msg.Envelope.DocumentID == "" {
		return Message{}, errors.New("incomplete payload")
	}
	return msg, nil
}

// RedisBroadcaster publishes envelopes to Redis and fans them back out to
// local websocket clients across instances.
type RedisBroadcaster struct {
	client     *redis.Client
	registry   *ws.ConnectionRegistry
	logger     zerolog.Logger
	instanceID string

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
// Messages published by instanceID are ignored on receipt since they were
// already delivered locally.
func NewRedisBroadcaster(client *redis.Client, registry *ws.ConnectionRegistry, instanceID string, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between enqueue and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"type"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisBroadcaster{
		client:      client,
		registry:    registry,
		logger:      logger,
		instanceID:  instanceID,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Publish sends env to the document topic so other instances relay it.
func (b *RedisBroadcaster) Publish(ctx context.Context, env types.Envelope) error {
	if b == nil {
		return errNilBroadcaster
	}
	return b.publish(ctx, b.topic(env.DocumentID), env)
}

// PublishSnapshot hands a snapshot envelope to the persistence channel.
func (b *RedisBroadcaster) PublishSnapshot(ctx context.Context, env types.Envelope) error {
	return b.publish(ctx, SnapshotChannel, env)
}

func (b *RedisBroadcaster) publish(ctx context.Context, topic string, env types.Envelope) error {
	if b == nil || b.client == nil {
		return errNilBroadcaster
	}

	encoded, err := json.Marshal(Message{
		MessageID:  ulid.Make().String(),
		InstanceID: b.instanceID,
		Envelope:   env,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(publishTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", next).Msg("redis publish failed; retrying")
		}),
	)
	return err
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	bo := newBackOff()
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub, bo); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub, bo *backoff.ExponentialBackOff) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			bo.Reset()
			if err := b.process([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(payload []byte) error {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	if msg.InstanceID == b.instanceID {
		return nil
	}
	if b.isDuplicate(msg.MessageID) {
		return nil
	}

	var latencySeconds float64
	if msg.EnqueuedAt > 0 {
		latencySeconds = time.Since(time.Unix(0, msg.EnqueuedAt)).Seconds()
	}
	b.latency.WithLabelValues(string(msg.Envelope.Type)).Observe(latencySeconds)

	b.registry.BroadcastEnvelope(msg.Envelope)
	return nil
}

func (b *RedisBroadcaster) topic(docID types.DocumentID) string {
	return b.topicPrefix + string(docID)
}

func (b *RedisBroadcaster) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[id]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[id] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxBackoffDelay
	return bo
}
