// Package broker connects the engine to Redis Streams: one producer
// connection, one ordered stream per topic, and named consumer groups with
// at-least-once delivery.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/event"
	"manufacturing-priority-engine/internal/telemetry"
)

var (
	// ErrUnavailable means the broker could not be reached within the
	// connection retry budget, or the client is already closed.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrConsumerExists means a consumer group with the same id is already
	// running on this client.
	ErrConsumerExists = errors.New("consumer group already started")
)

// Message is one consumed stream entry.
type Message struct {
	Topic string
	Key   string
	ID    string
	Value []byte
}

// Handler processes one message. Errors trigger bounded retries and then
// dead-lettering; the consumer loop itself never stops on a handler error.
type Handler func(ctx context.Context, msg Message) error

// Archiver persists dead-lettered messages out of band. Optional.
type Archiver interface {
	Archive(ctx context.Context, msg Message, cause string) error
}

type consumerGroup struct {
	id     string
	topics []string
	cancel context.CancelFunc
}

// Client owns the producer connection and all consumer groups of this
// process.
type Client struct {
	cfg      config.Config
	log      *slog.Logger
	rdb      *redis.Client
	archiver Archiver

	mu        sync.Mutex
	consumers map[string]*consumerGroup
	closed    bool
	wg        sync.WaitGroup
}

// New builds a broker client. Connect must succeed before the service starts
// consuming.
func New(cfg config.Config, log *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		consumers: make(map[string]*consumerGroup),
	}
}

// SetArchiver attaches an out-of-band sink for dead-lettered messages.
func (c *Client) SetArchiver(a Archiver) {
	c.archiver = a
}

// Connect pings the broker, retrying with doubling backoff until the budget
// is exhausted. Startup must not proceed on ErrUnavailable.
func (c *Client) Connect(ctx context.Context) error {
	backoff := c.cfg.ConnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		if err := c.rdb.Ping(ctx).Err(); err == nil {
			c.log.Info("broker connected", slog.String("addr", c.cfg.RedisAddr))
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ConnectBackoffMax {
			backoff = c.cfg.ConnectBackoffMax
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, c.cfg.ConnectAttempts, lastErr)
}

// Publish stamps the envelope (timestamp, version), derives the partition
// key, and appends to the topic stream. The stream is totally ordered, so
// same-key events cannot reorder.
func (c *Client) Publish(ctx context.Context, topic string, evt map[string]any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrUnavailable
	}

	payload, err := event.Encode(evt, time.Now())
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	key := event.PartitionKey(evt)

	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"key": key, "data": string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	telemetry.EventsPublished.Inc()
	c.log.Info("event published",
		slog.String("topic", topic),
		slog.String("key", key))
	return nil
}

// StartConsumer creates the named group on every topic (new messages only)
// and runs an independent message loop until the context is cancelled or the
// client closes. A duplicate group id is rejected. On startup the loop first
// reclaims entries left pending by a previous incarnation, so a crash between
// delivery and ack does not lose the message.
func (c *Client) StartConsumer(ctx context.Context, groupID string, topics []string, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrUnavailable
	}
	if _, dup := c.consumers[groupID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConsumerExists, groupID)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		err := c.rdb.XGroupCreateMkStream(ctx, topic, groupID, "$").Err()
		if err != nil && !isBusyGroup(err) {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return ErrUnavailable
			}
			return fmt.Errorf("create group %s on %s: %w", groupID, topic, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrUnavailable
	}
	if _, dup := c.consumers[groupID]; dup {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrConsumerExists, groupID)
	}
	c.consumers[groupID] = &consumerGroup{id: groupID, topics: topics, cancel: cancel}
	// Registered under the same lock Close takes, so the shutdown wait
	// always sees this loop.
	c.wg.Add(1)
	c.mu.Unlock()
	telemetry.ConsumerGroups.Inc()

	consumerName := groupID + "-" + consumerID()
	go func() {
		defer c.wg.Done()
		defer telemetry.ConsumerGroups.Dec()
		c.consumeLoop(loopCtx, groupID, consumerName, topics, handler)
	}()

	c.log.Info("consumer started",
		slog.String("group", groupID),
		slog.Any("topics", topics))
	return nil
}

// consumerID is stable across restarts of the same node so a restarted
// process can pick up its own pending entries.
func consumerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()[:8]
}

// Close is idempotent: it stops every consumer loop, waits for in-flight
// handlers up to the shutdown timeout (force-proceeding on expiry), then
// closes the connection. Safe to call on a half-initialized client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, g := range c.consumers {
		g.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		c.log.Warn("shutdown timeout expired, force-closing broker")
	case <-ctx.Done():
	}

	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	c.log.Info("broker disconnected")
	return nil
}

func (c *Client) consumeLoop(ctx context.Context, groupID, consumerName string, topics []string, handler Handler) {
	c.reclaimPending(ctx, groupID, consumerName, topics, handler)

	streams := make([]string, 0, 2*len(topics))
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupID,
			Consumer: consumerName,
			Streams:  streams,
			Count:    c.cfg.ConsumerBatchSize,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) || (err == nil && len(res) == 0) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ConsumerPollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("consumer read failed",
				slog.String("group", groupID),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ConsumerPollInterval):
			}
			continue
		}

		empty := true
		for _, stream := range res {
			for _, entry := range stream.Messages {
				empty = false
				c.process(ctx, groupID, stream.Stream, entry, handler)
			}
		}
		if empty {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ConsumerPollInterval):
			}
		}
	}
}

// reclaimPending claims entries that were delivered but never acked — by a
// crashed consumer or by a force-closed in-flight handler — and runs them
// through the normal processing path. Only entries idle past the configured
// threshold are taken, so live consumers keep their in-flight work.
func (c *Client) reclaimPending(ctx context.Context, groupID, consumerName string, topics []string, handler Handler) {
	for _, topic := range topics {
		start := "0-0"
		for {
			if ctx.Err() != nil {
				return
			}
			entries, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   topic,
				Group:    groupID,
				Consumer: consumerName,
				MinIdle:  c.cfg.PendingReclaimMinIdle,
				Start:    start,
				Count:    c.cfg.ConsumerBatchSize,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error("pending reclaim failed",
					slog.String("group", groupID),
					slog.String("topic", topic),
					slog.String("error", err.Error()))
				break
			}
			for _, entry := range entries {
				c.process(ctx, groupID, topic, entry, handler)
			}
			if next == "0-0" || len(entries) == 0 {
				break
			}
			start = next
		}
	}
}

// process invokes the handler with bounded retries. Exhausted messages go to
// the dead-letter topic; the message is always acked so one bad event cannot
// wedge the group.
func (c *Client) process(ctx context.Context, groupID, topic string, entry redis.XMessage, handler Handler) {
	raw, _ := entry.Values["data"].(string)
	key, _ := entry.Values["key"].(string)
	msg := Message{Topic: topic, Key: key, ID: entry.ID, Value: []byte(raw)}

	telemetry.EventsConsumed.Inc()
	telemetry.InFlightHandlers.Inc()
	defer telemetry.InFlightHandlers.Dec()

	var err error
	for attempt := 1; attempt <= c.cfg.HandlerMaxAttempts; attempt++ {
		err = c.invoke(ctx, handler, msg)
		if err == nil {
			break
		}
		telemetry.HandlerFailures.Inc()
		c.log.Error("handler failed",
			slog.String("group", groupID),
			slog.String("topic", topic),
			slog.String("message_id", entry.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < c.cfg.HandlerMaxAttempts {
			telemetry.HandlerRetries.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.HandlerRetryDelay):
			}
		}
	}
	if err != nil {
		c.deadLetter(ctx, msg, err)
	}

	if ackErr := c.rdb.XAck(ctx, topic, groupID, entry.ID).Err(); ackErr != nil && ctx.Err() == nil {
		c.log.Error("ack failed",
			slog.String("group", groupID),
			slog.String("message_id", entry.ID),
			slog.String("error", ackErr.Error()))
	}
}

// invoke shields the loop from handler panics.
func (c *Client) invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (c *Client) deadLetter(ctx context.Context, msg Message, cause error) {
	telemetry.DeadLettered.Inc()
	addErr := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DeadLetterTopic,
		Values: map[string]any{
			"key":    msg.Key,
			"data":   string(msg.Value),
			"source": msg.Topic,
			"error":  cause.Error(),
		},
	}).Err()
	if addErr != nil {
		c.log.Error("dead-letter publish failed",
			slog.String("topic", msg.Topic),
			slog.String("message_id", msg.ID),
			slog.String("error", addErr.Error()))
	}
	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, msg, cause.Error()); err != nil {
			c.log.Error("dead-letter archive failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
	c.log.Warn("message dead-lettered",
		slog.String("topic", msg.Topic),
		slog.String("message_id", msg.ID),
		slog.String("cause", cause.Error()))
}

// DeadLetterPeek reads the newest dead-lettered entries for inspection.
func (c *Client) DeadLetterPeek(ctx context.Context, count int64) ([]Message, error) {
	entries, err := c.rdb.XRevRangeN(ctx, c.cfg.DeadLetterTopic, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Values["data"].(string)
		key, _ := e.Values["key"].(string)
		source, _ := e.Values["source"].(string)
		out = append(out, Message{Topic: source, Key: key, ID: e.ID, Value: []byte(raw)})
	}
	return out, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
