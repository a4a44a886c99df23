// Package kafkaconsumer feeds key access events from a Kafka consumer group
// into the write queue.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
	mylog "github.com/mohammed-shakir/hotkey-tracker/internal/logger"
	"github.com/mohammed-shakir/hotkey-tracker/internal/writequeue"
)

// Pusher accepts observe commands.
type Pusher interface {
	Push(cmd writequeue.Command)
}

type Consumer struct {
	cfg       Config
	log       *slog.Logger
	queue     Pusher
	dedupe    *deliveryDedupe
	keySample float64

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, logger *slog.Logger, q Pusher) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:       cfg,
		log:       logger,
		queue:     q,
		dedupe:    newDeliveryDedupe(cfg.DedupeSize),
		keySample: 0.01,
		assign:    map[int32]struct{}{},
	}
}

// Start joins the consumer group and consumes in the background until ctx
// is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.queue == nil {
		return errors.New("kafkaconsumer: missing write queue")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(mylog.WithComponent(ctx, "kafka_ingest"))
	c.cancel = cancel

	h := c.handler()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.log.ErrorContext(ctx, "kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.log.Error("kafka group error", "err", err)
		}
	}()

	c.log.Info("kafka ingest consumer started",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("kafka ingest consumer stopped")
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(true)
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.ProcessOne,
	}
}

// Readiness reports whether the group currently holds partitions.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// ProcessOne pushes an observe command for msg. Undecodable, keyless and
// redelivered messages are counted and skipped so they never stall the
// partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncIngest("decode_error")
		c.log.WarnContext(ctx, "skipping undecodable ingest message",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncIngest("invalid")
		c.log.DebugContext(ctx, "skipping invalid ingest event",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if !c.dedupe.firstSeen(deliveryID(ev, msg)) {
		obs.IncIngest("duplicate")
		return nil
	}

	c.queue.Push(writequeue.Observe(ev.Key, ev.Origin, ev.Port))
	obs.IncIngest("ok")
	if mylog.ShouldSample(c.keySample, ev.Key) {
		c.log.DebugContext(ctx, "ingested key",
			"key_hash", mylog.KeyHash(ev.Key), "partition", msg.Partition, "offset", msg.Offset)
	}
	return nil
}
