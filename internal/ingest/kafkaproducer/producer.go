// Package kafkaproducer publishes key access events to the ingest topic.
package kafkaproducer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/hotkey-tracker/internal/ingest/kafkaconsumer"
)

type Publisher struct {
	topic   string
	events  chan kafkaconsumer.Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errWG   sync.WaitGroup

	closeOnce sync.Once
	dropped   atomic.Int64
	failed    atomic.Int64
}

// New creates an async producer on brokers. queueSize bounds the number of
// events waiting to be encoded; Publish drops when it is full.
func New(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkaproducer: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer. The publisher owns it and
// closes it in Close.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan kafkaconsumer.Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("kafkaproducer: marshal error", "err", err)
				continue
			}
			// keyed so all reports of one key land on one partition
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Key),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	p.errWG.Add(1)
	go func() {
		defer p.errWG.Done()
		for err := range p.prod.Errors() {
			if err != nil {
				p.failed.Add(1)
				p.log.Warn("kafkaproducer: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking. It reports false when the event was
// dropped because the buffer is full.
func (p *Publisher) Publish(ev kafkaconsumer.Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped counts events rejected by a full buffer.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Failed counts delivery errors reported by the producer.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// Close flushes buffered events and closes the producer. Publish must not be
// called concurrently with or after Close.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("kafkaproducer: close producer: %w", cerr)
		}
		p.errWG.Wait()
	})
	return err
}
