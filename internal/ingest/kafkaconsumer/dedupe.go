package kafkaconsumer

import (
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// deliveryDedupe remembers recently applied deliveries so a redelivered
// message is not counted twice.
type deliveryDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[uint64, struct{}]
}

func newDeliveryDedupe(size int) *deliveryDedupe {
	if size <= 0 {
		size = 8192
	}
	c, _ := lru.New[uint64, struct{}](size)
	return &deliveryDedupe{lru: c}
}

// firstSeen records the delivery and reports whether it was new.
func (d *deliveryDedupe) firstSeen(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(id) {
		return false
	}
	d.lru.Add(id, struct{}{})
	return true
}

// deliveryID hashes the event id, or the message coordinates when the
// producer did not set one.
func deliveryID(ev Event, msg *sarama.ConsumerMessage) uint64 {
	if ev.ID != "" {
		return xxhash.Sum64String("id:" + ev.ID)
	}
	h := xxhash.New()
	_, _ = h.WriteString(msg.Topic)
	_, _ = h.WriteString("/" + strconv.FormatInt(int64(msg.Partition), 10))
	_, _ = h.WriteString("/" + strconv.FormatInt(msg.Offset, 10))
	return h.Sum64()
}
