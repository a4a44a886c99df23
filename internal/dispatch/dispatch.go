// Package dispatch maps textual command targets and their comma-delimited
// payloads onto ranking store reads, write queue commands, snapshot
// operations and process lifecycle callbacks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
	"github.com/mohammed-shakir/hotkey-tracker/internal/logger"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
	"github.com/mohammed-shakir/hotkey-tracker/internal/writequeue"
)

const PayloadDelimiter = ","

var (
	ErrUnknownTarget   = errors.New("dispatch: unknown target")
	ErrInvalidArgument = errors.New("dispatch: invalid argument")
	ErrUnavailable     = errors.New("dispatch: operation not available")
)

// Store is the read and administrative surface of the ranking store.
type Store interface {
	IsHot(key string) bool
	TopKeys() []model.KeyFrequency
	TotalKeyCount() int
	Sizes() model.Sizes
	KeysWithPrefix(prefix string, limit int) []model.KeyRecord
	Purge(target int)
	Reset()
}

type Queue interface {
	Push(cmd writequeue.Command)
	Len() int
}

type Snapshotter interface {
	RunBackupCycle() error
	Restore() error
}

// Stats is the reply of the "stats" target.
type Stats struct {
	model.Sizes
	QueueDepth int `json:"queue_depth"`
}

// Clock is the reply of the "time" target.
type Clock struct {
	UTC   string `json:"utc"`
	Epoch int64  `json:"epoch"`
}

type Option func(*Dispatcher)

func WithSnapshotter(s Snapshotter) Option { return func(d *Dispatcher) { d.snap = s } }

// WithLifecycle installs the callbacks behind "shutdown" and "restart".
// They must not block.
func WithLifecycle(shutdown, restart func()) Option {
	return func(d *Dispatcher) {
		d.onShutdown = shutdown
		d.onRestart = restart
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithKeyLogSample sets the fraction of keys whose reports are logged.
func WithKeyLogSample(sample float64) Option { return func(d *Dispatcher) { d.keySample = sample } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

type handlerFunc func(ctx context.Context, payload string) (any, error)

type Dispatcher struct {
	store Store
	queue Queue
	snap  Snapshotter

	onShutdown func()
	onRestart  func()

	keySample float64
	now       func() time.Time
	log       *slog.Logger

	handlers map[string]handlerFunc
}

func New(store Store, queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		queue:     queue,
		keySample: 0.01,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.handlers = map[string]handlerFunc{
		"keySent":              d.keySent,
		"isHotKey":             d.isHotKey,
		"getTopHotKeys":        d.topHotKeys,
		"totalKeys":            d.totalKeys,
		"keysWithPrefix":       d.keysWithPrefix,
		"setTopHotKeys":        d.setReportSize,
		"setKeyReportBaseSize": d.setReportSize,
		"restore":              d.restore,
		"backup":               d.backup,
		"purge":                d.purge,
		"reset":                d.reset,
		"stats":                d.stats,
		"time":                 d.clock,
		"shutdown":             d.shutdown,
		"restart":              d.restart,
	}
	return d
}

// Targets lists the recognized target names in sorted order.
func (d *Dispatcher) Targets() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle runs target with payload. The result is JSON-encodable.
func (d *Dispatcher) Handle(ctx context.Context, target, payload string) (any, error) {
	h, ok := d.handlers[target]
	if !ok {
		d.log.InfoContext(ctx, "requested target not recognized", "target", target)
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return h(logger.WithTarget(ctx, target), payload)
}

// ParseKeySent splits "key[,origin[,port]]". The key ends at the first
// delimiter and the port follows the last one, so the origin may contain
// delimiters. A port that is not a valid uint32 becomes 0.
func ParseKeySent(payload string) (key, origin string, port uint32) {
	key, rest, ok := strings.Cut(payload, PayloadDelimiter)
	if !ok {
		return key, "", 0
	}
	i := strings.LastIndex(rest, PayloadDelimiter)
	if i < 0 {
		return key, rest, 0
	}
	origin = rest[:i]
	if p, err := strconv.ParseUint(strings.TrimSpace(rest[i+1:]), 10, 32); err == nil {
		port = uint32(p)
	}
	return key, origin, port
}

func (d *Dispatcher) keySent(ctx context.Context, payload string) (any, error) {
	key, origin, port := ParseKeySent(payload)
	if err := ranking.ValidKey(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := ranking.ValidOrigin(origin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	d.queue.Push(writequeue.Observe(key, origin, port))
	if logger.ShouldSample(d.keySample, key) {
		d.log.DebugContext(ctx, "key reported", "key_hash", logger.KeyHash(key), "port", port)
	}
	return "reported key sent : " + key, nil
}

func (d *Dispatcher) isHotKey(_ context.Context, payload string) (any, error) {
	if d.store.IsHot(payload) {
		return "YES", nil
	}
	return "NO", nil
}

func (d *Dispatcher) topHotKeys(context.Context, string) (any, error) {
	return d.store.TopKeys(), nil
}

func (d *Dispatcher) totalKeys(context.Context, string) (any, error) {
	return d.store.TotalKeyCount(), nil
}

// keysWithPrefix answers "prefix[,limit]" with the matching key records in
// key order. The prefix itself may not contain the delimiter.
func (d *Dispatcher) keysWithPrefix(_ context.Context, payload string) (any, error) {
	prefix, rawLimit, _ := strings.Cut(payload, PayloadDelimiter)
	limit := 0
	if l := strings.TrimSpace(rawLimit); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: limit %q", ErrInvalidArgument, rawLimit)
		}
		limit = v
	}
	recs := d.store.KeysWithPrefix(prefix, limit)
	if recs == nil {
		recs = []model.KeyRecord{}
	}
	return recs, nil
}

func (d *Dispatcher) setReportSize(ctx context.Context, payload string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %q", ErrInvalidArgument, payload)
	case n <= 0:
		return nil, fmt.Errorf("%w: report size must be greater than zero: %d", ErrInvalidArgument, n)
	case n > math.MaxUint16:
		return nil, fmt.Errorf("%w: report size out of range: %d", ErrInvalidArgument, n)
	}
	d.queue.Push(writequeue.ResizeReport(uint16(n)))
	d.log.InfoContext(ctx, "report size change queued", "size", n)
	return fmt.Sprintf("Top key report size change to %d requested (capped at the window size)", n), nil
}

func (d *Dispatcher) restore(ctx context.Context, _ string) (any, error) {
	if d.snap == nil {
		return nil, ErrUnavailable
	}
	if err := d.snap.Restore(); err != nil {
		return nil, err
	}
	d.log.InfoContext(ctx, "restore requested and completed")
	return "Restored OK.", nil
}

func (d *Dispatcher) backup(ctx context.Context, _ string) (any, error) {
	if d.snap == nil {
		return nil, ErrUnavailable
	}
	if err := d.snap.RunBackupCycle(); err != nil {
		return nil, err
	}
	d.log.InfoContext(ctx, "backup requested and completed")
	return "Backup OK.", nil
}

// purge keeps the top n ranked keys; an empty payload keeps the report size.
func (d *Dispatcher) purge(ctx context.Context, payload string) (any, error) {
	n := 0
	if p := strings.TrimSpace(payload); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidArgument, payload)
		}
		n = v
	}
	d.store.Purge(n)
	sz := d.store.Sizes()
	d.log.InfoContext(ctx, "purge completed", "requested", n, "total_keys", sz.TotalKeys)
	return sz, nil
}

func (d *Dispatcher) reset(ctx context.Context, _ string) (any, error) {
	d.store.Reset()
	d.log.WarnContext(ctx, "ranking store reset")
	return "Reset OK.", nil
}

func (d *Dispatcher) stats(context.Context, string) (any, error) {
	return Stats{Sizes: d.store.Sizes(), QueueDepth: d.queue.Len()}, nil
}

func (d *Dispatcher) clock(context.Context, string) (any, error) {
	now := d.now().UTC()
	return Clock{UTC: now.Format(time.DateTime), Epoch: now.Unix()}, nil
}

func (d *Dispatcher) shutdown(ctx context.Context, _ string) (any, error) {
	if d.onShutdown == nil {
		return nil, ErrUnavailable
	}
	d.log.InfoContext(ctx, "shutdown in progress")
	d.onShutdown()
	return "Shutdown in progress.", nil
}

func (d *Dispatcher) restart(ctx context.Context, _ string) (any, error) {
	if d.onRestart == nil {
		return nil, ErrUnavailable
	}
	d.log.InfoContext(ctx, "restart in progress")
	d.onRestart()
	return "Restart in progress.", nil
}
