package dispatch

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
	"github.com/mohammed-shakir/hotkey-tracker/internal/writequeue"
)

type fakeSnap struct {
	backups, restores int
	err               error
}

func (f *fakeSnap) RunBackupCycle() error { f.backups++; return f.err }
func (f *fakeSnap) Restore() error        { f.restores++; return f.err }

func newRig(t *testing.T, opts ...Option) (*Dispatcher, *ranking.Store, *writequeue.Queue) {
	t.Helper()
	store := ranking.New(2, 6)
	q := writequeue.New(nil)
	if err := q.Start(store); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(q.Stop)
	return New(store, q, opts...), store, q
}

func TestParseKeySent(t *testing.T) {
	cases := []struct {
		in     string
		key    string
		origin string
		port   uint32
	}{
		{in: "k", key: "k"},
		{in: "k,http://o", key: "k", origin: "http://o"},
		{in: "k,http://o,8080", key: "k", origin: "http://o", port: 8080},
		{in: "k,o,notaport", key: "k", origin: "o"},
		{in: "k,o,99999999999", key: "k", origin: "o"},
		{in: "k,o,80,extra", key: "k", origin: "o,80"},
		{in: "k,http://o/?a=1,b=2,8080", key: "k", origin: "http://o/?a=1,b=2", port: 8080},
	}
	for _, tc := range cases {
		key, origin, port := ParseKeySent(tc.in)
		if key != tc.key || origin != tc.origin || port != tc.port {
			t.Fatalf("ParseKeySent(%q)=%q,%q,%d want %q,%q,%d", tc.in, key, origin, port, tc.key, tc.origin, tc.port)
		}
	}
}

func TestKeySent_ThenReads(t *testing.T) {
	d, store, q := newRig(t)
	ctx := t.Context()

	for range 3 {
		if _, err := d.Handle(ctx, "keySent", "a,a.example,80"); err != nil {
			t.Fatalf("keySent: %v", err)
		}
	}
	if _, err := d.Handle(ctx, "keySent", "b"); err != nil {
		t.Fatalf("keySent: %v", err)
	}
	q.Flush()

	got, _ := d.Handle(ctx, "isHotKey", "a")
	if got != "YES" {
		t.Fatalf("isHotKey(a)=%v want YES", got)
	}
	got, _ = d.Handle(ctx, "isHotKey", "zzz")
	if got != "NO" {
		t.Fatalf("isHotKey(zzz)=%v want NO", got)
	}
	got, _ = d.Handle(ctx, "totalKeys", "")
	if got != 2 {
		t.Fatalf("totalKeys=%v want 2", got)
	}
	top, _ := d.Handle(ctx, "getTopHotKeys", "")
	kf, ok := top.([]model.KeyFrequency)
	if !ok || len(kf) != 2 || kf[0] != (model.KeyFrequency{Key: "a", Frequency: 3}) {
		t.Fatalf("getTopHotKeys=%v", top)
	}
	if rec, _ := store.Lookup("a"); rec.Origin != "a.example" || rec.Port != 80 {
		t.Fatalf("record=%+v", rec)
	}
}

func TestKeySent_EmptyKeyRejected(t *testing.T) {
	d, _, _ := newRig(t)
	if _, err := d.Handle(t.Context(), "keySent", ",origin,80"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
}

func TestKeySent_UnsnapshottableInputRejected(t *testing.T) {
	d, store, q := newRig(t)
	for _, payload := range []string{"a\nb", "a\rb,o,80", "k,o\nx,80"} {
		if _, err := d.Handle(t.Context(), "keySent", payload); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("payload %q: err=%v want ErrInvalidArgument", payload, err)
		}
	}
	// the origin may carry separators; only the last field is the port
	if _, err := d.Handle(t.Context(), "keySent", "k,http://o/?a=1,b=2,8080"); err != nil {
		t.Fatalf("keySent: %v", err)
	}
	q.Flush()
	if got := store.TotalKeyCount(); got != 1 {
		t.Fatalf("total=%d want 1", got)
	}
	if rec, _ := store.Lookup("k"); rec.Origin != "http://o/?a=1,b=2" || rec.Port != 8080 {
		t.Fatalf("record=%+v", rec)
	}
}

func TestSetReportSize(t *testing.T) {
	d, store, q := newRig(t)
	ctx := t.Context()

	for _, bad := range []string{"", "abc", "0", "-3", "70000"} {
		if _, err := d.Handle(ctx, "setTopHotKeys", bad); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("payload %q: err=%v want ErrInvalidArgument", bad, err)
		}
	}
	if _, err := d.Handle(ctx, "setKeyReportBaseSize", "4"); err != nil {
		t.Fatalf("setKeyReportBaseSize: %v", err)
	}
	q.Flush()
	if got := store.ReportSize(); got != 4 {
		t.Fatalf("report size=%d want 4", got)
	}

	reply, err := d.Handle(ctx, "setTopHotKeys", "100")
	if err != nil {
		t.Fatalf("setTopHotKeys: %v", err)
	}
	if msg := reply.(string); !strings.Contains(msg, "requested") || strings.Contains(msg, "is now") {
		t.Fatalf("reply=%q should describe a queued, capped change", msg)
	}
	q.Flush()
	if got := store.ReportSize(); got != store.WindowSize() {
		t.Fatalf("report size=%d want clamped to %d", got, store.WindowSize())
	}
}

func TestUnknownTarget(t *testing.T) {
	d, _, _ := newRig(t)
	if _, err := d.Handle(t.Context(), "nope", ""); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err=%v want ErrUnknownTarget", err)
	}
}

func TestSnapshotTargets(t *testing.T) {
	d, _, _ := newRig(t)
	if _, err := d.Handle(t.Context(), "restore", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable without snapshotter", err)
	}

	snap := &fakeSnap{}
	d, _, _ = newRig(t, WithSnapshotter(snap))
	if _, err := d.Handle(t.Context(), "backup", ""); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := d.Handle(t.Context(), "restore", ""); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if snap.backups != 1 || snap.restores != 1 {
		t.Fatalf("backups=%d restores=%d", snap.backups, snap.restores)
	}

	snap.err = errors.New("io")
	if _, err := d.Handle(t.Context(), "restore", ""); !errors.Is(err, snap.err) {
		t.Fatalf("err=%v want io", err)
	}
}

func TestPurgeResetStats(t *testing.T) {
	d, store, _ := newRig(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		store.Observe(k, "", 0)
	}

	if _, err := d.Handle(t.Context(), "purge", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
	if _, err := d.Handle(t.Context(), "purge", "3"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got := store.TotalKeyCount(); got != 3 {
		t.Fatalf("total after purge=%d want 3", got)
	}

	st, _ := d.Handle(t.Context(), "stats", "")
	if s, ok := st.(Stats); !ok || s.TotalKeys != 3 || s.WindowSize != 6 {
		t.Fatalf("stats=%+v", st)
	}

	if _, err := d.Handle(t.Context(), "reset", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if store.TotalKeyCount() != 0 {
		t.Fatalf("reset left keys behind")
	}
}

func TestTimeAndLifecycle(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	var shutdowns, restarts atomic.Int32
	d, _, _ := newRig(t,
		WithClock(func() time.Time { return fixed }),
		WithLifecycle(func() { shutdowns.Add(1) }, func() { restarts.Add(1) }),
	)

	got, _ := d.Handle(t.Context(), "time", "")
	if c, ok := got.(Clock); !ok || c.UTC != "2024-03-01 12:30:00" || c.Epoch != fixed.Unix() {
		t.Fatalf("time=%+v", got)
	}

	if _, err := d.Handle(t.Context(), "shutdown", ""); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := d.Handle(t.Context(), "restart", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if shutdowns.Load() != 1 || restarts.Load() != 1 {
		t.Fatalf("callbacks shutdown=%d restart=%d", shutdowns.Load(), restarts.Load())
	}
}

func TestTargets_Sorted(t *testing.T) {
	d, _, _ := newRig(t)
	ts := d.Targets()
	if len(ts) != 15 || ts[0] != "backup" {
		t.Fatalf("targets=%v", ts)
	}
}

func TestKeysWithPrefix(t *testing.T) {
	d, _, q := newRig(t)
	ctx := t.Context()
	for _, k := range []string{"user:1", "user:2", "user:3", "order:1"} {
		if _, err := d.Handle(ctx, "keySent", k+",o,80"); err != nil {
			t.Fatalf("keySent %s: %v", k, err)
		}
	}
	q.Flush()

	got, err := d.Handle(ctx, "keysWithPrefix", "user:")
	if err != nil {
		t.Fatalf("keysWithPrefix: %v", err)
	}
	recs := got.([]model.KeyRecord)
	if len(recs) != 3 || recs[0].Key != "user:1" || recs[2].Key != "user:3" {
		t.Fatalf("got=%+v want user:1..user:3", recs)
	}

	got, _ = d.Handle(ctx, "keysWithPrefix", "user:,2")
	if recs := got.([]model.KeyRecord); len(recs) != 2 {
		t.Fatalf("got=%d want=2 with limit", len(recs))
	}

	got, _ = d.Handle(ctx, "keysWithPrefix", "none:")
	if recs := got.([]model.KeyRecord); recs == nil || len(recs) != 0 {
		t.Fatalf("got=%v want empty non-nil slice", recs)
	}

	if _, err := d.Handle(ctx, "keysWithPrefix", "user:,-1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
}
