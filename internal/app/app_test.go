package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/config"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/router"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Ranking.ReportSize = 2
	cfg.Ranking.WindowSize = 6
	cfg.Snapshot.Dir = t.TempDir()
	return cfg
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type running struct {
	app  *App
	srv  *httptest.Server
	code chan int
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	a, err := New(t.Context(), cfg, quietLog(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &running{app: a, srv: httptest.NewServer(a.Handler()), code: make(chan int, 1)}
	t.Cleanup(r.srv.Close)

	go func() {
		code, err := a.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		r.code <- code
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !a.queue.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("write queue never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return r
}

func (r *running) call(t *testing.T, target, payload string) router.Reply {
	t.Helper()
	resp, err := r.srv.Client().Post(r.srv.URL+"/"+target, "text/plain", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var rep router.Reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", target, err)
	}
	return rep
}

func (r *running) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-r.code:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
		return -1
	}
}

func TestShutdownTarget_WritesFinalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)

	for range 3 {
		r.call(t, "keySent", "hot,http://o,80")
	}
	r.call(t, "keySent", "warm")
	if rep := r.call(t, "shutdown", ""); !rep.OK {
		t.Fatalf("shutdown reply=%+v", rep)
	}
	if code := r.wait(t); code != 0 {
		t.Fatalf("exit code=%d want 0", code)
	}

	b, err := os.ReadFile(filepath.Join(cfg.Snapshot.Dir, "frequencies.csv"))
	if err != nil {
		t.Fatalf("final snapshot: %v", err)
	}
	if string(b) != "1,warm\n3,hot\n" {
		t.Fatalf("rank file=%q", b)
	}
}

func TestRestartTarget_ExitCode(t *testing.T) {
	r := start(t, testConfig(t))
	if rep := r.call(t, "restart", ""); !rep.OK {
		t.Fatalf("restart reply=%+v", rep)
	}
	if code := r.wait(t); code != ExitRestart {
		t.Fatalf("exit code=%d want %d", code, ExitRestart)
	}
}

func TestRestoreOnStart(t *testing.T) {
	cfg := testConfig(t)
	seed := ranking.New(2, 6)
	seed.Observe("a", "", 0)
	seed.Observe("b", "", 0)
	seed.Observe("b", "", 0)
	if err := seed.Dump(
		filepath.Join(cfg.Snapshot.Dir, "keys.csv"),
		filepath.Join(cfg.Snapshot.Dir, "frequencies.csv"),
	); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	cfg.Snapshot.RestoreOnStart = true
	r := start(t, cfg)
	if rep := r.call(t, "totalKeys", ""); rep.Result != float64(2) {
		t.Fatalf("totalKeys=%v want 2", rep.Result)
	}
	if rep := r.call(t, "isHotKey", "b"); rep.Result != "YES" {
		t.Fatalf("isHotKey(b)=%v", rep.Result)
	}
	r.app.Shutdown()
	r.wait(t)
}

func TestRestoreOnStart_MissingFilesStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshot.RestoreOnStart = true
	r := start(t, cfg)
	rep := r.call(t, "stats", "")
	st, ok := rep.Result.(map[string]any)
	if !ok || st["total_keys"] != float64(0) || st["window_size"] != float64(6) {
		t.Fatalf("stats=%v", rep.Result)
	}
	r.app.Shutdown()
	r.wait(t)
}

func TestReadyz_ReportsWriteQueue(t *testing.T) {
	r := start(t, testConfig(t))
	resp, err := r.srv.Client().Get(r.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d want 200", resp.StatusCode)
	}
	r.app.Shutdown()
	r.wait(t)
}

func TestRedisPublisher_Wired(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Interval = 10 * time.Millisecond

	r := start(t, cfg)
	r.call(t, "keySent", "k")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if score, err := mr.ZScore(cfg.Redis.Key, "k"); err == nil && score == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report never reached redis")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.app.Shutdown()
	r.wait(t)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"
	if _, err := New(t.Context(), cfg, quietLog(), "test"); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}

func TestRun_ReturnsWhileRedisFails(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Interval = 5 * time.Millisecond

	r := start(t, cfg)
	r.call(t, "keySent", "k")
	mr.SetError("ERR boom")
	time.Sleep(50 * time.Millisecond)

	if rep := r.call(t, "shutdown", ""); !rep.OK {
		t.Fatalf("shutdown reply=%+v", rep)
	}
	if code := r.wait(t); code != 0 {
		t.Fatalf("exit code=%d want 0", code)
	}
	if _, err := os.Stat(filepath.Join(cfg.Snapshot.Dir, "frequencies.csv")); err != nil {
		t.Fatalf("final snapshot: %v", err)
	}
}
