package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/health"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/router"
	"github.com/mohammed-shakir/hotkey-tracker/internal/dispatch"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
	"github.com/mohammed-shakir/hotkey-tracker/internal/writequeue"
)

func newTestServer(t *testing.T) (*httptest.Server, *writequeue.Queue) {
	t.Helper()
	store := ranking.New(2, 6)
	q := writequeue.New(nil)
	if err := q.Start(store); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(q.Stop)

	h := NewRouter(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher: dispatch.New(store, q),
		Checks: map[string]health.Check{
			"write_queue": func() (bool, any) { return q.Running(), nil },
		},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, q
}

func getReply(t *testing.T, resp *http.Response) router.Reply {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var rep router.Reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rep
}

func TestEndToEnd_ReportThenQuery(t *testing.T) {
	srv, q := newTestServer(t)
	c := srv.Client()

	for range 3 {
		resp, err := c.Post(srv.URL+"/keySent", "text/plain", strings.NewReader("hot,http://o,80"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if rep := getReply(t, resp); !rep.OK {
			t.Fatalf("keySent reply=%+v", rep)
		}
	}
	resp, _ := c.Get(srv.URL + "/keySent?v=" + url.QueryEscape("cold"))
	_ = getReply(t, resp)
	q.Flush()

	resp, err := c.Get(srv.URL + "/isHotKey?v=hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep := getReply(t, resp); rep.Result != "YES" {
		t.Fatalf("isHotKey reply=%+v", rep)
	}

	resp, _ = c.Get(srv.URL + "/totalKeys")
	if rep := getReply(t, resp); rep.Result != float64(2) {
		t.Fatalf("totalKeys reply=%+v", rep)
	}

	resp, _ = c.Get(srv.URL + "/getTopHotKeys")
	rep := getReply(t, resp)
	top, ok := rep.Result.([]any)
	if !ok || len(top) != 2 {
		t.Fatalf("getTopHotKeys reply=%+v", rep)
	}
	first, _ := top[0].(map[string]any)
	if first["Key"] != "hot" || first["Frequency"] != float64(3) {
		t.Fatalf("first=%v", first)
	}
}

func TestStatuses(t *testing.T) {
	srv, q := newTestServer(t)
	c := srv.Client()

	resp, _ := c.Get(srv.URL + "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown target status=%d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, _ = c.Get(srv.URL + "/setTopHotKeys?v=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid arg status=%d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, _ = c.Get(srv.URL + "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, _ = c.Get(srv.URL + "/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz=%d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	q.Stop()
	resp, _ = c.Get(srv.URL + "/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz after stop=%d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
