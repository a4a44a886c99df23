package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/httpclient"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/router"
)

// Client sends targets to a tracker's HTTP command surface.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(server string, timeout time.Duration) *Client {
	base := strings.TrimRight(server, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: httpclient.NewOutbound(timeout, 2)}
}

// Call posts payload to /{target} and returns the decoded reply. A reply with
// ok=false is returned together with an error carrying the server message.
func (c *Client) Call(ctx context.Context, target, payload string) (router.Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+target, strings.NewReader(payload))
	if err != nil {
		return router.Reply{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return router.Reply{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rep router.Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, router.MaxPayloadBytes)).Decode(&rep); err != nil {
		return router.Reply{}, fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
	}
	if !rep.OK {
		msg := rep.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return rep, errors.New(msg)
	}
	return rep, nil
}
