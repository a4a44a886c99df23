// Package httpclient configures the HTTP clients that talk to a tracker.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// NewOutbound returns a keep-alive client allowing up to maxIdlePerHost idle
// connections to one tracker. Non-positive arguments take the defaults.
func NewOutbound(timeout time.Duration, maxIdlePerHost int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 16
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          max(256, maxIdlePerHost),
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
