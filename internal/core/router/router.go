package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
	"github.com/mohammed-shakir/hotkey-tracker/internal/dispatch"
)

// payloads above this size are rejected
const MaxPayloadBytes = 64 << 10

// Dispatcher executes a textual target with its payload.
type Dispatcher interface {
	Handle(ctx context.Context, target, payload string) (any, error)
}

// Reply is the JSON body of every /{target} response.
type Reply struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleTarget serves GET /{target}?v=payload and POST /{target} with the
// payload as the request body.
func HandleTarget(logger *slog.Logger, d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		target := chi.URLParam(r, "target")
		route := "/{target}"

		payload, err := ReadPayload(r)
		if err != nil {
			writeReply(sw, http.StatusBadRequest, Reply{Target: target, Error: err.Error()})
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
			return
		}

		result, err := d.Handle(r.Context(), target, payload)
		if !errors.Is(err, dispatch.ErrUnknownTarget) {
			route = "/" + target
		}
		if err != nil {
			code := StatusFor(err)
			if code >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "target failed", "target", target, "err", err)
			}
			writeReply(sw, code, Reply{Target: target, Error: err.Error()})
		} else {
			writeReply(sw, http.StatusOK, Reply{Target: target, OK: true, Result: result})
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

// ReadPayload takes the "v" query parameter for GET and the trimmed body
// otherwise.
func ReadPayload(r *http.Request) (string, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return r.URL.Query().Get("v"), nil
	}
	if r.Body == nil {
		return "", nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(b) > MaxPayloadBytes {
		return "", fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, dispatch.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeReply(w http.ResponseWriter, code int, rep Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
