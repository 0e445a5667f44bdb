// Package handler exposes the inbound Anthropic-compatible HTTP surface.
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/qyb/claude-relay-service/internal/claude"
	"github.com/qyb/claude-relay-service/internal/domain"
	"github.com/qyb/claude-relay-service/internal/executor"
	"github.com/qyb/claude-relay-service/internal/jsonx"
)

const maxRequestBody = 64 << 20

type Proxy struct {
	exec *executor.Executor
}

func NewProxy(exec *executor.Executor) *Proxy {
	return &Proxy{exec: exec}
}

// Register attaches the proxy routes to a mux.
func (p *Proxy) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/messages", p.handleMessages)
	mux.HandleFunc("/v1/messages/count_tokens", p.handleCountTokens)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func (p *Proxy) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		// Message bodies can be huge and carry user content; log the
		// request shape only.
		if preview, err := sjson.DeleteBytes(body, "messages"); err == nil {
			log.WithFields(log.Fields{
				"model":  gjson.GetBytes(body, "model").String(),
				"stream": gjson.GetBytes(body, "stream").Bool(),
			}).Debugf("inbound request: %s", preview)
		}
	}

	var req claude.Request
	if err := jsonx.SafeUnmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	if err := p.exec.Execute(r.Context(), w, &req); err != nil {
		writeProxyError(w, err)
	}
}

// handleCountTokens estimates the request's token load without calling the
// backend.
func (p *Proxy) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req claude.Request
	if err := jsonx.SafeUnmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}

	out, _ := jsonx.FastMarshal(map[string]int{"input_tokens": claude.EstimateTokens(&req)})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// writeProxyError emits a pre-stream-start error as a JSON body. Errors
// after streaming began are handled inside the stream as error events and
// never reach this path.
func writeProxyError(w http.ResponseWriter, err error) {
	var pe *domain.ProxyError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	status := pe.StatusCode
	if status == 0 {
		switch {
		case errors.Is(pe.Err, domain.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(pe.Err, domain.ErrNoAccounts), errors.Is(pe.Err, domain.ErrModelCoolingDown):
			status = http.StatusTooManyRequests
		default:
			status = http.StatusInternalServerError
		}
	}
	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())+1))
	}

	errType := "api_error"
	switch status {
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case http.StatusBadRequest:
		errType = "invalid_request_error"
	case 529:
		errType = "overloaded_error"
	}

	msg := pe.Message
	if msg == "" {
		msg = pe.Err.Error()
	}
	writeError(w, status, errType, msg)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	payload, _ := jsonx.FastMarshal(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
