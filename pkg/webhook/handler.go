// Package webhook serves the GitHub webhook endpoint and hands decoded
// deliveries to the bounty processor.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
	"github.com/codeGROOVE-dev/bountyhook/pkg/security"
)

const maxPayloadSize = 1 << 20 // 1MB

// Processor applies a decoded delivery.
type Processor interface {
	Process(ctx context.Context, env *bounty.Envelope) (bounty.Result, error)
}

// Handler handles GitHub webhook deliveries on POST /{webhook}.
type Handler struct {
	proc             Processor
	ipValidator      *security.GitHubIPValidator
	allowedEventsMap map[string]bool
	secret           string
}

// Option configures a Handler.
type Option func(*Handler)

// WithSecret requires a valid X-Hub-Signature-256 on every delivery.
// An empty secret disables verification.
func WithSecret(secret string) Option {
	return func(h *Handler) { h.secret = secret }
}

// WithAllowedEvents acknowledges events outside the list without processing
// them. A nil or empty list allows every event.
func WithAllowedEvents(events []string) Option {
	return func(h *Handler) {
		if len(events) == 0 {
			h.allowedEventsMap = nil
			return
		}
		h.allowedEventsMap = make(map[string]bool, len(events))
		for _, e := range events {
			h.allowedEventsMap[e] = true
		}
	}
}

// WithIPValidator rejects deliveries from addresses outside GitHub's ranges.
func WithIPValidator(v *security.GitHubIPValidator) Option {
	return func(h *Handler) { h.ipValidator = v }
}

// NewHandler creates a webhook handler.
func NewHandler(proc Processor, opts ...Option) *Handler {
	h := &Handler{proc: proc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP processes one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventType := r.Header.Get("X-GitHub-Event")     //nolint:canonicalheader // GitHub webhook header
	deliveryID := r.Header.Get("X-GitHub-Delivery") //nolint:canonicalheader // GitHub webhook header
	token := r.PathValue("webhook")

	fields := logger.Fields{
		"event_type":  eventType,
		"delivery_id": deliveryID,
		"remote_addr": r.RemoteAddr,
	}

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "webhook rejected: invalid method", logger.Fields{"method": r.Method, "path": r.URL.Path})
		w.Header().Set("Allow", http.MethodPost)
		security.WriteMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.ipValidator.IsValid(security.ClientIP(r)) {
		logger.Warn(ctx, "webhook rejected: source address not in GitHub ranges", fields)
		security.WriteMessage(w, http.StatusForbidden, "forbidden")
		return
	}

	if h.allowedEventsMap != nil && !h.allowedEventsMap[eventType] {
		logger.Info(ctx, "webhook event type not allowed", fields)
		writeOutcome(w, bounty.NoOp)
		return
	}

	if r.ContentLength > maxPayloadSize {
		fields["content_length"] = r.ContentLength
		logger.Warn(ctx, "webhook rejected: payload too large", fields)
		security.WriteMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn(ctx, "webhook rejected: payload too large", fields)
			security.WriteMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		logger.Error(ctx, "error reading webhook body", err, fields)
		security.WriteMessage(w, http.StatusBadRequest, "bad request")
		return
	}

	if h.secret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !VerifySignature(body, signature, h.secret) {
			fields["signature_exists"] = signature != ""
			logger.Warn(ctx, "webhook rejected: signature verification failed", fields)
			security.WriteMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	payload, err := bounty.DecodePayload(body)
	if err != nil {
		fields["payload_size"] = len(body)
		logger.Error(ctx, "error decoding webhook payload", err, fields)
		security.WriteMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	env := &bounty.Envelope{
		Event:      eventType,
		Webhook:    token,
		DeliveryID: deliveryID,
		Payload:    payload,
	}
	fields["action"] = env.Action()

	res, err := h.proc.Process(ctx, env)
	if err != nil {
		logger.Error(ctx, "error processing webhook", err, fields)
		security.WriteMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	fields["outcome"] = res.Outcome.String()
	logger.Info(ctx, "webhook processed", fields)
	writeOutcome(w, res.Outcome)
}

func writeOutcome(w http.ResponseWriter, o bounty.Outcome) {
	security.WriteJSON(w, http.StatusOK, map[string]string{"outcome": o.String()})
}

// HelloHandler answers GET /test with a fixed greeting and logs any JSON body
// sent along.
func HelloHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		logger.Warn(ctx, "error reading test body", logger.Fields{"error": err.Error()})
	}
	if len(body) > 0 {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			logger.Debug(ctx, "test body is not JSON", logger.Fields{"size": len(body)})
		} else {
			logger.Info(ctx, "test request", logger.Fields{"body": v})
		}
	}
	security.WriteMessage(w, http.StatusOK, "Hello from cloudflare")
}
