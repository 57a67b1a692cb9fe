package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
)

const (
	HeaderNotificationID = "X-Reconflow-Notification-ID"
	HeaderTenantID       = "X-Reconflow-Tenant-ID"
	HeaderSignature      = "X-Reconflow-Signature"
)

// WebhookSender posts notifications as JSON signed with HMAC-SHA256 over the
// body. The notification id is stable across retries so receivers can dedupe.
type WebhookSender struct {
	client *http.Client
	url    string
	secret string
}

func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{client: &http.Client{}, url: url, secret: secret}
}

// Send fails permanently on 4xx other than 408 and 429; the receiver will
// refuse the same request again.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return joberr.Permanent(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return joberr.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNotificationID, msg.ID.String())
	req.Header.Set(HeaderTenantID, msg.TenantID.String())
	req.Header.Set(HeaderSignature, computeSignature(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("webhook: status %d", code)
	default:
		return joberr.Permanentf("webhook: status %d", code)
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to check an incoming notification.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Router sends each message through the transport registered for its
// channel, falling back to the default transport.
type Router struct {
	fallback Sender
	routes   map[string]Sender
}

func NewRouter(fallback Sender) *Router {
	return &Router{fallback: fallback, routes: make(map[string]Sender)}
}

func (r *Router) Route(channel string, s Sender) *Router {
	r.routes[channel] = s
	return r
}

func (r *Router) Send(ctx context.Context, msg Message) error {
	if s, ok := r.routes[msg.Channel]; ok {
		return s.Send(ctx, msg)
	}
	return r.fallback.Send(ctx, msg)
}
