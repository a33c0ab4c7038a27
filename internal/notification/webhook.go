package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/db"
)

// webhookPayload is the JSON body POSTed to the webhook endpoint.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"` // "text" for Slack/Discord compatibility
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookNotifier delivers notifications via outbound HTTP POST. Delivery is
// fire-and-forget: each send runs in its own goroutine and failures are
// logged, never propagated, so a slow or broken webhook cannot stall run
// completion.
type webhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

func newWebhookNotifier(url, secret string, logger *zap.Logger) *webhookNotifier {
	return &webhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("notification"),
	}
}

func (n *webhookNotifier) NotifyRunOutcome(ctx context.Context, taskName, agentID, runID, status, errMsg string) {
	title := fmt.Sprintf("Task succeeded: %s", taskName)
	body := fmt.Sprintf("Task %q completed successfully on agent %q.", taskName, agentID)
	notifType := "run_success"

	switch status {
	case db.RunStatusRunning:
		notifType = "run_started"
		title = fmt.Sprintf("Task started: %s", taskName)
		body = fmt.Sprintf("Task %q is now running on agent %q.", taskName, agentID)
	case db.RunStatusError:
		notifType = "run_error"
		title = fmt.Sprintf("Task failed: %s", taskName)
		body = fmt.Sprintf("Task %q failed on agent %q: %s", taskName, agentID, errMsg)
	case db.RunStatusCancelled:
		notifType = "run_cancelled"
		title = fmt.Sprintf("Task cancelled: %s", taskName)
		body = fmt.Sprintf("Task %q was cancelled on agent %q.", taskName, agentID)
	}

	n.send(notifType, title, body, map[string]any{
		"task_name": taskName,
		"agent_id":  agentID,
		"run_id":    runID,
		"status":    status,
		"error":     errMsg,
	})
}

func (n *webhookNotifier) NotifyErrorReport(ctx context.Context, agentID, level, errMsg string) {
	n.send("agent_error",
		fmt.Sprintf("Agent error: %s", agentID),
		fmt.Sprintf("Agent %q reported a %s level error: %s", agentID, level, errMsg),
		map[string]any{
			"agent_id": agentID,
			"level":    level,
			"error":    errMsg,
		})
}

// send serializes and POSTs the notification in a detached goroutine with its
// own timeout, independent of the caller's context. The caller is often inside
// a run-completion path that must not wait on an external HTTP endpoint.
func (n *webhookNotifier) send(notifType, title, body string, payload map[string]any) {
	data, err := json.Marshal(webhookPayload{
		Type:      notifType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Error("failed to marshal webhook payload",
			zap.String("type", notifType),
			zap.Error(err),
		)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
		if err != nil {
			n.logger.Error("failed to build webhook request", zap.Error(err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Automi-Webhook/1.0")

		// Sign the request body so the receiver can verify authenticity.
		// "sha256=<hex>" follows the GitHub/Stripe webhook convention.
		if n.secret != "" {
			req.Header.Set("X-Automi-Signature", "sha256="+hmacSHA256(data, n.secret))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("webhook delivery failed",
				zap.String("type", notifType),
				zap.Error(err),
			)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			n.logger.Warn("webhook returned non-2xx status",
				zap.String("type", notifType),
				zap.Int("status", resp.StatusCode),
			)
		}
	}()
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
