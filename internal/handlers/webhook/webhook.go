// Package webhook implements the per-tenant business collaborators as JSON
// POSTs to a downstream service.
package webhook

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
	"strings"
	"time"

	"tenantflow/internal/domain"
)

const maxErrorBody = 512

type Client struct {
	base   string
	secret string
	client *http.Client
}

type Option func(*Client)

// WithSecret signs every body with HMAC-SHA256 in X-Tenantflow-Signature.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// post sends body to <base>/<action>. Any status outside 2xx is an error
// carrying the start of the response body.
func (c *Client) post(ctx context.Context, action string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+action, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook %s: create request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenantflow-Action", action)
	if c.secret != "" {
		req.Header.Set("X-Tenantflow-Signature", Sign(c.secret, payload))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook %s: HTTP %d: %s", action, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) RunSyncForTenant(ctx context.Context, tenantID string, opts domain.SyncOptions) error {
	return c.post(ctx, "sync/run", map[string]any{
		"tenant_id":   tenantID,
		"incremental": opts.Incremental,
		"task_types":  opts.TaskTypes,
	})
}

func (c *Client) CheckInboundMessages(ctx context.Context, accountID string) error {
	return c.post(ctx, "mail/check", map[string]string{"account_id": accountID})
}

func (c *Client) Deliver(ctx context.Context, msg domain.ScheduledMessage) error {
	return c.post(ctx, "messages/deliver", map[string]any{
		"message_id":      msg.ID,
		"tenant_id":       msg.TenantID,
		"conversation_id": msg.ConversationID,
		"channel":         msg.Channel,
		"recipient":       msg.Recipient,
		"subject":         msg.Subject,
		"body":            msg.Body,
	})
}

func (c *Client) NotifyAbandonedCart(ctx context.Context, cart domain.CartSession) error {
	return c.post(ctx, "carts/abandoned", map[string]any{
		"cart_id":          cart.ID,
		"tenant_id":        cart.TenantID,
		"customer_email":   cart.CustomerEmail,
		"item_count":       cart.ItemCount,
		"total":            cart.Total,
		"last_activity_at": cart.LastActivityAt,
	})
}

func (c *Client) CheckAdAlerts(ctx context.Context, tenantID string) error {
	return c.post(ctx, "ads/alerts", map[string]string{"tenant_id": tenantID})
}

func (c *Client) SendLowStockAlerts(ctx context.Context, tenantID string) error {
	return c.post(ctx, "inventory/low-stock", map[string]string{"tenant_id": tenantID})
}

// AggregateAnalytics rolls up one calendar day for the tenant.
func (c *Client) AggregateAnalytics(ctx context.Context, tenantID string, day time.Time) error {
	return c.post(ctx, "analytics/aggregate", map[string]string{
		"tenant_id": tenantID,
		"day":       day.Format("2006-01-02"),
	})
}

func (c *Client) RefreshPrices(ctx context.Context, tenantID string) error {
	return c.post(ctx, "pricing/refresh", map[string]string{"tenant_id": tenantID})
}

func (c *Client) SendReport(ctx context.Context, s domain.ReportSchedule) error {
	return c.post(ctx, "reports/send", map[string]any{
		"schedule_id": s.ID,
		"account_id":  s.AccountID,
		"frequency":   s.Frequency,
	})
}
