package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/autoflow/pkg/schema"
)

// WebhookConfig configures the outbound webhook client.
type WebhookConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	MaxRedirects int           `koanf:"max_redirects"`
	UserAgent    string        `koanf:"user_agent"`
	// MaxBodyText caps how much of a non-JSON response is kept in the result.
	MaxBodyText int `koanf:"max_body_text"`
}

const (
	defaultWebhookTimeout = 15 * time.Second
	defaultMaxRedirects   = 5
	defaultMaxBodyText    = 4096

	idempotencyHeader = "Idempotency-Key"
)

// WebhookClient implements Webhook over resty.
type WebhookClient struct {
	client *resty.Client
	cfg    WebhookConfig
}

var _ Webhook = (*WebhookClient)(nil)

// NewWebhookClient creates a webhook client with sane defaults.
func NewWebhookClient(cfg WebhookConfig) *WebhookClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.MaxBodyText <= 0 {
		cfg.MaxBodyText = defaultMaxBodyText
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "autoflow-webhook/1"
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects)).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", cfg.UserAgent)
	return &WebhookClient{client: client, cfg: cfg}
}

// Call sends the request. Transport failures, 429 and 5xx are retryable
// EXECUTION errors; any other non-2xx is a CONFIGURATION error.
func (w *WebhookClient) Call(ctx context.Context, req WebhookRequest, idempotencyKey string) (WebhookResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	r := w.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetHeader(idempotencyHeader, idempotencyKey)
	if req.Payload != nil {
		r.SetBody(req.Payload)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return WebhookResponse{}, schema.NewErrorf(schema.ErrCodeExecution,
			"webhook %s %s: %s", method, req.URL, err.Error()).WithCause(err)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return WebhookResponse{StatusCode: status}, schema.NewErrorf(schema.ErrCodeExecution,
			"webhook %s %s: status %d", method, req.URL, status).
			WithDetails(map[string]any{"status_code": status})
	case status >= 300:
		return WebhookResponse{StatusCode: status}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"webhook %s %s: status %d", method, req.URL, status).
			WithDetails(map[string]any{"status_code": status})
	}

	return WebhookResponse{StatusCode: status, Body: w.decodeBody(resp)}, nil
}

func (w *WebhookClient) decodeBody(resp *resty.Response) schema.Values {
	body := resp.Body()
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err == nil {
			if v, err := schema.NewValues(obj); err == nil {
				return v
			}
		}
	}
	text := string(body)
	if len(text) > w.cfg.MaxBodyText {
		text = text[:w.cfg.MaxBodyText]
	}
	return schema.Values{"text": text}
}
