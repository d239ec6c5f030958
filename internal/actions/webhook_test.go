package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestWebhookClient_Call_JSON(t *testing.T) {
	var (
		gotKey    string
		gotMethod string
		gotBody   map[string]any
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Source")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "evt-7", "count": 2})
	}))
	defer srv.Close()

	client := NewWebhookClient(WebhookConfig{Timeout: 2 * time.Second})
	resp, err := client.Call(context.Background(), WebhookRequest{
		Method:  "put",
		URL:     srv.URL,
		Headers: map[string]string{"X-Source": "autoflow"},
		Payload: map[string]any{"lead": "L-9"},
	}, "inst-1:0:1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "evt-7", resp.Body["id"])
	assert.Equal(t, float64(2), resp.Body["count"])
	assert.Equal(t, "inst-1:0:1", gotKey)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "autoflow", gotHeader)
	assert.Equal(t, "L-9", gotBody["lead"])
}

func TestWebhookClient_Call_TextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok, thanks for the update"))
	}))
	defer srv.Close()

	client := NewWebhookClient(WebhookConfig{MaxBodyText: 2})
	resp, err := client.Call(context.Background(), WebhookRequest{URL: srv.URL}, "k")
	require.NoError(t, err)
	assert.Equal(t, schema.Values{"text": "ok"}, resp.Body)
}

func TestWebhookClient_Call_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, schema.ErrCodeExecution, true},
		{"rate limited", http.StatusTooManyRequests, schema.ErrCodeExecution, true},
		{"unauthorized", http.StatusUnauthorized, schema.ErrCodeConfiguration, false},
		{"not found", http.StatusNotFound, schema.ErrCodeConfiguration, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := NewWebhookClient(WebhookConfig{}).Call(context.Background(), WebhookRequest{URL: srv.URL}, "k")
			var ae *schema.AutoflowError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.code, ae.Code)
			assert.Equal(t, tt.retryable, ae.IsRetryable())
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestWebhookClient_Call_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewWebhookClient(WebhookConfig{Timeout: time.Second}).Call(context.Background(), WebhookRequest{URL: url}, "k")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}
