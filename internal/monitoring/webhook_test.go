package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWebhook(url string) *Webhook {
	w := NewWebhook(url, nil)
	w.retry.InitialBackoff = time.Millisecond
	w.retry.MaxBackoff = 2 * time.Millisecond
	return w
}

func TestWebhook_Send(t *testing.T) {
	var got alertPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	err := fastWebhook(ts.URL).Send(context.Background(), []Alert{
		{Type: AlertBatchFailure, Severity: SeverityCritical, Message: "1 of 1 batches failed"},
		{Type: AlertCostOverrun, Severity: SeverityWarning, Value: 30, Threshold: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "visibility-cli", got.Source)
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, AlertCostOverrun, got.Alerts[1].Type)
	assert.Equal(t, 30.0, got.Alerts[1].Value)
}

func TestWebhook_NothingToSend(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer ts.Close()

	require.NoError(t, fastWebhook(ts.URL).Send(context.Background(), nil))
	assert.Zero(t, hits.Load())
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	require.NoError(t, fastWebhook(ts.URL).Send(context.Background(), []Alert{{Type: AlertBatchFailure}}))
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	err := fastWebhook(ts.URL).Send(context.Background(), []Alert{{Type: AlertBatchFailure}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned 400")
	assert.Equal(t, int32(1), hits.Load())
}
