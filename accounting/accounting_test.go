package accounting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
)

func TestWebhook_Push(t *testing.T) {
	var (
		mu   sync.Mutex
		got  pushRequest
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second)
	require.NoError(t, hook.Push(context.Background(), billing.KindVendorBill, "bill-1"))
	require.NoError(t, hook.Push(context.Background(), billing.KindVendorBill, "bill-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, billing.KindVendorBill, got.Kind)
	assert.Equal(t, billing.DocumentID("bill-1"), got.DocumentID)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1], "retries reuse the idempotency key")
}

func TestWebhook_Failures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", int(status.Load()))
	}))
	defer srv.Close()
	hook := NewWebhook(srv.URL, time.Second)

	err := hook.Push(context.Background(), billing.KindInvoice, "inv-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "upstream down")

	status.Store(http.StatusUnprocessableEntity)
	err = hook.Push(context.Background(), billing.KindInvoice, "inv-1")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, billing.ErrSyncRejected)

	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		status.Store(int32(code))
		err = hook.Push(context.Background(), billing.KindInvoice, "inv-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, billing.ErrSyncRejected, "status %d is retryable", code)
	}
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, time.Second).Push(context.Background(), billing.KindInvoice, "inv-1")
	assert.Error(t, err)
}

func TestLog_NeverFails(t *testing.T) {
	assert.NoError(t, Log{}.Push(context.Background(), billing.KindInvoice, "inv-1"))
}
