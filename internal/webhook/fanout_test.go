package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/model"
)

func testFanout() *Fanout {
	return NewFanout(Config{RetryBaseDelay: time.Millisecond, Timeout: time.Second})
}

func TestRegisterDefaults(t *testing.T) {
	f := testFanout()
	reg, err := f.Register(Registration{URL: "http://example.com/hook", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, []string{"*"}, reg.Patterns)
	assert.False(t, reg.CreatedAt.IsZero())

	_, err = f.Register(Registration{})
	assert.Error(t, err)
}

func TestDeliverySucceedsFirstAttempt(t *testing.T) {
	var got payload
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := testFanout()
	reg, err := f.Register(Registration{
		URL: server.URL, Enabled: true,
		Headers: map[string]string{"X-Team": "payments"},
	})
	require.NoError(t, err)

	event := model.NewEvent("order.created", map[string]interface{}{"orderId": "o1"}, "test")
	results := f.DeliverSync(context.Background(), event)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	assert.Equal(t, reg.ID, got.WebhookID)
	assert.Equal(t, "order.created", got.Event.Topic)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "reflex/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "payments", gotHeaders.Get("X-Team"))

	stats := f.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Zero(t, stats.Failed)
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := testFanout()
	_, err := f.Register(Registration{URL: server.URL, Enabled: true})
	require.NoError(t, err)

	results := f.DeliverSync(context.Background(), model.NewEvent("order.created", nil, "test"))
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliveryFailsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := testFanout()
	_, err := f.Register(Registration{URL: server.URL, Enabled: true})
	require.NoError(t, err)

	results := f.DeliverSync(context.Background(), model.NewEvent("order.created", nil, "test"))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, DefaultMaxRetries, results[0].Attempts)
	assert.Equal(t, http.StatusBadGateway, results[0].StatusCode)
	assert.Equal(t, int32(DefaultMaxRetries), calls.Load())
	assert.Equal(t, uint64(1), f.Stats().Failed)
}

func TestSignatureHeader(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := testFanout()
	_, err := f.Register(Registration{URL: server.URL, Enabled: true, Secret: "s3cret"})
	require.NoError(t, err)

	results := f.DeliverSync(context.Background(), model.NewEvent("order.created", nil, "test"))
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	assert.True(t, len(gotSignature) > len("sha256="))
	assert.True(t, Verify(gotBody, "s3cret", gotSignature))
	assert.False(t, Verify(gotBody, "wrong", gotSignature))
}

func TestPatternSelection(t *testing.T) {
	var orderCalls, allCalls atomic.Int32
	orderServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		orderCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer orderServer.Close()
	allServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		allCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer allServer.Close()

	f := testFanout()
	_, err := f.Register(Registration{URL: orderServer.URL, Enabled: true, Patterns: []string{"order.*"}})
	require.NoError(t, err)
	_, err = f.Register(Registration{URL: allServer.URL, Enabled: true})
	require.NoError(t, err)

	results := f.DeliverSync(context.Background(), model.NewEvent("order.created", nil, "test"))
	assert.Len(t, results, 2)

	results = f.DeliverSync(context.Background(), model.NewEvent("auth.login", nil, "test"))
	assert.Len(t, results, 1)

	assert.Equal(t, int32(1), orderCalls.Load())
	assert.Equal(t, int32(2), allCalls.Load())
}

func TestDisabledHookSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("disabled webhook must not be called")
	}))
	defer server.Close()

	f := testFanout()
	reg, err := f.Register(Registration{URL: server.URL, Enabled: true})
	require.NoError(t, err)
	require.True(t, f.SetEnabled(reg.ID, false))

	results := f.DeliverSync(context.Background(), model.NewEvent("order.created", nil, "test"))
	assert.Empty(t, results)
}

func TestBackgroundDeliver(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer server.Close()

	f := testFanout()
	_, err := f.Register(Registration{URL: server.URL, Enabled: true})
	require.NoError(t, err)

	f.Deliver(model.NewEvent("order.created", nil, "test"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background delivery never arrived")
	}
	f.Close()
}

func TestUnregister(t *testing.T) {
	f := testFanout()
	reg, err := f.Register(Registration{URL: "http://example.com", Enabled: true})
	require.NoError(t, err)
	assert.True(t, f.Unregister(reg.ID))
	assert.False(t, f.Unregister(reg.ID))
	assert.Empty(t, f.List())
}
