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

	"liveconsult-backend/pkg/resilience"
)

func TestSend_SignsAndPosts(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, nil)
	err := c.Send(context.Background(), "evt-1", "session_ended", map[string]any{"total_charged": 500})
	require.NoError(t, err)

	assert.Equal(t, "evt-1", gotHeader.Get(HeaderEventID))
	assert.Equal(t, "session_ended", gotHeader.Get(HeaderEventName))
	assert.True(t, Verify([]byte("s3cret"), gotBody, gotHeader.Get(HeaderSignature)))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.EqualValues(t, 500, decoded["total_charged"])
}

func TestSend_NoRetryOnFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, nil)
	err := c.Send(context.Background(), "evt-2", "payment_processed", map[string]any{})
	assert.ErrorContains(t, err, "status 502")
	assert.Equal(t, int32(1), hits.Load())
}

func TestSend_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, nil)
	for i := 0; i < 5; i++ {
		_ = c.Send(context.Background(), "evt", "session_created", nil)
	}
	assert.Equal(t, resilience.CircuitBreakerOpen, c.State())

	err := c.Send(context.Background(), "evt", "session_created", nil)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(5), hits.Load())
}

func TestVerify_RejectsTampering(t *testing.T) {
	secret := []byte("k")
	body := []byte(`{"a":1}`)
	sig := "sha256=" + Sign(secret, body)

	assert.True(t, Verify(secret, body, sig))
	assert.False(t, Verify(secret, []byte(`{"a":2}`), sig))
	assert.False(t, Verify(secret, body, "md5=abc"))
	assert.False(t, Verify(secret, body, ""))
}
