package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/circuitbreaker"
)

func TestHTTPClient_Success(t *testing.T) {
	var gotAuth, gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotURL = req.FileURL
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"confidence":0.93,"fields":[{"name":"total","value":"120.00","confidence":0.97}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", time.Second)
	res, err := c.Extract(context.Background(), "tenants/t1/docs/a.pdf")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "tenants/t1/docs/a.pdf", gotURL)
	assert.Equal(t, 0.93, res.RawConfidence)
	require.Len(t, res.Fields, 1)
	assert.Equal(t, RawField{Name: "total", Value: "120.00", Confidence: 0.97}, res.Fields[0])
}

func TestHTTPClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryable  bool
		unreadable bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusUnprocessableEntity, false, true},
		{http.StatusUnsupportedMediaType, false, true},
		{http.StatusBadRequest, false, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", time.Second).Extract(context.Background(), "ref")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.unreadable, errors.Is(err, ErrUnreadable))

			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.status, oe.StatusCode)
		})
	}
}

func TestHTTPClient_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", 20*time.Millisecond).Extract(context.Background(), "ref")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClient_MalformedBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fields":`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", time.Second).Extract(context.Background(), "ref")
	assert.True(t, IsRetryable(err))
}

type resolverFunc func(ctx context.Context, ref string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }

func TestHTTPClient_ResolvesRefs(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotURL = req.FileURL
		_, _ = w.Write([]byte(`{"fields":[]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second).WithResolver(resolverFunc(func(ctx context.Context, ref string) (string, error) {
		return "https://signed.example.com/" + ref + "?sig=abc", nil
	}))
	_, err := c.Extract(context.Background(), "tenants/t1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/tenants/t1/a.pdf?sig=abc", gotURL)
}

func TestHTTPClient_BreakerOpensOnOutage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second).WithBreaker(circuitbreaker.New(2, time.Minute))
	for i := 0; i < 2; i++ {
		_, err := c.Extract(context.Background(), "ref")
		require.Error(t, err)
	}

	_, err := c.Extract(context.Background(), "ref")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, IsRetryable(err), "an open breaker is retried later")
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits the request")
}

func TestHTTPClient_UnreadableDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	cb := circuitbreaker.New(1, time.Minute)
	c := NewHTTPClient(srv.URL, "", time.Second).WithBreaker(cb)
	_, _ = c.Extract(context.Background(), "ref")
	_, err := c.Extract(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Extract(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, IsRetryable(err))
}
