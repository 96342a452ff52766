package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
)

func TestMain(m *testing.M) {
	metrics.RegisterWith(prometheus.NewRegistry())
	orig := log.Logger
	log.Logger = zerolog.New(io.Discard)
	code := m.Run()
	log.Logger = orig
	os.Exit(code)
}

// buildClient creates a Client wired to the given test server with short
// retry backoffs.
func buildClient(url string) *Client {
	return NewClient(ClientConfig{
		URL:            url,
		Timeout:        2 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
	})
}

func testEvent() *sink.Event {
	e := sink.NewEvent(sink.KindAddressBlocked, "blocked for 5m0s")
	e.Address = "203.0.113.42"
	e.Plugin = "Telemetry"
	e.Token = "a1b2-c3d4-e5f6-0718"
	e.Fields = map[string]string{"server": "Survival", "port": "25565"}
	return e
}

func TestNotify_Success(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	before := testutil.ToFloat64(metrics.NotificationsSent)
	e := testEvent()
	require.NoError(t, buildClient(srv.URL).Notify(context.Background(), e))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotificationsSent))

	assert.Equal(t, "keygate", got.Username)
	require.Len(t, got.Embeds, 1)
	em := got.Embeds[0]
	assert.Equal(t, "Address blocked", em.Title)
	assert.Equal(t, ColorWarn, em.Color)
	assert.Equal(t, "blocked for 5m0s", em.Description)
	assert.Equal(t, e.ID, em.Footer.Text)

	values := map[string]string{}
	for _, f := range em.Fields {
		values[f.Name] = f.Value
	}
	assert.Equal(t, "203.0.113.42", values["IP"])
	assert.Equal(t, "a1b2-****", values["Key"], "raw tokens never leave the host")
	assert.Equal(t, "Survival", values["server"])
}

func TestNotify_NotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Unknown Webhook","code":10015}`)
	}))
	defer srv.Close()

	before := testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("auth"))
	err := buildClient(srv.URL).Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("auth")))
}

func TestNotify_BadRequestDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"embeds":["0"]}`)
	}))
	defer srv.Close()

	err := buildClient(srv.URL).Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotify_5xx_ExhaustsAllRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := buildClient(srv.URL).Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(defaultMaxRetries), calls.Load())
}

func TestNotify_5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, buildClient(srv.URL).Notify(context.Background(), testEvent()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotify_RateLimitHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"You are being rate limited.","retry_after":0.05,"global":false}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	before := testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("rate_limit"))
	start := time.Now()
	require.NoError(t, buildClient(srv.URL).Notify(context.Background(), testEvent()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("rate_limit")))
}

func TestNotify_NetworkError_Retries(t *testing.T) {
	err := buildClient("http://127.0.0.1:1").Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts")
}

func TestNotify_ContextDeadline_IncrementsTimeoutMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer func() {
		srv.CloseClientConnections()
		srv.Close()
	}()

	before := testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("timeout"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := buildClient(srv.URL).Notify(ctx, testEvent())
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("timeout")))
}

func TestHealthy(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, `{"id":"1","type":1}`)
	}))
	defer ok.Close()
	assert.NoError(t, buildClient(ok.URL).Healthy(context.Background()))

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gone.Close()
	err := buildClient(gone.URL).Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid or deleted")

	assert.Error(t, buildClient("http://127.0.0.1:1").Healthy(context.Background()))
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, 1500*time.Millisecond, retryAfter(h, []byte(`{"retry_after":1.5}`)))
	assert.Equal(t, time.Second, retryAfter(h, []byte(`not json`)))

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, retryAfter(h, nil))
	assert.Equal(t, 500*time.Millisecond, retryAfter(h, []byte(`{"retry_after":0.5}`)), "body wins over header")

	assert.Equal(t, maxRetryAfter, retryAfter(http.Header{}, []byte(`{"retry_after":3600}`)))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{URL: "http://example.invalid"})
	assert.Equal(t, "webhook", c.Name())
	assert.Equal(t, defaultUsername, c.username)
	assert.Equal(t, defaultTimeout, c.timeout)
	assert.Equal(t, defaultMaxRetries, c.maxRetries)
	assert.Equal(t, defaultInitialBackoff, c.initialBackoff)
	assert.NoError(t, c.Close())
}
