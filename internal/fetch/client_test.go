package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(cfg Config) *Client {
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg)
}

func TestNew(t *testing.T) {
	t.Run("applies defaults for zero values", func(t *testing.T) {
		client := newTestClient(Config{})

		assert.Equal(t, DefaultTimeout, client.config.Timeout)
		assert.Equal(t, DefaultRetryDelay, client.config.RetryDelay)
		assert.Equal(t, DefaultRetryMaxDelay, client.config.RetryMaxDelay)
		assert.Equal(t, DefaultBackoffMultiplier, client.config.BackoffMultiplier)
		assert.Equal(t, DefaultCircuitThreshold, client.config.CircuitThreshold)
		assert.Equal(t, DefaultCircuitTimeout, client.config.CircuitTimeout)
		assert.Equal(t, DefaultCircuitHalfOpenMax, client.config.CircuitHalfOpenMax)
		assert.NotNil(t, client.client)
	})

	t.Run("keeps explicit settings", func(t *testing.T) {
		client := newTestClient(Config{
			Timeout:          10 * time.Second,
			RetryAttempts:    5,
			CircuitThreshold: 10,
		})

		assert.Equal(t, 10*time.Second, client.config.Timeout)
		assert.Equal(t, 5, client.config.RetryAttempts)
		assert.Equal(t, 10, client.config.CircuitThreshold)
	})

	t.Run("with custom base client", func(t *testing.T) {
		baseClient := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = baseClient
		client := newTestClient(cfg)

		assert.Equal(t, baseClient, client.client)
	})
}

func TestIsRemoteURL(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		remote bool
	}{
		{"http url", "http://example.com/cat.png", true},
		{"https url", "https://example.com/cat.png", true},
		{"relative path", "images/cat.png", false},
		{"absolute path", "/var/lib/images/cat.png", false},
		{"ftp url", "ftp://example.com/cat.png", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.remote, IsRemoteURL(tt.input))
		})
	}
}

func TestClient_Download(t *testing.T) {
	t.Run("downloads the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "imgarr-test/1.0", r.Header.Get(HeaderUserAgent))
			w.Write([]byte("pixel soup"))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.UserAgent = "imgarr-test/1.0"
		client := newTestClient(cfg)

		var buf bytes.Buffer
		n, err := client.Download(context.Background(), server.URL, &buf)
		require.NoError(t, err)

		assert.Equal(t, int64(len("pixel soup")), n)
		assert.Equal(t, "pixel soup", buf.String())
	})

	t.Run("sets accept encoding header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acceptEncoding := r.Header.Get(HeaderAcceptEncoding)
			assert.Contains(t, acceptEncoding, "gzip")
			assert.Contains(t, acceptEncoding, "deflate")
			assert.Contains(t, acceptEncoding, "br")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := newTestClient(DefaultConfig())
		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.NoError(t, err)
	})

	t.Run("decompresses gzip payloads", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gw := gzip.NewWriter(w)
			gw.Write([]byte("hello compressed world"))
			gw.Close()
		}))
		defer server.Close()

		client := newTestClient(DefaultConfig())
		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.NoError(t, err)

		assert.Equal(t, "hello compressed world", buf.String())
	})

	t.Run("decompresses brotli payloads", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			bw := brotli.NewWriter(w)
			bw.Write([]byte("brotli payload"))
			bw.Close()
		}))
		defer server.Close()

		client := newTestClient(DefaultConfig())
		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.NoError(t, err)

		assert.Equal(t, "brotli payload", buf.String())
	})

	t.Run("size cap applies after decompression", func(t *testing.T) {
		// A small compressed payload that expands far past the cap.
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gw := gzip.NewWriter(w)
			gw.Write(make([]byte, 64*1024))
			gw.Close()
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.MaxBodySize = 1024
		client := newTestClient(cfg)

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBodyTooLarge)
	})

	t.Run("fails on 404 without retrying", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		client := newTestClient(cfg)

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 404")
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&attempts, 1)
			if count < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("success"))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		cfg.RetryDelay = 10 * time.Millisecond
		client := newTestClient(cfg)

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.NoError(t, err)

		assert.Equal(t, "success", buf.String())
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 2
		cfg.RetryDelay = 10 * time.Millisecond
		client := newTestClient(cfg)

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts)) // initial + 2 retries
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		client := newTestClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		var buf bytes.Buffer
		_, err := client.Download(ctx, server.URL, &buf)
		require.Error(t, err)
	})
}

func TestClient_PerHostBreakers(t *testing.T) {
	t.Run("one failing host does not open another's circuit", func(t *testing.T) {
		badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer badServer.Close()
		goodServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("fine"))
		}))
		defer goodServer.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 2
		cfg.CircuitTimeout = time.Minute
		client := newTestClient(cfg)

		var buf bytes.Buffer
		for i := 0; i < 2; i++ {
			_, err := client.Download(context.Background(), badServer.URL, &buf)
			require.Error(t, err)
		}

		buf.Reset()
		_, err := client.Download(context.Background(), goodServer.URL, &buf)
		require.NoError(t, err)
		assert.Equal(t, "fine", buf.String())

		stats := client.BreakerStats()
		require.Len(t, stats, 2)

		badHost := mustHost(t, badServer.URL)
		goodHost := mustHost(t, goodServer.URL)
		assert.Equal(t, "open", stats[badHost].State)
		assert.Equal(t, int64(2), stats[badHost].TotalFailures)
		assert.Equal(t, "closed", stats[goodHost].State)
		assert.Equal(t, int64(1), stats[goodHost].TotalSuccesses)
	})

	t.Run("open circuit fails fast", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 1
		cfg.CircuitTimeout = time.Minute
		client := newTestClient(cfg)

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), server.URL, &buf)
		require.Error(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&attempts))

		// Circuit is open now; the request never reaches the server.
		_, err = client.Download(context.Background(), server.URL, &buf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrCircuitOpen.Error())
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}

	nonRetryable := []int{
		http.StatusOK,
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusInternalServerError,
	}

	for _, code := range retryable {
		t.Run("retryable_"+http.StatusText(code), func(t *testing.T) {
			assert.True(t, isRetryableStatus(code))
		})
	}

	for _, code := range nonRetryable {
		t.Run("non_retryable_"+http.StatusText(code), func(t *testing.T) {
			assert.False(t, isRetryableStatus(code))
		})
	}
}
