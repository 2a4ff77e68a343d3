package bitfinex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/logging"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

type transportFixture struct {
	transport *Transport
	limiter   *Limiter
	breaker   *BreakerSet
	server    *httptest.Server
	requests  *atomic.Int64
}

func newTransportFixture(t *testing.T, handler http.HandlerFunc) *transportFixture {
	t.Helper()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	metrics := telemetry.NewMetricsHolder()

	cfg := config.DefaultConfig()
	cfg.Bitfinex.APIKey = config.Secret("test-api-key")
	cfg.Bitfinex.SecretKey = config.Secret("test-secret-key")
	cfg.Bitfinex.RESTURL = server.URL

	limiter, err := NewLimiter(cfg.RateLimit, metrics)
	require.NoError(t, err)
	breaker := NewBreakerSet(cfg.Circuit, logger, metrics)

	ns, err := NewNonceSource("")
	require.NoError(t, err)
	signer := NewSigner(cfg.Bitfinex, ns)

	transport := NewTransport(cfg.Bitfinex, 2, signer, limiter, breaker,
		config.NewRuntime(cfg), logger, metrics)

	return &transportFixture{
		transport: transport,
		limiter:   limiter,
		breaker:   breaker,
		server:    server,
		requests:  &requests,
	}
}

func TestSignedPostHeadersAndBody(t *testing.T) {
	var gotBody string
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		// Verify the signature over the exact bytes received.
		mac := hmac.New(sha512.New384, []byte("test-secret-key"))
		mac.Write([]byte("/api/v2/auth/w/order/submit" + r.Header.Get("bfx-nonce") + string(body)))
		want := hex.EncodeToString(mac.Sum(nil))

		assert.Equal(t, "test-api-key", r.Header.Get("bfx-apikey"))
		assert.Equal(t, want, r.Header.Get("bfx-signature"))
		w.Write([]byte(`[1700000000000,"on-req",null,null,[],null,"SUCCESS","ok"]`))
	})

	_, err := fx.transport.SignedPost(context.Background(), "auth/w/order/submit", map[string]any{
		"type":   "EXCHANGE LIMIT",
		"symbol": "tBTCUSD",
		"price":  "30000",
		"amount": "0.01",
	})
	require.NoError(t, err)

	// Map marshaling sorts keys, so the signed body is reproducible.
	assert.Equal(t, `{"amount":"0.01","price":"30000","symbol":"tBTCUSD","type":"EXCHANGE LIMIT"}`, gotBody)
}

func TestSignedPostNonceRetry(t *testing.T) {
	var nonces []string
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		nonces = append(nonces, r.Header.Get("bfx-nonce"))
		if len(nonces) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`["error",10114,"nonce: small"]`))
			return
		}
		w.Write([]byte(`[1700000000000,"on-req",null,null,[],null,"SUCCESS","ok"]`))
	})

	_, err := fx.transport.SignedPost(context.Background(), "auth/w/order/submit", nil)
	require.NoError(t, err)

	require.Len(t, nonces, 2, "exactly one replay")
	assert.Less(t, nonces[0], nonces[1], "replay carries a fresh, larger nonce")
}

func TestSignedPostNonceRetryOnlyOnce(t *testing.T) {
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`["error",10114,"nonce: small"]`))
	})

	_, err := fx.transport.SignedPost(context.Background(), "auth/r/wallets", nil)
	assert.ErrorIs(t, err, apperrors.ErrNonceConflict)
	assert.Equal(t, int64(2), fx.requests.Load())
}

func TestPublicGetRetriesServerErrors(t *testing.T) {
	var fx *transportFixture
	fx = newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if fx.requests.Load() < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[29150,18.5,29151,22.1,-120.5,-0.0041,29150.5,1234.5,29500,28800]`))
	})

	body, err := fx.transport.PublicGet(context.Background(), "ticker/tBTCUSD")
	require.NoError(t, err)
	assert.Contains(t, string(body), "29150")
	assert.Equal(t, int64(3), fx.requests.Load())
}

func TestRateLimitedResponse(t *testing.T) {
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`["error",11010,"ratelimit: error"]`))
	})

	_, err := fx.transport.SignedPost(context.Background(), "auth/r/wallets", nil)

	var rle *apperrors.RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(7), int64(rle.RetryAfter.Seconds()))
}

func TestCircuitOpenFailsFast(t *testing.T) {
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream down"))
	})

	ctx := context.Background()
	// The default circuit config opens after five transport errors in the
	// window; signed posts make one attempt each.
	for i := 0; i < 5; i++ {
		_, err := fx.transport.SignedPost(ctx, "auth/r/wallets", nil)
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, fx.breaker.State("auth/r/wallets"))

	before := fx.requests.Load()
	_, err := fx.transport.SignedPost(ctx, "auth/r/wallets", nil)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, before, fx.requests.Load(), "no wire traffic while the circuit is open")
}

func TestExchangeErrorPassthrough(t *testing.T) {
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`["error",10020,"symbol: invalid"]`))
	})

	_, err := fx.transport.SignedPost(context.Background(), "auth/w/order/submit", nil)

	var exch *apperrors.ExchangeError
	require.ErrorAs(t, err, &exch)
	assert.Equal(t, int64(10020), exch.Code)
	assert.Equal(t, "symbol: invalid", exch.Message)
	assert.Equal(t, BreakerClosed, fx.breaker.State("auth/w/order/submit"), "application errors do not trip the breaker")
}

func TestSignedPostRequiresCredentials(t *testing.T) {
	fx := newTransportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})

	ns, err := NewNonceSource("")
	require.NoError(t, err)
	fx.transport.signer = NewSigner(config.BitfinexConfig{}, ns)

	_, err = fx.transport.SignedPost(context.Background(), "auth/r/wallets", nil)
	assert.ErrorIs(t, err, apperrors.ErrAuthNotConfigured)
	assert.Zero(t, fx.requests.Load())
}
