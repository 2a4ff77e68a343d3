package bitfinex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

const nonceTooSmallCode = 10114

// Transport is the rate-limited, circuit-protected HTTP layer under the
// typed client. Every request passes the same gate order: classify the
// endpoint, take a limiter token, check the breaker, then sign and send.
// Public reads additionally run inside a failsafe retry pipeline since they
// are idempotent; signed writes never auto-retry except the single nonce
// replay below.
type Transport struct {
	client  *http.Client
	baseURL string
	signer  *Signer
	limiter *Limiter
	breaker *BreakerSet
	rt      *config.Runtime
	sem     *semaphore.Weighted
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	tracer  trace.Tracer

	readPipeline failsafe.Executor[*http.Response]
}

// NewTransport wires the transport. rt supplies the runtime kill knobs for
// the limiter and breaker; privateConcurrency bounds in-flight signed calls.
func NewTransport(
	cfg config.BitfinexConfig,
	privateConcurrency int,
	signer *Signer,
	limiter *Limiter,
	breaker *BreakerSet,
	rt *config.Runtime,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Transport {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	if privateConcurrency < 1 {
		privateConcurrency = 1
	}

	return &Transport{
		client:       &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimSuffix(cfg.RESTURL, "/"),
		signer:       signer,
		limiter:      limiter,
		breaker:      breaker,
		rt:           rt,
		sem:          semaphore.NewWeighted(int64(privateConcurrency)),
		logger:       logger,
		metrics:      metrics,
		tracer:       otel.Tracer("bitfinex-rest"),
		readPipeline: failsafe.With[*http.Response](retryPolicy),
	}
}

// PublicGet fetches an unauthenticated endpoint, e.g. "ticker/tBTCUSD" or
// "candles/trade:1m:tBTCUSD/hist?limit=100". It returns the raw body.
func (t *Transport) PublicGet(ctx context.Context, endpoint string) ([]byte, error) {
	class, err := t.gate(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	ctx, span := t.startSpan(ctx, http.MethodGet, endpoint, class)
	defer span.End()

	url := t.baseURL + "/v2/" + endpoint
	start := time.Now()

	resp, err := t.readPipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Accept", "application/json")
		return t.client.Do(req)
	})

	body, err := t.finish(ctx, endpoint, class, resp, err, start)
	span.SetAttributes(attribute.Bool("error", err != nil))
	return body, err
}

// SignedPost sends an authenticated v2 call. payload is marshaled from a
// map so the body bytes are deterministic (sorted keys), which keeps the
// signature reproducible for a given nonce. A rejected nonce is re-signed
// and replayed exactly once.
func (t *Transport) SignedPost(ctx context.Context, endpoint string, payload map[string]any) ([]byte, error) {
	if !t.signer.Configured() {
		return nil, apperrors.ErrAuthNotConfigured
	}

	body := []byte("{}")
	if len(payload) > 0 {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	class, err := t.gate(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	ctx, span := t.startSpan(ctx, http.MethodPost, endpoint, class)
	defer span.End()

	out, err := t.sendSigned(ctx, endpoint, body, class)
	if errors.Is(err, apperrors.ErrNonceConflict) {
		t.logger.Warn("nonce rejected by exchange, retrying once with fresh nonce",
			"endpoint", endpoint)
		out, err = t.sendSigned(ctx, endpoint, body, class)
	}

	span.SetAttributes(attribute.Bool("error", err != nil))
	return out, err
}

// gate applies the limiter and breaker in spec order and returns the class.
func (t *Transport) gate(ctx context.Context, endpoint string) (EndpointClass, error) {
	class := t.limiter.Classify(trimQuery(endpoint))

	if t.rt == nil || t.rt.Bool(config.KeyRateLimitEnabled) {
		var err error
		class, err = t.limiter.Acquire(ctx, trimQuery(endpoint))
		if err != nil {
			return class, err
		}
	}

	if t.rt == nil || t.rt.Bool(config.KeyCBEnabled) {
		if err := t.breaker.Allow(trimQuery(endpoint)); err != nil {
			return class, err
		}
	}
	return class, nil
}

// sendSigned executes one signed attempt: fresh nonce, fresh signature.
func (t *Transport) sendSigned(ctx context.Context, endpoint string, body []byte, class EndpointClass) ([]byte, error) {
	headers, err := t.signer.RestHeaders(endpoint, body, V2)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v2/"+endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	return t.finish(ctx, endpoint, class, resp, err, start)
}

// finish converts the HTTP outcome into body bytes or a typed error, and
// feeds the breaker and limiter with the result.
func (t *Transport) finish(ctx context.Context, endpoint string, class EndpointClass, resp *http.Response, err error, start time.Time) ([]byte, error) {
	path := trimQuery(endpoint)
	if t.metrics != nil {
		t.metrics.RecordRESTLatency(ctx, string(class), float64(time.Since(start).Milliseconds()))
	}

	if err != nil {
		t.breaker.RecordFailure(path, 0)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		t.breaker.RecordFailure(path, 0)
		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrTransport, readErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		t.limiter.RecordFailure(class)
		t.breaker.RecordFailure(path, retryAfter)
		return nil, &apperrors.RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= 400:
		// The exchange reports application errors as ["error", CODE, "text"]
		// under both 4xx and 5xx statuses (nonce rejections arrive as 500).
		// A parseable error body means the exchange itself answered, so the
		// transport is healthy; an opaque 5xx is a real outage signal.
		if exchErr := exchangeErrorFromBody(body); exchErr != nil {
			t.breaker.RecordSuccess(path)
			t.limiter.RecordSuccess(class)
			return nil, exchErr
		}
		if resp.StatusCode >= 500 {
			t.breaker.RecordFailure(path, parseRetryAfter(resp.Header.Get("Retry-After")))
			return nil, fmt.Errorf("%w: server status %d: %s", apperrors.ErrTransport, resp.StatusCode, truncate(body, 200))
		}
		t.breaker.RecordSuccess(path)
		t.limiter.RecordSuccess(class)
		return nil, &apperrors.ExchangeError{Code: int64(resp.StatusCode), Message: truncate(body, 200)}
	}

	t.breaker.RecordSuccess(path)
	t.limiter.RecordSuccess(class)
	return body, nil
}

// exchangeErrorFromBody parses the v2 error shape ["error", CODE, "text"],
// returning nil when the body is not that shape.
func exchangeErrorFromBody(body []byte) error {
	arr, err := decodeArray(body)
	if err != nil || len(arr) < 3 || strAt(arr, 0) != "error" {
		return nil
	}
	code := intAt(arr, 1)
	if code == nonceTooSmallCode {
		return fmt.Errorf("%w: %s", apperrors.ErrNonceConflict,
			(&apperrors.ExchangeError{Code: code, Message: strAt(arr, 2)}).Error())
	}
	return &apperrors.ExchangeError{Code: code, Message: strAt(arr, 2)}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (t *Transport) startSpan(ctx context.Context, method, endpoint string, class EndpointClass) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, method+" /v2/"+trimQuery(endpoint))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("bfx.endpoint", trimQuery(endpoint)),
		attribute.String("bfx.class", string(class)),
	)
	return ctx, span
}

func trimQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
