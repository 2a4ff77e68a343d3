package bitfinex

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	ns, err := NewNonceSource(filepath.Join(t.TempDir(), "nonce.json"))
	require.NoError(t, err)
	return NewSigner(config.BitfinexConfig{
		APIKey:    config.Secret("test-api-key"),
		SecretKey: config.Secret("test-secret-key"),
	}, ns)
}

// Vector generated with openssl dgst -sha384 -hmac against the v2 message
// "/api/v2/auth/r/wallets" + nonce + "{}".
func TestRestHeadersV2KnownVector(t *testing.T) {
	s := testSigner(t)

	headers, err := s.restHeadersAt("auth/r/wallets", []byte("{}"), 1700000000000000, V2)
	require.NoError(t, err)

	assert.Equal(t, "test-api-key", headers["bfx-apikey"])
	assert.Equal(t, "1700000000000000", headers["bfx-nonce"])
	assert.Equal(t,
		"4b13bf248d86aecf89ef8acff94b411d103f3b84d4b61067d3c60003f9cadb6fbae3a1d8a576f732dc7723d78c402e23",
		headers["bfx-signature"])
}

func TestRestHeadersBodyChangesSignature(t *testing.T) {
	s := testSigner(t)

	h1, err := s.restHeadersAt("auth/w/order/submit", []byte(`{"amount":"0.01"}`), 42, V2)
	require.NoError(t, err)
	h2, err := s.restHeadersAt("auth/w/order/submit", []byte(`{"amount":"0.02"}`), 42, V2)
	require.NoError(t, err)

	assert.NotEqual(t, h1["bfx-signature"], h2["bfx-signature"])
	assert.Len(t, h1["bfx-signature"], 96, "hex HMAC-SHA384 is 96 chars")
}

func TestRestHeadersNonceAdvances(t *testing.T) {
	s := testSigner(t)

	h1, err := s.RestHeaders("auth/r/wallets", []byte("{}"), V2)
	require.NoError(t, err)
	h2, err := s.RestHeaders("auth/r/wallets", []byte("{}"), V2)
	require.NoError(t, err)

	n1, err := strconv.ParseInt(h1["bfx-nonce"], 10, 64)
	require.NoError(t, err)
	n2, err := strconv.ParseInt(h2["bfx-nonce"], 10, 64)
	require.NoError(t, err)
	assert.Less(t, n1, n2)
}

func TestRestHeadersV1Payload(t *testing.T) {
	s := testSigner(t)

	headers, err := s.restHeadersAt("order/new", []byte(`{"symbol":"btcusd"}`), 77, V1)
	require.NoError(t, err)

	assert.Equal(t, "test-api-key", headers["X-BFX-APIKEY"])
	assert.NotEmpty(t, headers["X-BFX-SIGNATURE"])

	decoded, err := base64.StdEncoding.DecodeString(headers["X-BFX-PAYLOAD"])
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(decoded, &fields))
	assert.Equal(t, "/v1/order/new", fields["request"])
	assert.Equal(t, "77", fields["nonce"])
	assert.Equal(t, "btcusd", fields["symbol"])
}

// Vector generated with openssl dgst -sha384 -hmac against "AUTH" + nonce.
func TestWSAuthPayloadKnownVector(t *testing.T) {
	s := testSigner(t)

	msg := s.wsAuthPayloadAt(1700000000123, false)
	assert.Equal(t, "auth", msg.Event)
	assert.Equal(t, "test-api-key", msg.APIKey)
	assert.Equal(t, int64(1700000000123), msg.AuthNonce)
	assert.Equal(t, "AUTH1700000000123", msg.AuthPayload)
	assert.Equal(t,
		"0dd1769ebc3bb58a16c40a4d5eaea53609665f02900f2527fe7c1ebc729b441c9448b22679a3f2f80340c11624fa1ea1",
		msg.AuthSig)
	assert.Zero(t, msg.DMS)

	armed := s.wsAuthPayloadAt(1700000000123, true)
	assert.Equal(t, 4, armed.DMS)
}

func TestSignerNotConfigured(t *testing.T) {
	ns, err := NewNonceSource(filepath.Join(t.TempDir(), "nonce.json"))
	require.NoError(t, err)
	s := NewSigner(config.BitfinexConfig{}, ns)

	assert.False(t, s.Configured())

	_, err = s.RestHeaders("auth/r/wallets", []byte("{}"), V2)
	assert.ErrorIs(t, err, apperrors.ErrAuthNotConfigured)

	_, err = s.WSAuthPayload(false)
	assert.ErrorIs(t, err, apperrors.ErrAuthNotConfigured)
}
