package bitfinex

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// APIVersion selects the header scheme for signed REST requests.
type APIVersion int

const (
	// V2 is the current Bitfinex REST API (bfx-* headers).
	V2 APIVersion = iota
	// V1 is the legacy API (X-BFX-* headers, base64 payload).
	V1
)

// AuthMessage is the WebSocket authentication event sent as the first frame
// on an authenticated socket.
type AuthMessage struct {
	Event       string `json:"event"`
	APIKey      string `json:"apiKey"`
	AuthSig     string `json:"authSig"`
	AuthNonce   int64  `json:"authNonce"`
	AuthPayload string `json:"authPayload"`
	DMS         int    `json:"dms,omitempty"`
	Filter      any    `json:"filter,omitempty"`
}

// Signer produces authentication material for REST and WebSocket calls from
// a single credential pair. All REST nonces for the pair flow through one
// NonceSource bucket keyed by a digest of the API key, so rotating the
// secret does not reset the sequence.
type Signer struct {
	apiKey string
	secret []byte
	keyID  string
	nonces *NonceSource
}

// NewSigner builds a signer for the given credentials. Empty credentials are
// allowed; signing calls then fail with ErrAuthNotConfigured so public-only
// deployments degrade cleanly.
func NewSigner(cfg config.BitfinexConfig, nonces *NonceSource) *Signer {
	key := cfg.APIKey.Reveal()
	return &Signer{
		apiKey: key,
		secret: []byte(cfg.SecretKey.Reveal()),
		keyID:  keyDigest(key),
		nonces: nonces,
	}
}

// Configured reports whether both credentials are present.
func (s *Signer) Configured() bool {
	return s.apiKey != "" && len(s.secret) > 0
}

// KeyID returns the nonce bucket label for this credential pair.
func (s *Signer) KeyID() string {
	return s.keyID
}

// RestHeaders returns the authentication headers for a signed REST call.
// endpoint is the path without the version prefix, e.g. "auth/r/wallets".
// For v2 the signed message is "/api/v2/" + endpoint + nonce + body.
func (s *Signer) RestHeaders(endpoint string, body []byte, version APIVersion) (map[string]string, error) {
	if !s.Configured() {
		return nil, apperrors.ErrAuthNotConfigured
	}
	nonce := s.nonces.Next(s.keyID)
	return s.restHeadersAt(endpoint, body, nonce, version)
}

// restHeadersAt is the deterministic core of RestHeaders, split out so tests
// can pin the nonce.
func (s *Signer) restHeadersAt(endpoint string, body []byte, nonce int64, version APIVersion) (map[string]string, error) {
	nonceStr := strconv.FormatInt(nonce, 10)

	if version == V1 {
		// v1 folds the nonce into the JSON payload and signs its base64 form.
		var fields map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, fmt.Errorf("invalid v1 request body: %w", err)
			}
		} else {
			fields = make(map[string]any)
		}
		fields["request"] = "/v1/" + endpoint
		fields["nonce"] = nonceStr

		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		payload := base64.StdEncoding.EncodeToString(encoded)
		return map[string]string{
			"X-BFX-APIKEY":    s.apiKey,
			"X-BFX-PAYLOAD":   payload,
			"X-BFX-SIGNATURE": s.sign(payload),
		}, nil
	}

	msg := "/api/v2/" + endpoint + nonceStr + string(body)
	return map[string]string{
		"bfx-apikey":    s.apiKey,
		"bfx-nonce":     nonceStr,
		"bfx-signature": s.sign(msg),
	}, nil
}

// WSAuthPayload builds the auth event for an authenticated WebSocket. The
// nonce is milliseconds and the signed payload is "AUTH" + nonce. dms arms
// the server-side dead man switch (flag value 4 per the v2 protocol).
func (s *Signer) WSAuthPayload(dms bool) (*AuthMessage, error) {
	if !s.Configured() {
		return nil, apperrors.ErrAuthNotConfigured
	}
	return s.wsAuthPayloadAt(s.nonces.NextMS(s.keyID), dms), nil
}

func (s *Signer) wsAuthPayloadAt(nonceMS int64, dms bool) *AuthMessage {
	payload := "AUTH" + strconv.FormatInt(nonceMS, 10)
	msg := &AuthMessage{
		Event:       "auth",
		APIKey:      s.apiKey,
		AuthSig:     s.sign(payload),
		AuthNonce:   nonceMS,
		AuthPayload: payload,
	}
	if dms {
		msg.DMS = 4
	}
	return msg
}

// sign returns the lowercase hex HMAC-SHA384 of msg under the secret key.
func (s *Signer) sign(msg string) string {
	mac := hmac.New(sha512.New384, s.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// keyDigest derives a short stable identifier from an API key for nonce
// bucketing and logs, without exposing the key itself.
func keyDigest(apiKey string) string {
	if apiKey == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:6])
}
