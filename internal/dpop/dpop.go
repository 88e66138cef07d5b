// Package dpop implements RFC 9449 Demonstrating Proof-of-Possession:
// per-request signed JWTs binding a bearer access token to a caller-held
// ES256 key. Proofs can carry a server nonce; the one-time retry on a nonce
// challenge is done by internal/pdsclient's transport, not by this package.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// proofLifetime bounds how long a single proof JWT is valid for (§4.3).
const proofLifetime = 300 * time.Second

// GenerateKey creates a fresh ES256 (P-256) keypair for a PDS session.
func GenerateKey() (jwk.Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA key: %w", err)
	}

	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("jwk from private key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("set algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("set key usage: %w", err)
	}
	return key, nil
}

// Proof builds and signs a DPoP proof JWT for one HTTP request.
//
// nonce and accessToken are both optional: the first proof of a call
// carries no nonce, and a proof that isn't binding an access token (e.g.
// at the auth broker's token endpoint) omits ath.
func Proof(key jwk.Key, method, url, nonce, accessToken string) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}

	now := time.Now()
	builder := jwt.NewBuilder().
		Claim("jti", uuid.NewString()).
		Claim("htm", strings.ToUpper(method)).
		Claim("htu", url).
		Claim("iat", now.Unix()).
		Claim("exp", now.Add(proofLifetime).Unix())

	if accessToken != "" {
		builder = builder.Claim("ath", hashAccessToken(accessToken))
	}
	if nonce != "" {
		builder = builder.Claim("nonce", nonce)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build claims: %w", err)
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("set alg header: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", fmt.Errorf("set typ header: %w", err)
	}
	if err := headers.Set(jws.JWKKey, pub); err != nil {
		return "", fmt.Errorf("set jwk header: %w", err)
	}

	// jws.Sign (not jwt.Sign) is used deliberately: jwt.Sign overwrites the
	// protected headers we just built, dropping the embedded public jwk.
	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	return string(signed), nil
}

func hashAccessToken(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ParseJWK parses a JWK from its JSON representation.
func ParseJWK(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	return key, nil
}

// MarshalJWK serializes a JWK back to JSON.
func MarshalJWK(key jwk.Key) ([]byte, error) {
	return json.Marshal(key)
}
