package authbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksRefreshInterval matches §4.9: "refreshed every 5 minutes".
const jwksRefreshInterval = 5 * time.Minute

// JWKSValidator validates bearer tokens locally against the broker's own
// JWKS instead of round-tripping to /oauth/userinfo for every request.
// Caches a single jwk.Set behind a sync.RWMutex and refetches it once the
// refresh interval has passed.
type JWKSValidator struct {
	jwksURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
}

// NewJWKSValidator builds a validator pointed at a broker's JWKS endpoint.
func NewJWKSValidator(jwksURL string, httpClient *http.Client) *JWKSValidator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JWKSValidator{jwksURL: jwksURL, httpClient: httpClient}
}

func (v *JWKSValidator) currentSet(ctx context.Context) (jwk.Set, error) {
	v.mu.RLock()
	if v.set != nil && time.Since(v.fetchedAt) < jwksRefreshInterval {
		set := v.set
		v.mu.RUnlock()
		return set, nil
	}
	v.mu.RUnlock()

	set, err := jwk.Fetch(ctx, v.jwksURL, jwk.WithHTTPClient(v.httpClient))
	if err != nil {
		return nil, fmt.Errorf("fetch broker jwks: %w", err)
	}

	v.mu.Lock()
	v.set = set
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return set, nil
}

// ValidatedClaims is the subset of a validated token this host needs.
type ValidatedClaims struct {
	Subject string
}

// Validate parses and verifies a bearer token against the broker's JWKS.
// Signing algorithm is fixed to ES256 and audience validation is disabled,
// matching §4.9's contract.
func (v *JWKSValidator) Validate(ctx context.Context, bearer string) (ValidatedClaims, error) {
	set, err := v.currentSet(ctx)
	if err != nil {
		return ValidatedClaims{}, err
	}

	msg, err := jws.Parse([]byte(bearer))
	if err != nil {
		return ValidatedClaims{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	for _, sig := range msg.Signatures() {
		if alg := sig.ProtectedHeaders().Algorithm(); alg != supportedAlg {
			return ValidatedClaims{}, fmt.Errorf("%w: unsupported signing algorithm %s", ErrAuth, alg)
		}
	}

	token, err := jwt.Parse([]byte(bearer),
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.InferAlgorithmFromKey(true),
	)
	if err != nil {
		return ValidatedClaims{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if token.Subject() == "" {
		return ValidatedClaims{}, fmt.Errorf("%w: token missing subject", ErrAuth)
	}

	return ValidatedClaims{Subject: token.Subject()}, nil
}

// supportedAlg documents the fixed algorithm this validator accepts; kept
// as a value (not just a comment) so it's visible to anything that wants
// to assert it.
var supportedAlg = jwa.ES256

// MarshalPublicJWKS is unused by Validate but kept for admins that expose
// this host's own keys the same way dpop.GenerateKey's public half would be
// published.
func MarshalPublicJWKS(keys ...jwk.Key) (json.RawMessage, error) {
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}
