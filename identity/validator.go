package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-identity-broker/internal/errors"
)

// legacyIssuerPrefix is the v1 issuer format some older provider
// configurations still mint against. Those tokens are rejected outright.
const legacyIssuerPrefix = "https://sts.windows.net/"

// Validator verifies provider-issued bearer tokens: signature against the
// provider's published keys, exact v2 issuer, audience and expiry, in
// that order. Signing keys are cached and refreshed by the jwk cache
// according to the endpoint's rotation headers, not re-fetched per
// request. Validation itself is side-effect-free and safe to run
// concurrently across requests.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string

	jwksCache  *jwk.Cache
	httpClient *http.Client
	nowTime    func() time.Time

	jwksRegistered     bool
	jwksRegistrationMu sync.Mutex
}

// ValidatorOption modifies a Validator.
type ValidatorOption func(*Validator)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.nowTime = nowFunc
	}
}

// WithHTTPClient sets the client used for discovery and key fetches.
func WithHTTPClient(client *http.Client) ValidatorOption {
	return func(v *Validator) {
		v.httpClient = client
	}
}

// NewValidator creates a Validator for the given issuer and audience.
// When jwksURL is empty it is discovered from the issuer's well-known
// OpenID configuration document.
func NewValidator(ctx context.Context, issuer, audience, jwksURL string, options ...ValidatorOption) (*Validator, error) {
	if issuer == "" {
		return nil, fmt.Errorf("[NewValidator] issuer is required")
	}
	if audience == "" {
		return nil, fmt.Errorf("[NewValidator] audience is required")
	}

	v := &Validator{
		issuer:   issuer,
		audience: audience,
		jwksURL:  jwksURL,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(v)
	}
	if v.httpClient == nil {
		v.httpClient = http.DefaultClient
	}

	if v.jwksURL == "" {
		jwksURL, err := discoverJWKSURL(ctx, v.httpClient, issuer)
		if err != nil {
			return nil, fmt.Errorf("[NewValidator] %w", err)
		}
		v.jwksURL = jwksURL
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(v.httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("[NewValidator] failed to create JWKS cache: %w", err)
	}
	v.jwksCache = cache

	return v, nil
}

// Validate checks the raw bearer token and returns the Identity it
// asserts. Failure order: signature, issuer, audience, expiry.
func (v *Validator) Validate(ctx context.Context, rawToken string) (Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Identity{}, errors.ErrInvalidToken
	}

	// Claims are validated explicitly below so each check maps onto its
	// own error; the parser only verifies the signature here.
	token, err := jwtlib.ParseWithClaims(rawToken, jwtlib.MapClaims{},
		func(token *jwtlib.Token) (any, error) {
			return v.verificationKey(ctx, token)
		},
		jwtlib.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenMalformed) {
			return Identity{}, errors.Wrapf(errors.ErrInvalidToken, "malformed token")
		}
		log.Debug().Err(err).Msg("token signature verification failed")
		return Identity{}, errors.ErrSignatureInvalid
	}
	if !token.Valid {
		return Identity{}, errors.ErrSignatureInvalid
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return Identity{}, errors.Wrapf(errors.ErrInvalidToken, "error extracting claims")
	}

	if err := v.validateClaims(claims); err != nil {
		return Identity{}, err
	}

	id, err := identityFromClaims(claims)
	if err != nil {
		return Identity{}, errors.Wrapf(errors.ErrInvalidToken, "%s", err.Error())
	}
	return id, nil
}

func (v *Validator) validateClaims(claims jwtlib.MapClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return errors.ErrIssuerMismatch
	}
	if strings.TrimSpace(issuer) != v.issuer {
		if strings.HasPrefix(issuer, legacyIssuerPrefix) {
			log.Warn().Str("issuer", issuer).Msg("rejected token minted against legacy v1 issuer")
		}
		return errors.ErrIssuerMismatch
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return errors.ErrAudienceMismatch
	}
	found := false
	for _, aud := range audiences {
		if aud == v.audience {
			found = true
			break
		}
	}
	if !found {
		return errors.ErrAudienceMismatch
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || expiry.Before(v.nowTime()) {
		return errors.ErrTokenExpired
	}

	return nil
}

// verificationKey resolves the signing key for a token from the cached
// provider key set.
func (v *Validator) verificationKey(ctx context.Context, token *jwtlib.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwtlib.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first
// use, so constructing a Validator never blocks on the network. A failed
// registration is retried on the next call rather than cached.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksCache.Register(registrationCtx, v.jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	v.jwksRegistered = true
	return nil
}

// discoverJWKSURL reads the issuer's well-known OpenID configuration and
// returns its jwks_uri.
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	wellKnownURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("OIDC discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("OIDC configuration missing jwks_uri")
	}
	return doc.JWKSURI, nil
}
