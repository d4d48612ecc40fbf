package config

import "fmt"

// ProviderConfig describes the enterprise identity provider this service
// is a relying party of. The issuer must be the v2 endpoint for the
// configured tenant; tokens minted against the legacy v1 issuer are
// rejected by the token validator.
type ProviderConfig interface {
	GetTenantID() string
	GetClientID() string
	GetClientSecret() string
	GetIssuer() string
	GetAudience() string
	GetJWKSURL() string
}

type Provider struct{}

var _ ProviderConfig = Provider{}

func (Provider) GetTenantID() string {
	return GetEnv("PROVIDER_TENANT_ID", "")
}

func (Provider) GetClientID() string {
	return GetEnv("PROVIDER_CLIENT_ID", "")
}

func (Provider) GetClientSecret() string {
	return GetEnv("PROVIDER_CLIENT_SECRET", "")
}

// GetIssuer derives the v2 issuer for the tenant unless explicitly
// overridden with PROVIDER_ISSUER.
func (p Provider) GetIssuer() string {
	if issuer := GetEnv("PROVIDER_ISSUER", ""); issuer != "" {
		return issuer
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", p.GetTenantID())
}

// GetAudience is this application's registered identifier at the provider.
// Defaults to the client id, which is how the provider stamps the aud
// claim on id tokens.
func (p Provider) GetAudience() string {
	if aud := GetEnv("PROVIDER_AUDIENCE", ""); aud != "" {
		return aud
	}
	return p.GetClientID()
}

// GetJWKSURL optionally pins the signing-key endpoint. When empty the
// validator discovers it from the issuer's well-known document.
func (Provider) GetJWKSURL() string {
	return GetEnv("PROVIDER_JWKS_URL", "")
}
