// Package cloud defines the static profiles for the supported Azure
// environments. A profile bundles the identity authority, the service hosts
// and the per-service token audiences for one cloud. Profiles are fixed at
// compile time and resolved by identifier; nothing here mutates after init.
package cloud

import (
	"fmt"
	"strings"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"golang.org/x/oauth2"
)

// ServiceKind identifies one downstream service class.
type ServiceKind string

const (
	ServiceResourceGraph  ServiceKind = "resource_graph"
	ServiceLogQuery       ServiceKind = "log_query"
	ServiceModelInference ServiceKind = "model_inference"
)

// Profile describes the endpoints and audiences of one cloud environment.
type Profile struct {
	ID             string // "commercial" or "government"
	AuthorityHost  string // identity provider host
	ManagementHost string // ARM / Resource Graph host
	LogQueryHost   string // Log Analytics query host

	ResourceGraphAudience  string
	LogQueryAudience       string
	ModelInferenceAudience string
}

var profiles = map[string]Profile{
	"commercial": {
		ID:                     "commercial",
		AuthorityHost:          "login.microsoftonline.com",
		ManagementHost:         "management.azure.com",
		LogQueryHost:           "api.loganalytics.io",
		ResourceGraphAudience:  "https://management.azure.com",
		LogQueryAudience:       "https://api.loganalytics.io",
		ModelInferenceAudience: "https://cognitiveservices.azure.com",
	},
	"government": {
		ID:                     "government",
		AuthorityHost:          "login.microsoftonline.us",
		ManagementHost:         "management.usgovcloudapi.net",
		LogQueryHost:           "api.loganalytics.us",
		ResourceGraphAudience:  "https://management.usgovcloudapi.net",
		LogQueryAudience:       "https://api.loganalytics.us",
		ModelInferenceAudience: "https://cognitiveservices.azure.us",
	},
}

// Resolve looks up the profile for a cloud identifier.
func Resolve(id string) (Profile, error) {
	profile, ok := profiles[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Profile{}, gwerrors.Configuration("resolve_cloud_profile",
			fmt.Errorf("unsupported cloud identifier %q", id))
	}
	return profile, nil
}

// IDs returns the supported cloud identifiers.
func IDs() []string {
	return []string{"commercial", "government"}
}

// AudienceFor returns the token audience for a service kind.
func (p Profile) AudienceFor(kind ServiceKind) (string, error) {
	switch kind {
	case ServiceResourceGraph:
		return p.ResourceGraphAudience, nil
	case ServiceLogQuery:
		return p.LogQueryAudience, nil
	case ServiceModelInference:
		return p.ModelInferenceAudience, nil
	default:
		return "", gwerrors.Configuration("resolve_audience",
			fmt.Errorf("unknown service kind %q", kind))
	}
}

// Audiences returns every audience this profile may issue tokens for.
func (p Profile) Audiences() []string {
	return []string{p.ResourceGraphAudience, p.LogQueryAudience, p.ModelInferenceAudience}
}

// Allows reports whether an audience belongs to this profile. Tokens are only
// ever exchanged for audiences the profile allows; this is the guard that
// keeps commercial and government scopes from mixing. An empty audience is
// never allowed.
func (p Profile) Allows(audience string) bool {
	if audience == "" {
		return false
	}
	for _, a := range p.Audiences() {
		if a == audience {
			return true
		}
	}
	return false
}

// IssuerURL returns the OIDC issuer for a tenant in this cloud.
func (p Profile) IssuerURL(tenantID string) string {
	return fmt.Sprintf("https://%s/%s/v2.0", p.AuthorityHost, tenantID)
}

// TokenURL returns the token endpoint for a tenant in this cloud.
func (p Profile) TokenURL(tenantID string) string {
	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", p.AuthorityHost, tenantID)
}

// Endpoint returns the oauth2 endpoint for a tenant in this cloud.
func (p Profile) Endpoint(tenantID string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize", p.AuthorityHost, tenantID),
		TokenURL: p.TokenURL(tenantID),
	}
}

// HostFor returns the request host for a service kind. Model inference has no
// profile-level host: its endpoint is deployment-specific configuration.
func (p Profile) HostFor(kind ServiceKind) (string, error) {
	switch kind {
	case ServiceResourceGraph:
		return p.ManagementHost, nil
	case ServiceLogQuery:
		return p.LogQueryHost, nil
	case ServiceModelInference:
		return "", nil
	default:
		return "", gwerrors.Configuration("resolve_host",
			fmt.Errorf("unknown service kind %q", kind))
	}
}
