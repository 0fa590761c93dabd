package auth

// Scopes checked by the integration endpoints.
const (
	ScopeIntegrationsWrite = "integrations:write"
	ScopeIntegrationsRead  = "integrations:read"
	ScopeHealthRead        = "health:read"
)
