package client

import (
	"strings"
)

// Endpoint identifies the backend instance. It is fixed for the lifetime of a Manager.
type Endpoint struct {
	Address string
	UseTLS  bool
}

func newEndpoint(address string, useTLS bool) (Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Endpoint{}, constructionErrorf("endpoint address must not be empty")
	}
	return Endpoint{Address: address, UseTLS: useTLS}, nil
}

// Credential is the bearer token attached to every outgoing call.
// Values are never mutated; rotation swaps the whole Credential.
type Credential struct {
	token string
}

// NewBearerCredential wraps a bearer token.
func NewBearerCredential(token string) Credential {
	return Credential{token: token}
}

// Token returns the raw bearer token.
func (c Credential) Token() string {
	return c.token
}

// authorizationValue is the value of the authorization metadata entry, or "" for an empty token.
func (c Credential) authorizationValue() string {
	if c.token == "" {
		return ""
	}
	return "Bearer " + c.token
}

// String redacts the token so credentials can be logged safely.
func (c Credential) String() string {
	if c.token == "" {
		return "Credential(<empty>)"
	}
	return "Credential(<redacted>)"
}
