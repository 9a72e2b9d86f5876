// Package dataverse is the thin request layer for the Dataverse Web API.
// It covers authentication (client-credentials OAuth2) and single-record
// OptionSet operations. Batching, retries, and duplicate detection live in
// internal/core — this package issues exactly one remote call per invocation.
package dataverse

import "strings"

// Credentials holds the four connection secrets for a Dataverse environment.
// Values are fixed at construction; the zero value is unusable.
type Credentials struct {
	clientID       string
	clientSecret   string
	tenantID       string
	environmentURL string
}

// NewCredentials builds a credential set. The environment URL is normalized
// to have no trailing slash so it can be joined with API paths directly.
func NewCredentials(clientID, clientSecret, tenantID, environmentURL string) Credentials {
	return Credentials{
		clientID:       clientID,
		clientSecret:   clientSecret,
		tenantID:       tenantID,
		environmentURL: strings.TrimRight(environmentURL, "/"),
	}
}

// Valid reports whether all four secrets are present.
func (c Credentials) Valid() bool {
	return c.clientID != "" && c.clientSecret != "" && c.tenantID != "" && c.environmentURL != ""
}

// ClientID returns the application (client) ID.
func (c Credentials) ClientID() string { return c.clientID }

// TenantID returns the directory (tenant) ID.
func (c Credentials) TenantID() string { return c.tenantID }

// EnvironmentURL returns the environment base URL without a trailing slash.
func (c Credentials) EnvironmentURL() string { return c.environmentURL }

// String returns a masked representation safe for logging.
func (c Credentials) String() string {
	return "Credentials{ClientID: " + c.clientID + ", TenantID: " + c.tenantID +
		", EnvironmentURL: " + c.environmentURL + ", ClientSecret: [MASKED]}"
}
