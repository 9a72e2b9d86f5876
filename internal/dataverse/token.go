package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultLoginURL is the Microsoft Entra ID endpoint used for the
// client-credentials exchange.
const DefaultLoginURL = "https://login.microsoftonline.com"

// DefaultRefreshMargin is how long before expiry a token is considered
// stale and exchanged for a fresh one.
const DefaultRefreshMargin = 60 * time.Second

// defaultExchangeTimeout bounds a single token exchange call.
const defaultExchangeTimeout = 30 * time.Second

// TokenState is a cached bearer token. Components other than the
// Authenticator treat it as opaque apart from the token string itself.
type TokenState struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable at least until now+margin.
func (t TokenState) Valid(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// AuthenticatorConfig tunes the Authenticator. Zero values select defaults.
type AuthenticatorConfig struct {
	// LoginURL overrides the token endpoint base (tests point this at a
	// local server).
	LoginURL string

	// RefreshMargin is the safety window before expiry.
	RefreshMargin time.Duration

	// HTTPClient overrides the client used for the exchange call.
	HTTPClient *http.Client
}

// Authenticator exchanges credentials for bearer tokens via the OAuth2
// client-credentials flow and caches the result until it nears expiry.
//
// It performs no retries; a failed exchange is an AuthError and retry
// policy belongs to the caller.
type Authenticator struct {
	creds    Credentials
	loginURL string
	margin   time.Duration
	client   *http.Client

	// now is swapped out in tests.
	now func() time.Time

	mu        sync.Mutex
	current   TokenState
	exchanges int
}

// NewAuthenticator creates an Authenticator for the given credentials.
func NewAuthenticator(creds Credentials, cfg AuthenticatorConfig) *Authenticator {
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultExchangeTimeout}
	}

	return &Authenticator{
		creds:    creds,
		loginURL: strings.TrimRight(loginURL, "/"),
		margin:   margin,
		client:   client,
		now:      time.Now,
	}
}

// Token returns a valid bearer token, reusing the cached one while it is
// still fresh (expiry beyond now + refresh margin) and exchanging
// credentials otherwise.
func (a *Authenticator) Token(ctx context.Context) (TokenState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current.Valid(a.now(), a.margin) {
		return a.current, nil
	}

	state, err := a.exchange(ctx)
	if err != nil {
		return TokenState{}, err
	}
	a.current = state
	return state, nil
}

// Exchanges returns how many exchange calls have been made. Used to verify
// token reuse across batches.
func (a *Authenticator) Exchanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchanges
}

// tokenResponse is the subset of the token endpoint response we use.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchange performs the client-credentials POST. Caller holds a.mu.
func (a *Authenticator) exchange(ctx context.Context) (TokenState, error) {
	if !a.creds.Valid() {
		return TokenState{}, &AuthError{Detail: "incomplete credentials"}
	}

	a.exchanges++

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", a.loginURL, a.creds.TenantID())
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.creds.ClientID()},
		"client_secret": {a.creds.clientSecret},
		"scope":         {a.creds.EnvironmentURL() + "/.default"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenState{}, &AuthError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		// An unreachable login endpoint is fatal for the job, not transient.
		return TokenState{}, &AuthError{Detail: fmt.Sprintf("token endpoint unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenState{}, &AuthError{Detail: fmt.Sprintf("read token response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return TokenState{}, &AuthError{
			StatusCode: resp.StatusCode,
			Detail:     truncate(string(body), 512),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenState{}, &AuthError{Detail: fmt.Sprintf("decode token response: %v", err)}
	}
	if tr.AccessToken == "" {
		return TokenState{}, &AuthError{Detail: "token response missing access_token"}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return TokenState{
		AccessToken: tr.AccessToken,
		ExpiresAt:   a.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// truncate limits error detail captured from response bodies.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
