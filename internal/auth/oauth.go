package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubUser holds the slice of GitHub's /user API response that the lab
// actually stores. The real response is dozens of fields; unmarshalling into
// this struct silently drops everything else, which is exactly what we want.
//
// GitHub API docs: https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type GitHubUser struct {
	ID        int64  `json:"id"`         // GitHub's numeric user ID — stable across username changes
	Login     string `json:"login"`      // GitHub username, shown in the editor header
	Email     string `json:"email"`      // Primary email (empty if the user hides it on GitHub)
	AvatarURL string `json:"avatar_url"` // Profile picture URL
}

// GitHubProvider wraps golang.org/x/oauth2 for GitHub's Authorization Code flow,
// the only sign-in method the lab supports besides anonymous use.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW, AS THE LAB USES IT:
// 1. GET /auth/github redirects the browser to GitHub's authorization page
//    with our ClientID and the requested scopes.
// 2. The user approves (or denies) the request on GitHub.
// 3. GitHub redirects back to our callback URL with a short-lived "code".
// 4. The callback handler calls Exchange below: code → access token,
//    then access token → GitHub profile.
// 5. The handler upserts the user and sets a JWT cookie; the GitHub token
//    is discarded — we never call GitHub again on the user's behalf.
//
// WHY SERVER-SIDE EXCHANGE?
// The code-for-token exchange happens server-to-server, authenticated with
// our ClientSecret. The GitHub access token never reaches the browser, unlike
// the legacy implicit flow where tokens ride in the redirect URL.
type GitHubProvider struct {
	config *oauth2.Config
}

// NewGitHubProvider creates a GitHubProvider from OAuth App credentials.
//
// The credentials come from registering an OAuth App at:
// https://github.com/settings/developers → "OAuth Apps" → "New OAuth App"
// and reach us through the GITHUB_CLIENT_ID / GITHUB_CLIENT_SECRET env vars
// (see config.Load). When either is empty, the server runs anonymous-only
// and never constructs a provider.
//
// callbackURL must exactly match the "Authorization callback URL" registered
// with GitHub, e.g. "http://localhost:8080/auth/github/callback".
//
// Scopes we request:
//   - "read:user" — the public profile (ID, login, avatar)
//   - "user:email" — the user's email addresses
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint, // pre-defined GitHub OAuth endpoints
		},
	}
}

// AuthURL returns GitHub's authorization URL for the given state.
//
// STATE PARAMETER:
// The state is a random value the login handler drops into a short-lived
// cookie before redirecting. The callback handler compares GitHub's echoed
// state against that cookie and rejects a mismatch. Without this check, an
// attacker could trick a victim's browser into completing an OAuth flow for
// the ATTACKER's account — classic login CSRF.
//
// We generate the state with rs/xid, same as snippet IDs: random enough to
// be unguessable within the cookie's lifetime.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the OAuth flow: trades the authorization code for a
// GitHub profile. It does the two server-to-server calls — code → token,
// token → /user — so the callback handler only has to deal in GitHubUsers.
//
// ctx bounds both HTTP calls; the callback handler passes the request context
// so an abandoned callback doesn't leave a call to GitHub in flight.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*GitHubUser, error) {
	// Code → access token. A POST to GitHub's token endpoint, authenticated
	// with our ClientSecret, scoped to the permissions requested in AuthURL.
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	// Token → profile. oauth2.Config.Client returns an *http.Client that
	// stamps "Authorization: Bearer <token>" onto every request it sends.
	client := p.config.Client(ctx, oauthToken)

	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, fmt.Errorf("auth: calling GitHub /user API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: GitHub /user API returned status %d", resp.StatusCode)
	}

	var ghUser GitHubUser
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("auth: decoding GitHub /user response: %w", err)
	}

	if ghUser.ID == 0 {
		return nil, fmt.Errorf("auth: GitHub returned an invalid user (ID = 0)")
	}

	return &ghUser, nil
}
