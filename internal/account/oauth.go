package account

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	oauthRedirectURI  = "http://localhost:8085/oauth/callback"
	oauthScope        = "https://www.googleapis.com/auth/cloud-platform openid email"
	oauthAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
)

// OAuthSession holds PKCE parameters for a pending manual OAuth flow.
type OAuthSession struct {
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state"`
}

// GenerateAuthURL creates a PKCE-secured authorization URL for manual
// browser-based Google OAuth, used to mint a new pooled account.
func GenerateAuthURL(clientID string) (authURL string, session OAuthSession, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", OAuthSession{}, fmt.Errorf("generate PKCE: %w", err)
	}
	state := generateState()

	params := url.Values{
		"client_id":             {clientID},
		"response_type":         {"code"},
		"redirect_uri":          {oauthRedirectURI},
		"scope":                 {oauthScope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}

	return oauthAuthorizeURL + "?" + params.Encode(), OAuthSession{
		CodeVerifier: verifier,
		State:        state,
	}, nil
}

// ExtractCodeFromCallback extracts the authorization code from a
// callback URL or raw code string.
func ExtractCodeFromCallback(callbackURL string) string {
	s := strings.TrimSpace(callbackURL)
	if s == "" {
		return ""
	}

	parsed, err := url.Parse(s)
	if err != nil || parsed.Scheme == "" {
		if i := strings.Index(s, "#"); i >= 0 {
			s = s[:i]
		}
		if i := strings.Index(s, "&"); i >= 0 {
			s = s[:i]
		}
		if i := strings.Index(s, "?"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimPrefix(s, "code=")
		return strings.TrimSpace(s)
	}
	if code := parsed.Query().Get("code"); code != "" {
		return code
	}
	return strings.TrimSpace(s)
}

// ExchangeCodeResult holds the tokens returned from an authorization
// code exchange.
type ExchangeCodeResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// ExchangeCode exchanges an authorization code for tokens at Google's
// token endpoint.
func ExchangeCode(ctx context.Context, tokenURL, clientID, clientSecret, code, verifier string) (*ExchangeCodeResult, error) {
	resp, err := exchangeCode(ctx, &http.Client{Timeout: 30 * time.Second}, tokenURL, clientID, clientSecret, code, verifier)
	if err != nil {
		return nil, err
	}
	return &ExchangeCodeResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
	}, nil
}

func exchangeCode(ctx context.Context, client *http.Client, tokenURL, clientID, clientSecret, code, verifier string) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     clientID,
		"client_secret": clientSecret,
		"code":          code,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": verifier,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token API returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	return &tokenResp, nil
}

type userInfoResponse struct {
	Email string `json:"email"`
}

// FetchEmailWithToken fetches the account email using an OAuth access
// token, used to auto-populate the account's display email after a
// manual OAuth code exchange.
func FetchEmailWithToken(ctx context.Context, accessToken string) (email string, err error) {
	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequestWithContext(ctx, "GET", "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo API returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse userinfo: %w", err)
	}
	return info.Email, nil
}

// --- PKCE helpers ---

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func generateState() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
