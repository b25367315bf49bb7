// Package githubapp implements the hosted-provider URL capability and
// commit-status reporting for a GitHub App installation: JWT assertion
// signing, installation-token exchange and authenticated commit statuses.
package githubapp

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bittrance/kitops/internal/errs"
	"github.com/bittrance/kitops/internal/events"
)

const userAgent = "bittrance/kitops"

const apiBase = "https://api.github.com"

// Config is the per-task hosted-provider configuration.
type Config struct {
	AppID          string
	PrivateKeyFile string
	StatusContext  string
}

// Status is a GitHub commit status state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Provider is the GitHub App variant of urlprovider.Provider: AuthURL
// exchanges the App's private key for a short-lived installation token and
// embeds it in the URL as HTTP Basic credentials.
type Provider struct {
	url    string
	config Config
	client *retryablehttp.Client
}

// NewProvider constructs a Provider for url under the given App config.
func NewProvider(url string, config Config) *Provider {
	return &Provider{url: url, config: config, client: newHTTPClient()}
}

func (p *Provider) URL() string { return p.url }

func (p *Provider) SafeURL() string { return safeURL(p.url) }

// AuthURL resolves an installation access token and returns url with it
// embedded as `x-access-token:<token>@host`. Only HTTPS URLs are
// supported; any other scheme is rejected outright since GitHub App
// installation tokens are only meaningful over HTTPS.
func (p *Provider) AuthURL() (string, error) {
	if !strings.HasPrefix(p.url, "https://") {
		return "", fmt.Errorf("github app provider requires an https:// url, got %q", safeURL(p.url))
	}
	token, err := p.installationToken()
	if err != nil {
		return "", err
	}
	rest := strings.TrimPrefix(p.url, "https://")
	return "https://x-access-token:" + token + "@" + rest, nil
}

func (p *Provider) installationToken() (string, error) {
	jwtToken, err := generateJWT(p.config.AppID, p.config.PrivateKeyFile)
	if err != nil {
		return "", err
	}
	installationID, err := getInstallationID(RepoSlug(p.url), p.client, jwtToken)
	if err != nil {
		return "", err
	}
	return getAccessToken(installationID, p.client, jwtToken)
}

// RepoSlug derives "owner/repo" from a Git URL the way the GitHub API
// expects it: strip a trailing ".git" and the leading path separator.
func RepoSlug(url string) string {
	path := url
	if i := strings.Index(url, "://"); i != -1 {
		rest := url[i+3:]
		if j := strings.Index(rest, "/"); j != -1 {
			path = rest[j+1:]
		}
	} else if i := strings.LastIndex(url, ":"); i != -1 {
		path = url[i+1:]
	}
	path = strings.TrimPrefix(path, "/")
	return strings.TrimSuffix(path, ".git")
}

func newHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = cleanhttp.DefaultPooledClient()
	c.HTTPClient.Timeout = 10 * time.Second
	c.RetryMax = 3
	c.Logger = nil
	return c
}

func generateJWT(appID, privateKeyFile string) (string, error) {
	pemBytes, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return "", fmt.Errorf("reading github app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return "", fmt.Errorf("parsing github app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
		Issuer:    appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := signToken(token, key)
	if err != nil {
		return "", fmt.Errorf("signing github app jwt: %w", err)
	}
	return signed, nil
}

func signToken(token *jwt.Token, key *rsa.PrivateKey) (string, error) {
	return token.SignedString(key)
}

type installationResponse struct {
	ID          int64             `json:"id"`
	Permissions map[string]string `json:"permissions"`
}

var errPermissions = fmt.Errorf("github app installation lacks statuses:write permission")

func getInstallationID(repoSlug string, client *retryablehttp.Client, jwtToken string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/installation", apiBase, repoSlug)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	setAuthHeaders(req.Request, "Bearer "+jwtToken)

	var body installationResponse
	if err := doJSON(client, req, &body); err != nil {
		return 0, err
	}
	if body.Permissions["statuses"] != "write" {
		return 0, errPermissions
	}
	return body.ID, nil
}

type accessTokenResponse struct {
	Token string `json:"token"`
}

func getAccessToken(installationID int64, client *retryablehttp.Client, jwtToken string) (string, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, installationID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	setAuthHeaders(req.Request, "Bearer "+jwtToken)

	var body accessTokenResponse
	if err := doJSON(client, req, &body); err != nil {
		return "", err
	}
	return body.Token, nil
}

// UpdateCommitStatus pushes a commit status for sha on repoSlug, resolving
// a fresh installation token for the call.
func UpdateCommitStatus(repoSlug string, config Config, sha string, status Status, message string) error {
	client := newHTTPClient()
	jwtToken, err := generateJWT(config.AppID, config.PrivateKeyFile)
	if err != nil {
		return err
	}
	installationID, err := getInstallationID(repoSlug, client, jwtToken)
	if err != nil {
		return err
	}
	accessToken, err := getAccessToken(installationID, client, jwtToken)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"state":       string(status),
		"context":     config.StatusContext,
		"description": message,
	})
	if err != nil {
		return fmt.Errorf("marshaling commit status: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", apiBase, repoSlug, sha)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req.Request, "Bearer "+accessToken)

	return doJSON(client, req, nil)
}

func setAuthHeaders(req *http.Request, authorization string) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", authorization)
	req.Header.Set("User-Agent", userAgent)
}

// APIError is returned for any non-2xx GitHub API response.
type APIError struct {
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api %s: status %d: %s", e.URL, e.Status, e.Body)
}

func doJSON(client *retryablehttp.Client, req *retryablehttp.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return errs.Wrap(errs.NonFatal, fmt.Errorf("github api request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.NonFatal, fmt.Errorf("github api response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Wrap(errs.NonFatal, &APIError{URL: req.URL.String(), Status: resp.StatusCode, Body: string(data)})
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Wrap(errs.NonFatal, fmt.Errorf("decoding github api response: %w", err))
	}
	return nil
}

// StatusWatcher returns an events.Watcher that pushes a commit status for
// every workload-level event on repoSlug, mirroring each Event's meaning
// onto GitHub's four-state status model.
func StatusWatcher(repoSlug string, config Config) events.Watcher {
	return func(e events.Event) error {
		switch e.Kind {
		case events.Changes:
			return UpdateCommitStatus(repoSlug, config, e.NewSHA, StatusPending,
				fmt.Sprintf("running %s [last success %s]", e.Task, e.PrevSHA))
		case events.Success:
			return UpdateCommitStatus(repoSlug, config, e.NewSHA, StatusSuccess,
				fmt.Sprintf("%s succeeded", e.Task))
		case events.Failure:
			return UpdateCommitStatus(repoSlug, config, e.NewSHA, StatusFailure,
				fmt.Sprintf("%s failed on %s", e.Task, e.Name))
		case events.Error:
			return UpdateCommitStatus(repoSlug, config, e.NewSHA, StatusError,
				fmt.Sprintf("%s errored: %s", e.Task, e.Message))
		default:
			return nil
		}
	}
}

func safeURL(url string) string {
	if i := strings.Index(url, "@"); i != -1 {
		if j := strings.Index(url, "://"); j != -1 && j < i {
			return url[:j+3] + url[i+1:]
		}
	}
	return url
}
