//go:build e2e

// Package e2e drives a running Heimdall server over HTTP. Start the
// server with bootstrap enabled, then:
//
//	HEIMDALL_API_URL=http://127.0.0.1:8080 \
//	E2E_ADMIN_EMAIL=admin@example.com \
//	E2E_ADMIN_PASSWORD=... \
//	E2E_TENANT_SLUG=root \
//	go test -tags e2e ./tests/e2e/...
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseURL    = getEnv("HEIMDALL_API_URL", "http://127.0.0.1:8080")
	apiBase    = baseURL + "/api/v1"
	adminEmail = getEnv("E2E_ADMIN_EMAIL", "admin@example.com")
	adminPass  = getEnv("E2E_ADMIN_PASSWORD", "bootstrap-admin-password")
	tenantSlug = getEnv("E2E_TENANT_SLUG", "root")
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type testClient struct {
	httpClient *http.Client
}

func newTestClient() *testClient {
	jar, _ := cookiejar.New(nil)
	return &testClient{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *testClient) doJSON(method, path string, body any, bearer string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.httpClient.Do(req)
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestE2E_Workflows(t *testing.T) {
	var (
		adminToken   string
		tenantID     string
		clientID     string
		clientSecret string
		userEmail    string
		userPassword string
		redirectURI  = "http://localhost:3000/callback"
	)

	client := newTestClient()

	t.Run("Admin Login", func(t *testing.T) {
		resp, err := client.doJSON("POST", apiBase+"/auth/login", map[string]string{
			"tenant_slug": tenantSlug,
			"email":       adminEmail,
			"password":    adminPass,
		}, "")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		var me struct {
			TenantID string `json:"tenant_id"`
		}
		resp, err = client.doJSON("GET", apiBase+"/auth/me", nil, "")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decode(t, resp, &me)
		require.NotEmpty(t, me.TenantID)
		tenantID = me.TenantID
	})

	t.Run("Mint Admin Token", func(t *testing.T) {
		// The bootstrap client gives the admin a token for the
		// management APIs via the authorization code flow
		require.NotEmpty(t, tenantID)

		bootClientID := getEnv("E2E_CLIENT_ID", "")
		bootClientSecret := getEnv("E2E_CLIENT_SECRET", "")
		require.NotEmpty(t, bootClientID, "E2E_CLIENT_ID must hold the bootstrap client id")

		state := "e2e-state"
		authURL := fmt.Sprintf("%s/oauth2/authorize?client_id=%s&response_type=code&scope=%s&redirect_uri=%s&state=%s",
			baseURL, bootClientID, url.QueryEscape("openid profile email"), url.QueryEscape(redirectURI), state)

		resp, err := client.httpClient.Get(authURL)
		require.NoError(t, err)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		resp.Body.Close()

		loc, err := resp.Location()
		require.NoError(t, err)
		code := loc.Query().Get("code")
		require.NotEmpty(t, code)
		assert.Equal(t, state, loc.Query().Get("state"))

		form := url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {redirectURI},
		}
		req, _ := http.NewRequest("POST", baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(bootClientID, bootClientSecret)

		resp, err = client.httpClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var tokens struct {
			AccessToken string `json:"access_token"`
			IDToken     string `json:"id_token"`
		}
		decode(t, resp, &tokens)
		require.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.IDToken)
		adminToken = tokens.AccessToken
	})

	t.Run("Tenant And Client Management", func(t *testing.T) {
		require.NotEmpty(t, adminToken)

		childSlug := fmt.Sprintf("e2e-%d", time.Now().Unix())
		resp, err := client.doJSON("POST", apiBase+"/tenants", map[string]any{
			"slug":      childSlug,
			"name":      "E2E Test Tenant",
			"parent_id": tenantID,
		}, adminToken)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var child struct {
			ID string `json:"id"`
		}
		decode(t, resp, &child)
		require.NotEmpty(t, child.ID)

		resp, err = client.doJSON("POST", apiBase+"/tenants/"+tenantID+"/clients", map[string]any{
			"client_name":    "E2E Testing App",
			"redirect_uris":  []string{redirectURI},
			"allowed_scopes": []string{"openid", "profile", "email"},
			"is_trusted":     true,
		}, adminToken)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var created struct {
			Client struct {
				ClientID string `json:"client_id"`
			} `json:"client"`
			ClientSecret string `json:"client_secret"`
		}
		decode(t, resp, &created)
		require.NotEmpty(t, created.Client.ClientID)
		require.NotEmpty(t, created.ClientSecret)

		clientID = created.Client.ClientID
		clientSecret = created.ClientSecret
	})

	t.Run("End User OIDC Flow", func(t *testing.T) {
		require.NotEmpty(t, clientID)

		userEmail = fmt.Sprintf("user-%d@e2e.test", time.Now().Unix())
		userPassword = "end-user-pass-123"

		userClient := newTestClient()
		resp, err := userClient.doJSON("POST", apiBase+"/auth/register", map[string]string{
			"tenant_slug": tenantSlug,
			"email":       userEmail,
			"password":    userPassword,
		}, "")
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()

		resp, err = userClient.doJSON("POST", apiBase+"/auth/login", map[string]string{
			"tenant_slug": tenantSlug,
			"email":       userEmail,
			"password":    userPassword,
		}, "")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		state := "xyz123"
		authURL := fmt.Sprintf("%s/oauth2/authorize?client_id=%s&response_type=code&scope=%s&redirect_uri=%s&state=%s&nonce=abc456",
			baseURL, clientID, url.QueryEscape("openid profile"), url.QueryEscape(redirectURI), state)

		resp, err = userClient.httpClient.Get(authURL)
		require.NoError(t, err)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		resp.Body.Close()

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.Contains(t, loc.String(), "code=")
		assert.Equal(t, state, loc.Query().Get("state"))

		code := loc.Query().Get("code")
		require.NotEmpty(t, code)

		form := url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {redirectURI},
		}
		req, _ := http.NewRequest("POST", baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(clientID, clientSecret)

		resp, err = userClient.httpClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var tokens struct {
			AccessToken string `json:"access_token"`
			IDToken     string `json:"id_token"`
		}
		decode(t, resp, &tokens)
		require.NotEmpty(t, tokens.AccessToken)
		assert.NotEmpty(t, tokens.IDToken)

		// Discovery and JWKS round out the verification
		resp, err = userClient.httpClient.Get(baseURL + "/.well-known/openid-configuration")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var discovery struct {
			JWKSUri string `json:"jwks_uri"`
		}
		decode(t, resp, &discovery)
		require.NotEmpty(t, discovery.JWKSUri)

		resp, err = userClient.httpClient.Get(discovery.JWKSUri)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var jwks struct {
			Keys []map[string]any `json:"keys"`
		}
		decode(t, resp, &jwks)
		assert.NotEmpty(t, jwks.Keys)
	})
}
