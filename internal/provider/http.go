// Copyright 2026 The Heimdall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultTimeout = 10 * time.Second

// Endpoints describes one upstream provider's URLs and credentials
type Endpoints struct {
	ProviderName string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RevokeURL    string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// HTTPProvider implements OAuthProvider for any standards-following
// upstream, configured purely by endpoints
type HTTPProvider struct {
	name        string
	oauth       oauth2.Config
	userInfoURL string
	revokeURL   string
	client      *http.Client
}

// NewHTTPProvider creates a provider from endpoint configuration
func NewHTTPProvider(ep Endpoints) *HTTPProvider {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProvider{
		name: ep.ProviderName,
		oauth: oauth2.Config{
			ClientID:     ep.ClientID,
			ClientSecret: ep.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  ep.AuthURL,
				TokenURL: ep.TokenURL,
			},
			RedirectURL: ep.RedirectURL,
			Scopes:      ep.Scopes,
		},
		userInfoURL: ep.UserInfoURL,
		revokeURL:   ep.RevokeURL,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider
func (p *HTTPProvider) Name() string {
	return p.name
}

// AuthorizationURL builds the upstream authorization redirect
func (p *HTTPProvider) AuthorizationURL(req AuthRequest) string {
	opts := []oauth2.AuthCodeOption{}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	if req.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	cfg := p.oauth
	if len(req.Scopes) > 0 {
		cfg.Scopes = req.Scopes
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

// ExchangeCode trades a code for tokens. The context bounds the call;
// a timeout here means the flow restarts, never a silent retry.
func (p *HTTPProvider) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", verifier))
	}
	cfg := p.oauth
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	tok, err := cfg.Exchange(p.withClient(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	return tokenSet(tok), nil
}

// FetchProfile loads the user's profile from the userinfo endpoint
func (p *HTTPProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProfileFailed, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileFailed, err)
	}
	return profileFromClaims(raw), nil
}

// Refresh obtains a fresh token set from a refresh token
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return tokenSet(tok), nil
}

// Revoke invalidates a token upstream (RFC 7009). Providers without a
// revocation endpoint are a no-op.
func (p *HTTPProvider) Revoke(ctx context.Context, token string) error {
	if p.revokeURL == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth.ClientID), url.QueryEscape(p.oauth.ClientSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream revocation failed: status %d", resp.StatusCode)
	}
	return nil
}

// withClient makes the oauth2 package use our bounded-timeout client
func (p *HTTPProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func tokenSet(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	return set
}

func profileFromClaims(raw map[string]any) *Profile {
	p := &Profile{Raw: raw}
	if v, ok := raw["sub"].(string); ok {
		p.Subject = v
	}
	if v, ok := raw["email"].(string); ok {
		p.Email = v
	}
	if v, ok := raw["email_verified"].(bool); ok {
		p.EmailVerified = v
	}
	if v, ok := raw["name"].(string); ok {
		p.Name = v
	}
	if v, ok := raw["picture"].(string); ok {
		p.Picture = v
	}
	return p
}
