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

// Package provider abstracts upstream identity providers behind a single
// capability interface. The core never branches on provider identity;
// it only calls the interface.
package provider

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrExchangeFailed = errors.New("code exchange with upstream provider failed")
	ErrProfileFailed  = errors.New("profile fetch from upstream provider failed")
	ErrRefreshFailed  = errors.New("token refresh with upstream provider failed")
)

// Profile is the normalized identity returned by an upstream provider
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Raw           map[string]any
}

// TokenSet is an upstream provider's token response
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	IDToken      string
}

// AuthRequest carries the per-request parts of an authorization URL
type AuthRequest struct {
	State         string
	Nonce         string
	CodeChallenge string
	Scopes        []string
}

// OAuthProvider is the capability interface implemented once per
// upstream. Calls that hit the network carry the caller's context and a
// bounded timeout; retries are the caller's decision, never internal,
// so a code is never submitted twice.
type OAuthProvider interface {
	// Name identifies the provider in logs and session records
	Name() string

	// AuthorizationURL builds the upstream authorization redirect
	AuthorizationURL(req AuthRequest) string

	// ExchangeCode trades an authorization code for tokens
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error)

	// FetchProfile loads the user's profile with an access token
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)

	// Refresh obtains a fresh token set from a refresh token
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)

	// Revoke invalidates a token upstream. Providers without a
	// revocation endpoint return nil.
	Revoke(ctx context.Context, token string) error
}
