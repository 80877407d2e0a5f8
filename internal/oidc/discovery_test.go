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

package oidc

import "testing"

func TestDiscoveryMetadata_Endpoints(t *testing.T) {
	md := NewDiscoveryMetadata("https://auth.example.com/")

	if md.Issuer != "https://auth.example.com" {
		t.Errorf("issuer not normalized: %q", md.Issuer)
	}
	if md.AuthorizationEndpoint != "https://auth.example.com/oauth2/authorize" {
		t.Errorf("unexpected authorization_endpoint: %q", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != "https://auth.example.com/oauth2/token" {
		t.Errorf("unexpected token_endpoint: %q", md.TokenEndpoint)
	}
	if md.JWKSURI != "https://auth.example.com/jwks.json" {
		t.Errorf("unexpected jwks_uri: %q", md.JWKSURI)
	}

	hasS256 := false
	for _, m := range md.CodeChallengeMethodsSupported {
		if m == "S256" {
			hasS256 = true
		}
	}
	if !hasS256 {
		t.Error("S256 missing from code_challenge_methods_supported")
	}
}
