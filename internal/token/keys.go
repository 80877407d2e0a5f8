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

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyPair holds one RSA signing key and its metadata
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero until the key is rotated out
}

// KeyManager supplies the active RS256 signing key and serves the JWKS.
// Rotation keeps the previous key verifiable for a grace period so tokens
// signed just before the switch still validate.
type KeyManager struct {
	mu           sync.RWMutex
	keys         map[string]*KeyPair
	currentKeyID string
}

// NewKeyManager generates an initial 2048-bit RSA key
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{keys: map[string]*KeyPair{}}
	if err := km.rotateLocked(0); err != nil {
		return nil, err
	}
	return km, nil
}

// SigningKey returns the current private key and its kid
func (km *KeyManager) SigningKey() (*rsa.PrivateKey, string) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key := km.keys[km.currentKeyID]
	return key.PrivateKey, key.KeyID
}

// PublicKey returns the public key for a kid, current or within its
// post-rotation grace
func (km *KeyManager) PublicKey(keyID string) (*rsa.PublicKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, ok := km.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %s", keyID)
	}
	if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("key %s expired", keyID)
	}
	return &key.PrivateKey.PublicKey, nil
}

// JWKS returns all verifiable public keys as a JWK set (RFC 7517)
func (km *KeyManager) JWKS() (jwk.Set, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	set := jwk.NewSet()
	now := time.Now()
	for _, kp := range km.keys {
		if !kp.ExpiresAt.IsZero() && kp.ExpiresAt.Before(now) {
			continue
		}
		key, err := jwk.FromRaw(&kp.PrivateKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build JWK: %w", err)
		}
		_ = key.Set(jwk.KeyIDKey, kp.KeyID)
		_ = key.Set(jwk.AlgorithmKey, "RS256")
		_ = key.Set(jwk.KeyUsageKey, "sig")
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Rotate generates a fresh key pair and schedules the old one to stop
// verifying after gracePeriod
func (km *KeyManager) Rotate(gracePeriod time.Duration) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.rotateLocked(gracePeriod)
}

func (km *KeyManager) rotateLocked(gracePeriod time.Duration) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}

	// Deterministic kid derived from the modulus
	hash := sha256.Sum256(privateKey.PublicKey.N.Bytes())
	keyID := base64.RawURLEncoding.EncodeToString(hash[:16])

	now := time.Now()
	if current, ok := km.keys[km.currentKeyID]; ok {
		current.ExpiresAt = now.Add(gracePeriod)
	}

	km.keys[keyID] = &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		CreatedAt:  now,
	}
	km.currentKeyID = keyID
	return nil
}
