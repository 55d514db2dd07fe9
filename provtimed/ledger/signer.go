// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Signer is the injected signing capability used to authorize anchor
// submissions.  Key custody is outside the pipeline; implementations may
// hold a local key file or delegate to external key management.
type Signer interface {
	// PublicKey returns the hex encoded public key the service uses to
	// attribute the anchor.
	PublicKey() string

	// Sign returns the hex encoded detached signature over msg.
	Sign(msg []byte) (string, error)
}

// fileSigner signs with an ed25519 key loaded from disk.
type fileSigner struct {
	key ed25519.PrivateKey
}

func (f *fileSigner) PublicKey() string {
	return hex.EncodeToString(f.key.Public().(ed25519.PublicKey))
}

func (f *fileSigner) Sign(msg []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(f.key, msg)), nil
}

// LoadSigner reads a hex encoded ed25519 key from the provided file.  Both
// the 32 byte seed form and the full 64 byte private key form are accepted.
func LoadSigner(filename string) (Signer, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file %v: %v", filename, err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid key length %v in %v", len(raw),
			filename)
	}

	return &fileSigner{key: key}, nil
}

// GenerateSigningKey creates a new ed25519 seed and writes it hex encoded
// to the provided file.  Used on first run when no key exists yet.
func GenerateSigningKey(filename string) (Signer, error) {
	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	seed := key.Seed()
	err = os.WriteFile(filename, []byte(hex.EncodeToString(seed)), 0600)
	if err != nil {
		return nil, err
	}
	return &fileSigner{key: key}, nil
}
