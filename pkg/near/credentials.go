package near

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyPair is a loaded NEAR account key.
type KeyPair struct {
	AccountID  string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// PublicKeyString returns the key in NEAR's "ed25519:<base58>" form.
func (k *KeyPair) PublicKeyString() string {
	return "ed25519:" + base58.Encode(k.PublicKey)
}

type credentialsFile struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	SecretKey  string `json:"secret_key"`
}

// LoadCredentials reads ~/.near-credentials/{network}/{accountID}.json, the
// layout written by near-cli login.
func LoadCredentials(network, accountID string) (*KeyPair, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".near-credentials", network, accountID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read near credentials %s: %w", path, err)
	}

	var f credentialsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse near credentials %s: %w", path, err)
	}
	secret := f.PrivateKey
	if secret == "" {
		secret = f.SecretKey
	}
	return ParseKey(accountID, secret)
}

// ParseKey decodes an "ed25519:<base58>" private key into a KeyPair. The
// decoded form is the 64-byte expanded key whose second half is the public
// key.
func ParseKey(accountID, privateKey string) (*KeyPair, error) {
	encoded := strings.TrimPrefix(privateKey, "ed25519:")
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &KeyPair{
		AccountID:  accountID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}
