package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer signs V4 URL payloads on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with a service account private key loaded from its JSON key.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// LoadKeySigner reads a service account JSON key file.
func LoadKeySigner(path string) (*KeySigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read signer key: %w", err)
	}
	return ParseKeySigner(raw)
}

// ParseKeySigner parses a service account JSON key.
func ParseKeySigner(raw []byte) (*KeySigner, error) {
	var doc struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode signer key: %w", err)
	}
	email := strings.TrimSpace(doc.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: signer key has no client_email")
	}
	block, _ := pem.Decode([]byte(strings.TrimSpace(doc.PrivateKey)))
	if block == nil {
		return nil, errors.New("storage: signer key has no PEM private_key")
	}
	key, err := parseRSA(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: key}, nil
}

func parseRSA(der []byte) (*rsa.PrivateKey, error) {
	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: signer key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("storage: parse signer key: %w", err)
	}
	return key, nil
}

// Email implements Signer.
func (s *KeySigner) Email() string { return s.email }

// SignBytes implements Signer with RSASSA-PKCS1-v1_5 over SHA-256.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}
