package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// passwordLength matches the tenant database credential policy.
const passwordLength = 24

// Secrets encrypts the values the control plane must hold at rest: project
// environment variables and tenant database passwords. Ciphertexts are
// base64 strings suitable for storage in text columns.
type Secrets struct {
	cipher *Cipher
}

// NewSecrets creates a Secrets layer over the given 32-byte AES key.
func NewSecrets(key []byte) (*Secrets, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Secrets{cipher: c}, nil
}

// EncryptString seals a single value into a base64 ciphertext.
func (s *Secrets) EncryptString(plaintext string) (string, error) {
	sealed, err := s.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a base64 ciphertext produced by EncryptString.
func (s *Secrets) DecryptString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	plaintext, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptEnvVars encrypts every value of an environment variable map,
// leaving the keys readable.
func (s *Secrets) EncryptEnvVars(envVars map[string]string) (map[string]string, error) {
	encrypted := make(map[string]string, len(envVars))
	for key, value := range envVars {
		enc, err := s.EncryptString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt env var %s: %w", key, err)
		}
		encrypted[key] = enc
	}
	return encrypted, nil
}

// DecryptEnvVars reverses EncryptEnvVars.
func (s *Secrets) DecryptEnvVars(envVars map[string]string) (map[string]string, error) {
	decrypted := make(map[string]string, len(envVars))
	for key, value := range envVars {
		dec, err := s.DecryptString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt env var %s: %w", key, err)
		}
		decrypted[key] = dec
	}
	return decrypted, nil
}

// GeneratePassword returns a random 24-character alphanumeric password
// drawn from crypto/rand.
func GeneratePassword() (string, error) {
	password := make([]byte, passwordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range password {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		password[i] = passwordAlphabet[n.Int64()]
	}
	return string(password), nil
}
