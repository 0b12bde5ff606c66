// Package vault encrypts named secrets at rest in the key-value store. Keys
// derive from a file-backed password through scrypt; rotating the password
// re-encrypts every stored secret under the new key.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

const (
	// kdfSalt is fixed: the password file itself is the secret material.
	kdfSalt = "scalyclaw-vault-v1"

	keyFileName = "scalyclaw.ps"
	nonceSize   = 12
	tagSize     = 16
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("vault: secret not found")

// Vault stores encrypted secrets under scalyclaw:secret:<name>.
type Vault struct {
	store   kv.Store
	keyPath string
	aead    cipher.AEAD
}

// Open loads (creating on first run) the password file and derives the AEAD.
// keyDir defaults to the user home directory.
func Open(store kv.Store, keyDir string) (*Vault, error) {
	if keyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		keyDir = home
	}
	v := &Vault{store: store, keyPath: filepath.Join(keyDir, keyFileName)}

	password, err := os.ReadFile(v.keyPath)
	if errors.Is(err, os.ErrNotExist) {
		password, err = v.writeNewPassword()
	}
	if err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(strings.TrimSpace(string(password)))
	if err != nil {
		return nil, err
	}
	v.aead = aead
	return v, nil
}

func (v *Vault) writeNewPassword() ([]byte, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(raw))
	if err := atomicWrite(v.keyPath, encoded, 0o600); err != nil {
		return nil, err
	}
	return encoded, nil
}

func deriveAEAD(password string) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), []byte(kdfSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

// Set encrypts and stores a secret.
func (v *Vault) Set(ctx context.Context, name, value string) error {
	ct, err := encrypt(v.aead, value)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, kv.PrefixSecret+name, ct, 0)
}

// Get decrypts one secret.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	ct, ok, err := v.store.Get(ctx, kv.PrefixSecret+name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return decrypt(v.aead, ct)
}

// Delete removes one secret. Deleting a missing secret is not an error.
func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.Del(ctx, kv.PrefixSecret+name)
}

// List returns the stored secret names, sorted.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	names, err := v.store.SMembers(ctx, kv.PrefixSecret+"__names")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// SetNamed stores the secret and tracks its name for listing.
func (v *Vault) SetNamed(ctx context.Context, name, value string) error {
	if err := v.Set(ctx, name, value); err != nil {
		return err
	}
	return v.store.SAdd(ctx, kv.PrefixSecret+"__names", name)
}

// DeleteNamed removes the secret and its name-tracking entry.
func (v *Vault) DeleteNamed(ctx context.Context, name string) error {
	if err := v.Delete(ctx, name); err != nil {
		return err
	}
	return v.store.SRem(ctx, kv.PrefixSecret+"__names", name)
}

// Rotate generates a new password file atomically and re-encrypts every
// stored secret with the new key.
func (v *Vault) Rotate(ctx context.Context) error {
	names, err := v.List(ctx)
	if err != nil {
		return err
	}
	plains := make(map[string]string, len(names))
	for _, name := range names {
		plain, err := v.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("decrypt %q before rotation: %w", name, err)
		}
		plains[name] = plain
	}

	password, err := v.writeNewPassword()
	if err != nil {
		return err
	}
	aead, err := deriveAEAD(strings.TrimSpace(string(password)))
	if err != nil {
		return err
	}
	v.aead = aead

	for name, plain := range plains {
		if err := v.Set(ctx, name, plain); err != nil {
			return fmt.Errorf("re-encrypt %q: %w", name, err)
		}
	}
	return nil
}

// encrypt produces hex(iv):hex(tag):hex(ct).
func encrypt(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagSize {
		return "", errors.New("vault: sealed payload too short")
	}
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

func decrypt(aead cipher.AEAD, encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", errors.New("vault: malformed ciphertext")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", errors.New("vault: malformed nonce")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", errors.New("vault: malformed tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errors.New("vault: malformed body")
	}
	plain, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt failed: %w", err)
	}
	return string(plain), nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}
