package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

func openTestVault(t *testing.T, store kv.Store) *Vault {
	t.Helper()
	v, err := Open(store, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSetGetDelete(t *testing.T) {
	v := openTestVault(t, kv.NewMemoryStore())
	ctx := context.Background()

	if err := v.SetNamed(ctx, "github-token", "ghp_abc123"); err != nil {
		t.Fatal(err)
	}
	got, err := v.Get(ctx, "github-token")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ghp_abc123" {
		t.Fatalf("got %q", got)
	}

	if _, err := v.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing secret = %v", err)
	}

	if err := v.DeleteNamed(ctx, "github-token"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Get(ctx, "github-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted secret = %v", err)
	}
	// Deleting again is fine.
	if err := v.DeleteNamed(ctx, "github-token"); err != nil {
		t.Fatal(err)
	}
}

func TestCiphertextAtRest(t *testing.T) {
	store := kv.NewMemoryStore()
	v := openTestVault(t, store)
	ctx := context.Background()

	if err := v.Set(ctx, "api-key", "super-secret-value"); err != nil {
		t.Fatal(err)
	}
	raw, ok, err := store.Get(ctx, kv.PrefixSecret+"api-key")
	if err != nil || !ok {
		t.Fatalf("stored value missing: %v", err)
	}
	if strings.Contains(raw, "super-secret-value") {
		t.Fatal("plaintext stored")
	}
	if parts := strings.Split(raw, ":"); len(parts) != 3 {
		t.Fatalf("ciphertext format = %q", raw)
	}
}

func TestList(t *testing.T) {
	v := openTestVault(t, kv.NewMemoryStore())
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := v.SetNamed(ctx, name, "v"); err != nil {
			t.Fatal(err)
		}
	}
	names, err := v.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestReopenSameKey(t *testing.T) {
	store := kv.NewMemoryStore()
	dir := t.TempDir()
	ctx := context.Background()

	v1, err := Open(store, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := v1.Set(ctx, "s", "persisted"); err != nil {
		t.Fatal(err)
	}

	// A new vault over the same key file decrypts existing secrets.
	v2, err := Open(store, dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := v2.Get(ctx, "s")
	if err != nil || got != "persisted" {
		t.Fatalf("reopened get = %q, %v", got, err)
	}
}

func TestRotate(t *testing.T) {
	store := kv.NewMemoryStore()
	dir := t.TempDir()
	ctx := context.Background()

	v, err := Open(store, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetNamed(ctx, "a", "one"); err != nil {
		t.Fatal(err)
	}
	if err := v.SetNamed(ctx, "b", "two"); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Rotate(ctx); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) == string(after) {
		t.Fatal("password file unchanged after rotation")
	}

	for name, want := range map[string]string{"a": "one", "b": "two"} {
		got, err := v.Get(ctx, name)
		if err != nil || got != want {
			t.Fatalf("secret %q after rotation = %q, %v", name, got, err)
		}
	}

	// The old key no longer opens the store.
	oldAEAD, err := deriveAEAD(strings.TrimSpace(string(before)))
	if err != nil {
		t.Fatal(err)
	}
	ct, _, _ := store.Get(ctx, kv.PrefixSecret+"a")
	if _, err := decrypt(oldAEAD, ct); err == nil {
		t.Fatal("old key still decrypts rotated secret")
	}
}

func TestDecryptMalformed(t *testing.T) {
	v := openTestVault(t, kv.NewMemoryStore())
	tests := []string{
		"",
		"onlyonepart",
		"aa:bb",
		"zz:zz:zz",
		"0011:2233:4455",
	}
	for _, ct := range tests {
		if _, err := decrypt(v.aead, ct); err == nil {
			t.Errorf("malformed ciphertext %q accepted", ct)
		}
	}
}
