package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestVault_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	v, err := FromSecret(key)
	if err != nil {
		t.Fatalf("FromSecret() error: %v", err)
	}

	plain := []byte(`{"username":"dana","password":"hunter2"}`)
	sealed, err := v.Seal(plain)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Error("sealed blob leaks plaintext")
	}
	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open() = %q, want %q", got, plain)
	}

	again, _ := v.Seal(plain)
	if bytes.Equal(again, sealed) {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestVault_WrongKey(t *testing.T) {
	a, _ := FromSecret("correct horse battery staple")
	b, _ := FromSecret("another passphrase")
	sealed, _ := a.Seal([]byte("secret"))
	if _, err := b.Open(sealed); !errors.Is(err, ErrWrongKey) {
		t.Errorf("Open() with wrong key = %v, want ErrWrongKey", err)
	}
	if _, err := a.Open([]byte("short")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open(short) = %v, want ErrCorrupt", err)
	}
}

func TestVault_PassphraseDeterministic(t *testing.T) {
	a, _ := FromSecret("same passphrase")
	b, _ := FromSecret("same passphrase")
	sealed, _ := a.Seal([]byte("x"))
	if _, err := b.Open(sealed); err != nil {
		t.Errorf("same passphrase should derive the same key: %v", err)
	}
}

func TestNew_KeySize(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Error("New() should reject a short key")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CARDLEDGER_TEST_KEY", "")
	if _, err := FromEnv("CARDLEDGER_TEST_KEY"); !errors.Is(err, ErrNoKey) {
		t.Errorf("FromEnv(empty) = %v, want ErrNoKey", err)
	}
	t.Setenv("CARDLEDGER_TEST_KEY", "passphrase")
	if _, err := FromEnv("CARDLEDGER_TEST_KEY"); err != nil {
		t.Errorf("FromEnv() error: %v", err)
	}
}
