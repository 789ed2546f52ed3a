package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/teehee/chat-backend/internal/auth"
)

func TestTokenRoundTrip(t *testing.T) {
	m := auth.NewManager("test-secret", 30*time.Minute)

	token, err := m.IssueToken("a@example.com")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	email, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if email != "a@example.com" {
		t.Errorf("VerifyToken() = %q, want a@example.com", email)
	}
}

func TestVerifyTokenRejections(t *testing.T) {
	m := auth.NewManager("test-secret", 30*time.Minute)

	expired := auth.NewManager("test-secret", -time.Minute)
	expiredToken, err := expired.IssueToken("a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	other := auth.NewManager("other-secret", 30*time.Minute)
	wrongKeyToken, err := other.IssueToken("a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"expired", expiredToken},
		{"wrong signing key", wrongKeyToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.VerifyToken(tt.token); !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("VerifyToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewManager(\"\") should panic")
		}
	}()
	auth.NewManager("", time.Minute)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2" {
		t.Error("hash must not equal the plain password")
	}
	if !auth.CheckPassword("hunter2", hash) {
		t.Error("CheckPassword() should accept the original password")
	}
	if auth.CheckPassword("hunter3", hash) {
		t.Error("CheckPassword() should reject a wrong password")
	}
}

func TestKeyCipherRoundTrip(t *testing.T) {
	cipher := auth.NewKeyCipher("passphrase")

	encrypted, err := cipher.Encrypt("sk-ant-secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if encrypted == "sk-ant-secret" {
		t.Error("ciphertext must not equal the plaintext")
	}

	plain, err := cipher.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != "sk-ant-secret" {
		t.Errorf("Decrypt() = %q, want sk-ant-secret", plain)
	}

	// A fresh nonce per call: two encryptions of the same key differ.
	again, err := cipher.Encrypt("sk-ant-secret")
	if err != nil {
		t.Fatal(err)
	}
	if again == encrypted {
		t.Error("repeated Encrypt() produced the same ciphertext")
	}
}

func TestKeyCipherRejects(t *testing.T) {
	cipher := auth.NewKeyCipher("passphrase")
	encrypted, err := cipher.Encrypt("sk-ant-secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cipher.Decrypt("not base64!!!"); err == nil {
		t.Error("Decrypt() should reject invalid base64")
	}
	if _, err := cipher.Decrypt("c2hvcnQ="); err == nil {
		t.Error("Decrypt() should reject ciphertext shorter than a nonce")
	}

	other := auth.NewKeyCipher("different-passphrase")
	if _, err := other.Decrypt(encrypted); err == nil {
		t.Error("Decrypt() with another passphrase should fail")
	}

	// Flip one byte of the sealed box.
	tampered := []byte(encrypted)
	tampered[len(tampered)-5] ^= 'x'
	if _, err := cipher.Decrypt(string(tampered)); err == nil {
		t.Error("Decrypt() should reject tampered ciphertext")
	}
}
