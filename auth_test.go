package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestAuth(t *testing.T, password string) (*AdminAuth, *DB) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAdminAuth(db, password), db
}

func TestAdminLoginAndValidate(t *testing.T) {
	auth, _ := newTestAuth(t, "correct horse")

	if _, err := auth.Login("battery staple", "10.0.0.1"); err == nil {
		t.Error("wrong password must be rejected")
	}

	token, err := auth.Login("correct horse", "10.0.0.1")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := auth.ValidateToken(token); err != nil {
		t.Errorf("freshly issued token must validate: %v", err)
	}
	if err := auth.ValidateToken(token + "tampered"); err == nil {
		t.Error("tampered token must fail validation")
	}
	if err := auth.ValidateToken("not a jwt"); err == nil {
		t.Error("garbage must fail validation")
	}
}

func TestAdminLoginRateLimit(t *testing.T) {
	auth, _ := newTestAuth(t, "secret")

	for i := 0; i < maxLoginAttempts; i++ {
		auth.Login("wrong", "10.0.0.2")
	}
	_, err := auth.Login("secret", "10.0.0.2")
	if err == nil || !strings.Contains(err.Error(), "too many") {
		t.Errorf("attempt %d should be rate limited, got %v", maxLoginAttempts+1, err)
	}

	// Other IPs are unaffected
	if _, err := auth.Login("secret", "10.0.0.3"); err != nil {
		t.Errorf("rate limit must be per IP: %v", err)
	}
}

func TestJWTSecretPersistsAcrossRestart(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	first := NewAdminAuth(db, "pw")
	token, err := first.Login("pw", "10.0.0.4")
	if err != nil {
		t.Fatal(err)
	}

	// A new auth instance over the same database keeps the secret,
	// so tokens issued before a restart stay valid
	second := NewAdminAuth(db, "")
	if err := second.ValidateToken(token); err != nil {
		t.Errorf("token must survive restart: %v", err)
	}
}
