package auth

import (
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return string(h)
}

func TestNewServiceDefaults(t *testing.T) {
	s := NewService("", "")
	if len(s.adminHash) == 0 {
		t.Fatal("expected a default admin hash to be generated")
	}
	if len(s.jwtSecret) == 0 {
		t.Fatal("expected a default jwt secret to be generated")
	}
}

func TestAdminLoginSuccess(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")

	token, user, err := s.Login("admin", "correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Role != "ADMIN" || user.Username != "admin" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("token did not validate: %v", err)
	}
	if claims.Role != "ADMIN" {
		t.Fatalf("expected ADMIN role in claims, got %s", claims.Role)
	}
}

func TestAdminLoginWrongPassword(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")

	if _, _, err := s.Login("admin", "wrong"); err == nil {
		t.Fatal("expected an error for a wrong password")
	}
}

func TestLoginUnknownUser(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")

	if _, _, err := s.Login("somebody-else", "correct-horse"); err == nil {
		t.Fatal("expected an error for a non-admin username")
	}
}

func TestLoginErrorConsistency(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")

	_, _, errWrongUser := s.Login("nobody", "correct-horse")
	_, _, errWrongPassword := s.Login("admin", "wrong")

	if errWrongUser == nil || errWrongPassword == nil {
		t.Fatal("expected both paths to fail")
	}
	if errWrongUser.Error() != errWrongPassword.Error() {
		t.Fatalf("error messages should not leak which check failed: %q vs %q", errWrongUser, errWrongPassword)
	}
}

func TestConcurrentAdminLogins(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Login("admin", "correct-horse"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected concurrent login error: %v", err)
	}
}

func TestPasswordHashSecurity(t *testing.T) {
	hash := hashFor(t, "correct-horse")
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected a bcrypt hash, got %q", hash)
	}
	if hash == "correct-horse" {
		t.Fatal("hash must not equal the plaintext password")
	}
}

func TestLoginWithEmptyCredentials(t *testing.T) {
	s := NewService(hashFor(t, "correct-horse"), "test-secret")
	if _, _, err := s.Login("", ""); err == nil {
		t.Fatal("expected an error for empty credentials")
	}
}
