package auth

import (
	"context"
	"errors"
	"log"

	"github.com/rsheftel/barrunner/logging"
	"golang.org/x/crypto/bcrypt"
)

// User represents the admin principal a JWT identifies. The engine has no
// end-user accounts of its own — Service exists only to gate the optional
// live-event websocket (/ws) around the Runner; the /metrics endpoint is
// not token-gated.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Service handles admin authentication.
type Service struct {
	adminHash []byte
	jwtSecret []byte
	audit     *logging.AuditLogger
}

// SetAuditLogger attaches an audit trail for login attempts. A nil logger
// (the default) turns every audit call below into a no-op.
func (s *Service) SetAuditLogger(al *logging.AuditLogger) {
	s.audit = al
}

// NewService creates an authentication service with admin credentials and a
// JWT signing secret.
func NewService(adminPasswordHash string, jwtSecret string) *Service {
	var hash []byte
	if adminPasswordHash != "" {
		hash = []byte(adminPasswordHash)
	} else {
		log.Println("[SECURITY WARNING] No ADMIN_PASSWORD_HASH provided - using insecure default password")
		hash, _ = bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	}

	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		log.Println("[SECURITY WARNING] No JWT_SECRET provided - using insecure default secret")
		secret = []byte("super_secret_dev_key_do_not_use_in_prod")
	}

	return &Service{adminHash: hash, jwtSecret: secret}
}

// Login validates the admin username/password pair and issues a JWT.
func (s *Service) Login(username, password string) (string, *User, error) {
	if username != "admin" {
		log.Printf("[WARN] login failed: unknown user %q", username)
		s.audit.LogAuthenticationFailed(context.Background(), username, "", "unknown user")
		return "", nil, errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)); err != nil {
		log.Printf("[WARN] admin login failed (invalid password)")
		s.audit.LogAuthenticationFailed(context.Background(), username, "", "invalid password")
		return "", nil, errors.New("invalid credentials")
	}

	user := &User{ID: "0", Username: "admin", Role: "ADMIN"}
	token, err := s.GenerateToken(user)
	if err != nil {
		log.Printf("[CRITICAL] JWT generation failed: %v", err)
		return "", nil, errors.New("system error")
	}
	log.Printf("[INFO] admin logged in")
	s.audit.LogAuthentication(context.Background(), user.ID, "", "password")
	return token, user, nil
}

// GenerateToken creates a JWT token for the given user using the service's secret
func (s *Service) GenerateToken(user *User) (string, error) {
	return GenerateJWTWithSecret(user, s.jwtSecret)
}

// ValidateToken validates a JWT token using the service's secret
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(tokenString, s.jwtSecret)
}
