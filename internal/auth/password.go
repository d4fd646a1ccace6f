package auth

import (
	"errors"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// The standing admin identity can additionally be guarded by a bcrypt hash.
// With the variable unset the admin ID alone is sufficient, which is only
// acceptable on closed networks.
const adminPasswordEnvVariable = "CAMPUSCARD_ADMIN_PASSWORD_HASH"

var (
	adminHashMu     sync.Mutex
	adminHash       string
	adminHashLoaded bool
)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored bcrypt hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// AdminPasswordHash returns the configured bcrypt hash for the standing
// admin identity, or "" when the admin logs in by identifier alone.
func AdminPasswordHash() string {
	adminHashMu.Lock()
	defer adminHashMu.Unlock()
	if !adminHashLoaded {
		adminHash = strings.TrimSpace(os.Getenv(adminPasswordEnvVariable))
		adminHashLoaded = true
	}
	return adminHash
}

// CheckAdminPassword validates password against the configured admin hash.
// A nil return means the admin login may proceed.
func CheckAdminPassword(password string) error {
	hash := AdminPasswordHash()
	if hash == "" {
		return nil
	}
	return VerifyPassword(hash, password)
}

// ResetAdminPasswordForTests clears the cached admin hash. Only intended for test use.
func ResetAdminPasswordForTests() {
	adminHashMu.Lock()
	defer adminHashMu.Unlock()
	adminHash = ""
	adminHashLoaded = false
}
