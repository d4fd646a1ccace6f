package auth

import (
	"os"
	"strings"
	"sync"
)

// The standing admin identity authenticates without an RSA proof. This is a
// deliberate operational backdoor for administration consoles and has to be
// enabled explicitly through configuration; with the variable unset no
// identifier gets the bypass.
const adminEnvVariable = "CAMPUSCARD_ADMIN_ID"

var (
	adminMu     sync.Mutex
	adminID     string
	adminLoaded bool
)

// AdminID returns the configured standing admin identifier, or "" when the
// bypass is disabled.
func AdminID() string {
	adminMu.Lock()
	defer adminMu.Unlock()
	if !adminLoaded {
		adminID = strings.TrimSpace(os.Getenv(adminEnvVariable))
		adminLoaded = true
	}
	return adminID
}

// IsAdminID reports whether studentID matches the standing admin identity.
// The comparison is case-insensitive, matching how card readers submit IDs.
func IsAdminID(studentID string) bool {
	id := AdminID()
	if id == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(studentID), id)
}

// ResetAdminIDForTests clears the cached admin identifier. Only intended for test use.
func ResetAdminIDForTests() {
	adminMu.Lock()
	defer adminMu.Unlock()
	adminID = ""
	adminLoaded = false
}
