package auth

import (
	"context"
	"strings"
)

// Authorize enforces the self-vs-admin ownership rule: admins may touch any
// subject, everyone else only their own card. Runs on every route that takes
// a studentId in its path.
func Authorize(ctx context.Context, requestedStudentID string) error {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if principal.IsAdmin() {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(requestedStudentID), principal.StudentID) {
		return ErrForbidden
	}
	return nil
}

// RequireAdmin rejects any principal without the admin role.
func RequireAdmin(ctx context.Context) error {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !principal.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
