package auth

import "github.com/anji4cp/streamnexus/internal/stream"

// CanAccess reports stream.ErrNotAuthorized unless the caller owns the resource
// or is an admin. Nil claims mean authentication is disabled.
func CanAccess(c *Claims, ownerID string) error {
	if c == nil || c.Admin {
		return nil
	}
	if ownerID != "" && c.Subject == ownerID {
		return nil
	}
	return stream.ErrNotAuthorized
}
