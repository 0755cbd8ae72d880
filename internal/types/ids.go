package types

import (
	"time"

	"github.com/google/uuid"
)

// NewResponseID generates a UUIDv7 response identifier.
// Time-ordered IDs ensure sequential inserts cluster in B-tree pages.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewResponseID() ResponseID {
	return ResponseID(uuid.Must(uuid.NewV7()).String())
}

// NewAuditID generates a UUIDv7 audit log identifier.
func NewAuditID() AuditID {
	return AuditID(uuid.Must(uuid.NewV7()).String())
}

// NewAPIKeyID generates a UUIDv7 API key identifier.
func NewAPIKeyID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseResponseID validates and converts a string to ResponseID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseResponseID(s string) (ResponseID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return ResponseID(s), nil
}

// ResponseIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func ResponseIDTime(id ResponseID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
