// Package idgen generates the identifiers mongotail stamps on queued records
// and uploaded objects. Both are UUIDv7 so ids minted by one run sort in
// emission order.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns canonical RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Compact returns version 7 UUIDs as 32 hex digits, for object keys.
func Compact() Generator {
	return func() string {
		u := uuid.Must(uuid.NewV7())
		return hex.EncodeToString(u[:])
	}
}

// Default is the process-wide generator.
var Default = UUIDv7()
