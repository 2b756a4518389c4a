package proto

import (
	"strings"

	"github.com/google/uuid"
)

// NewDeviceID returns role-<8 hex> drawn from a random UUID.
func NewDeviceID(role string) string {
	if role == "" {
		role = string(DeviceWeb)
	}
	return role + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
