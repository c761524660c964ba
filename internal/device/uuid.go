package device

import (
	"fmt"
	"strings"
)

// NormalizeUUID converts a UUID string to the internal BLE library format (lowercase, no dashes,
// no "0x" prefix). A 128-bit UUID on the Bluetooth SIG base is collapsed to its 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")

	const sigSuffix = "00001000800000805f9b34fb"
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// ValidateUUID normalizes and validates that each of uuids is a plausible
// 16-bit (4 hex), 32-bit (8 hex) or 128-bit (32 hex) Bluetooth UUID. It returns the
// normalized forms or an error naming the first invalid entry.
func ValidateUUID(uuids ...string) ([]string, error) {
	out := make([]string, 0, len(uuids))
	for _, raw := range uuids {
		n := NormalizeUUID(raw)
		if len(n) != 4 && len(n) != 8 && len(n) != 32 {
			return nil, fmt.Errorf("device: invalid UUID %q: expected 4, 8 or 32 hex characters", raw)
		}
		for _, c := range n {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				return nil, fmt.Errorf("device: invalid UUID %q: non-hex character %q", raw, c)
			}
		}
		out = append(out, n)
	}
	return out, nil
}
