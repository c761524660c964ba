// Package bledb resolves well-known Bluetooth SIG and Renogy vendor UUIDs to
// human-readable names for logging and diagnostics.
//
// The teacher repo generates this table at build time from the Bluetooth SIG
// assigned-numbers YAML via go:generate (internal/bledb/gen). That generator
// fetches data over the network at build time, which the retrieved pack does
// not include a mirror for, so this package carries a small static table
// instead, covering the standard GATT services/characteristics/descriptors
// and appearance codes this service's logging and diagnostics actually touch,
// plus the Renogy vendor UUIDs from §4.3.
package bledb

import "strings"

// NormalizeUUID strips braces, dashes, and an optional "0x" prefix, lowercases
// the result, and collapses the Bluetooth SIG base UUID down to its 16-bit
// short form when applicable.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(uuid)
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	const sigSuffix = "00001000800000805f9b34fb"
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigSuffix) {
		return u[4:8]
	}
	return u
}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"ffd0": "Renogy Write Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a19": "Battery Level",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"ffd1": "Renogy Write Characteristic",
	"fff1": "Renogy Notify Characteristic",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
}

var appearanceCodes = map[int]string{
	0:    "Unknown",
	64:   "Phone",
	128:  "Generic Computer",
	960:  "Generic HID",
	1088: "Generic Heart Rate Sensor",
}

// LookupService returns the known display name for a GATT service UUID, or
// "" if it is not in the table.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the known display name for a GATT
// characteristic UUID, or "" if it is not in the table.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the known display name for a GATT descriptor
// UUID, or "" if it is not in the table.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupAppearanceCode returns the known display name for a GAP appearance
// code, or "" if it is not in the table.
func LookupAppearanceCode(code int) string {
	return appearanceCodes[code]
}
