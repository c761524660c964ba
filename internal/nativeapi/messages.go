package nativeapi

import (
	"fmt"

	"github.com/jorik41/renogy-bt-proxy/internal/sensors"
)

// Message type numbers follow the aioesphomeapi wire protocol (the set a
// mainline ESPHome/Home-Assistant controller actually sends and expects);
// the handshake quartet (1-4) is confirmed against
// original_source/tools/esphome_protocol_guide.py, the rest follow the
// published api.proto numbering this server needs to interoperate with.
const (
	msgHelloRequest                         = 1
	msgHelloResponse                        = 2
	msgConnectRequest                       = 3
	msgConnectResponse                      = 4
	msgDisconnectRequest                    = 5
	msgDisconnectResponse                   = 6
	msgPingRequest                          = 7
	msgPingResponse                         = 8
	msgDeviceInfoRequest                    = 9
	msgDeviceInfoResponse                   = 10
	msgListEntitiesRequest                  = 11
	msgListEntitiesSensorResponse           = 16
	msgListEntitiesDoneResponse             = 19
	msgSubscribeStatesRequest               = 20
	msgSensorStateResponse                  = 25
	msgSubscribeBluetoothLEAdvertisements   = 63
	msgBluetoothLEAdvertisementResponse     = 64
	msgSubscribeBluetoothConnectionsFree    = 77
	msgBluetoothConnectionsFreeResponse     = 78
	msgUnsubscribeBluetoothLEAdvertisements = 84
	msgBluetoothLERawAdvertisementsResponse = 90
	msgNoiseEncryptionSetKeyRequest         = 121
	msgNoiseEncryptionSetKeyResponse        = 122
	msgBluetoothScannerStateResponse        = 126
	msgBluetoothScannerSetModeRequest       = 128
)

// ScannerMode mirrors BluetoothScannerMode.
type ScannerMode uint32

const (
	ScannerModePassive ScannerMode = 0
	ScannerModeActive  ScannerMode = 1
)

// ScannerState mirrors BluetoothScannerState.
type ScannerState uint32

const (
	ScannerStateIdle    ScannerState = 0
	ScannerStateRunning ScannerState = 2
)

// Bluetooth proxy feature flags, per §4.8: passive_scan | raw_advertisements
// | state_and_mode; active connections/pairing/caching/cache-clearing are
// never set.
const (
	featurePassiveScan       = 1 << 0
	featureRawAdvertisements = 1 << 5
	featureStateAndMode      = 1 << 6

	BluetoothProxyFeatureFlags = featurePassiveScan | featureRawAdvertisements | featureStateAndMode
)

// MaxConnections is always zero: the proxy never offers active GATT
// connections on behalf of a controller.
const MaxConnections = 0

// AdvertisementEvent is a single BLE advertisement observed by the radio,
// per §3's data model.
type AdvertisementEvent struct {
	Address          uint64
	AddressIsRandom  bool
	RSSI             int8
	LocalName        string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	TXPower          *int8
	Flags            *byte
}

// --- encoders -----------------------------------------------------------

func encodeHelloResponse(name, serverInfo string) []byte {
	var b []byte
	b = appendVarintField(b, 1, 1)  // api_version_major
	b = appendVarintField(b, 2, 13) // api_version_minor
	b = appendStringField(b, 3, serverInfo)
	b = appendStringField(b, 4, name)
	return b
}

func encodeConnectResponse(invalid bool) []byte {
	var b []byte
	b = appendBoolField(b, 1, invalid)
	return b
}

func encodeDisconnectResponse() []byte { return nil }
func encodePingResponse() []byte       { return nil }

// DeviceInfo carries everything DeviceInfoResponse reports, per §4.8.
type DeviceInfo struct {
	Name                string
	MACAddress          string
	ESPHomeVersion      string
	Model               string
	Manufacturer        string
	ProjectName         string
	ProjectVersion      string
	BluetoothMACAddress string
}

func encodeDeviceInfoResponse(info DeviceInfo) []byte {
	var b []byte
	b = appendBoolField(b, 1, false) // uses_password
	b = appendStringField(b, 2, info.Name)
	b = appendStringField(b, 3, info.MACAddress)
	b = appendStringField(b, 4, info.ESPHomeVersion)
	b = appendStringField(b, 5, "") // compilation_time
	b = appendStringField(b, 6, info.Model)
	b = appendBoolField(b, 7, false) // has_deep_sleep
	b = appendStringField(b, 8, info.ProjectName)
	b = appendStringField(b, 9, info.ProjectVersion)
	b = appendVarintField(b, 10, 0) // webserver_port
	b = appendVarintField(b, 12, uint64(BluetoothProxyFeatureFlags))
	b = appendStringField(b, 13, info.Manufacturer)
	b = appendStringField(b, 18, info.BluetoothMACAddress)
	b = appendBoolField(b, 19, false) // api_encryption_supported
	return b
}

func encodeListEntitiesSensorResponse(e sensors.Entity) []byte {
	var b []byte
	b = appendStringField(b, 1, e.ObjectID)
	b = appendVarintField(b, 2, uint64(e.Key))
	b = appendStringField(b, 3, e.Name)
	b = appendStringField(b, 6, e.Unit)
	b = appendVarintField(b, 7, uint64(e.AccuracyDecimals))
	b = appendBoolField(b, 8, e.ForceUpdate)
	b = appendStringField(b, 9, e.DeviceClass)
	b = appendVarintField(b, 10, uint64(e.StateClass))
	return b
}

func encodeListEntitiesDoneResponse() []byte { return nil }

func encodeSensorStateResponse(key uint32, value float32, missing bool) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(key))
	b = appendFloatField(b, 2, value)
	b = appendBoolField(b, 3, missing)
	return b
}

func encodeScannerStateResponse(state, mode, configuredMode uint32) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(state))
	b = appendVarintField(b, 2, uint64(mode))
	b = appendVarintField(b, 3, uint64(configuredMode))
	return b
}

func encodeBluetoothConnectionsFreeResponse(free, limit int) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(free))
	b = appendVarintField(b, 2, uint64(limit))
	return b
}

func encodeNoiseEncryptionSetKeyResponse(success bool) []byte {
	var b []byte
	b = appendBoolField(b, 1, success)
	return b
}

// encodeBluetoothLEAdvertisementResponse builds the structured (legacy)
// advertisement message, per §4.8's fan-out rule #1.
func encodeBluetoothLEAdvertisementResponse(ev AdvertisementEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, ev.Address)
	b = appendTag(b, 2, wireVarint)
	b = appendVarint(b, zigzag32(int32(ev.RSSI)))
	addrType := uint64(0)
	if ev.AddressIsRandom {
		addrType = 1
	}
	b = appendVarintField(b, 3, addrType)
	b = appendBytesField(b, 4, []byte(ev.LocalName))
	for _, uuid := range ev.ServiceUUIDs {
		b = appendStringField(b, 5, uuid)
	}
	for uuid, data := range ev.ServiceData {
		var sub []byte
		sub = appendStringField(sub, 1, uuid)
		sub = appendBytesField(sub, 2, data)
		b = appendBytesField(b, 6, sub)
	}
	for companyID, data := range ev.ManufacturerData {
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(companyID))
		sub = appendBytesField(sub, 2, data)
		b = appendBytesField(b, 7, sub)
	}
	return b
}

// encodeBluetoothLERawAdvertisementsResponse builds the raw variant, per
// §4.8's fan-out rule #2: one BluetoothLERawAdvertisement submessage
// carrying bit-exact reconstructed GAP segments.
func encodeBluetoothLERawAdvertisementsResponse(ev AdvertisementEvent) []byte {
	var raw []byte
	raw = appendVarintField(raw, 1, ev.Address)
	raw = appendTag(raw, 2, wireVarint)
	raw = appendVarint(raw, zigzag32(int32(ev.RSSI)))
	addrType := uint64(0)
	if ev.AddressIsRandom {
		addrType = 1
	}
	raw = appendVarintField(raw, 3, addrType)
	raw = appendBytesField(raw, 4, buildGAPSegments(ev))

	var b []byte
	b = appendBytesField(b, 1, raw)
	return b
}

// buildGAPSegments reconstructs the over-the-air advertising-data segments
// for ev, in the exact order §4.8 specifies. Segments whose payload would
// exceed 254 bytes are silently dropped (AD length is a single byte).
func buildGAPSegments(ev AdvertisementEvent) []byte {
	var out []byte

	flags := byte(0x06)
	if ev.Flags != nil {
		flags = *ev.Flags
	}
	out = appendGAPSegment(out, 0x01, []byte{flags})

	if ev.LocalName != "" {
		out = appendGAPSegment(out, 0x09, []byte(ev.LocalName))
	}

	for companyID, data := range ev.ManufacturerData {
		payload := make([]byte, 2+len(data))
		payload[0] = byte(companyID)
		payload[1] = byte(companyID >> 8)
		copy(payload[2:], data)
		out = appendGAPSegment(out, 0xFF, payload)
	}

	for uuid, data := range ev.ServiceData {
		adType, uuidBytes, ok := serviceDataADType(uuid)
		if !ok {
			continue
		}
		payload := append(append([]byte{}, uuidBytes...), data...)
		out = appendGAPSegment(out, adType, payload)
	}

	if len(ev.ServiceUUIDs) > 0 {
		out = append(out, buildServiceUUIDSegments(ev.ServiceUUIDs)...)
	}

	if ev.TXPower != nil {
		out = appendGAPSegment(out, 0x0A, []byte{byte(*ev.TXPower)})
	}

	return out
}

func appendGAPSegment(out []byte, adType byte, payload []byte) []byte {
	if len(payload) > 254 {
		return out
	}
	out = append(out, byte(len(payload)+1), adType)
	return append(out, payload...)
}

// serviceDataADType maps a UUID string (4, 8, or 32 hex chars) to its
// service-data AD type and little-endian UUID bytes.
func serviceDataADType(uuid string) (adType byte, leBytes []byte, ok bool) {
	raw, err := hexDecode(uuid)
	if err != nil {
		return 0, nil, false
	}
	switch len(raw) {
	case 2:
		return 0x16, reverseBytes(raw), true
	case 4:
		return 0x20, reverseBytes(raw), true
	case 16:
		return 0x21, reverseBytes(raw), true
	default:
		return 0, nil, false
	}
}

// buildServiceUUIDSegments groups ev's service UUIDs by width (16/32/128-bit)
// and emits one "complete list" AD segment per width that has entries.
func buildServiceUUIDSegments(uuids []string) []byte {
	var u16, u32, u128 []byte
	for _, uuid := range uuids {
		raw, err := hexDecode(uuid)
		if err != nil {
			continue
		}
		le := reverseBytes(raw)
		switch len(raw) {
		case 2:
			u16 = append(u16, le...)
		case 4:
			u32 = append(u32, le...)
		case 16:
			u128 = append(u128, le...)
		}
	}
	var out []byte
	if len(u16) > 0 {
		out = appendGAPSegment(out, 0x03, u16)
	}
	if len(u32) > 0 {
		out = appendGAPSegment(out, 0x05, u32)
	}
	if len(u128) > 0 {
		out = appendGAPSegment(out, 0x07, u128)
	}
	return out
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("nativeapi: odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, ok1 := hexDigit(s[2*i])
		lo, ok2 := hexDigit(s[2*i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("nativeapi: invalid hex string %q", s)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// --- decoders -------------------------------------------------------------

// decodeSubscribeBLERequest extracts the flags field (raw/legacy selection,
// unused by this server beyond logging since both formats are always sent).
func decodeSubscribeBLERequest(payload []byte) (flags uint32, err error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return 0, err
	}
	v, _ := fieldVarint(fields, 1)
	return uint32(v), nil
}

func decodeScannerSetModeRequest(payload []byte) (mode ScannerMode, err error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return 0, err
	}
	v, _ := fieldVarint(fields, 1)
	return ScannerMode(v), nil
}
