package nativeapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFieldsRoundTripsVarintAndBytes(t *testing.T) {
	var b []byte
	b = appendVarintField(b, 1, 42)
	b = appendStringField(b, 2, "client")

	fields, err := decodeFields(b)
	require.NoError(t, err)

	v, ok := fieldVarint(fields, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)

	s, ok := fieldString(fields, 2)
	require.True(t, ok)
	assert.Equal(t, "client", s)
}

func TestDecodeSubscribeBLERequestExtractsFlags(t *testing.T) {
	var b []byte
	b = appendVarintField(b, 1, 3)

	flags, err := decodeSubscribeBLERequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), flags)
}

func TestDecodeScannerSetModeRequest(t *testing.T) {
	var b []byte
	b = appendVarintField(b, 1, uint64(ScannerModeActive))

	mode, err := decodeScannerSetModeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, ScannerModeActive, mode)
}

func TestEncodeHelloResponseContainsNameAndServerInfo(t *testing.T) {
	payload := encodeHelloResponse("renogy-bt-proxy", "renogybt-proxy/1.0.0")
	fields, err := decodeFields(payload)
	require.NoError(t, err)

	name, ok := fieldString(fields, 4)
	require.True(t, ok)
	assert.Equal(t, "renogy-bt-proxy", name)

	info, ok := fieldString(fields, 3)
	require.True(t, ok)
	assert.Equal(t, "renogybt-proxy/1.0.0", info)
}

func TestEncodeDeviceInfoResponseReportsFeatureFlags(t *testing.T) {
	payload := encodeDeviceInfoResponse(DeviceInfo{
		Name:       "renogy-bt-proxy",
		MACAddress: "AA:BB:CC:DD:EE:FF",
	})
	fields, err := decodeFields(payload)
	require.NoError(t, err)

	flags, ok := fieldVarint(fields, 12)
	require.True(t, ok)
	assert.Equal(t, uint64(BluetoothProxyFeatureFlags), flags)

	mac, ok := fieldString(fields, 3)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", mac)
}

func TestBuildGAPSegmentsOrdersAdTypesPerSpec(t *testing.T) {
	flags := byte(0x06)
	tx := int8(-12)
	ev := AdvertisementEvent{
		LocalName:        "renogy",
		ManufacturerData: map[uint16][]byte{0x1234: {0x01, 0x02}},
		ServiceUUIDs:     []string{"ffd0"},
		Flags:            &flags,
		TXPower:          &tx,
	}

	segs := buildGAPSegments(ev)

	// Flags segment first.
	assert.Equal(t, byte(0x02), segs[0]) // len
	assert.Equal(t, byte(0x01), segs[1]) // AD type: flags
	assert.Equal(t, byte(0x06), segs[2])

	// Advance past flags and find the local-name segment.
	pos := 3
	assert.Equal(t, byte(len("renogy")+1), segs[pos])
	assert.Equal(t, byte(0x09), segs[pos+1])
	assert.Equal(t, []byte("renogy"), segs[pos+2:pos+2+len("renogy")])
}

func TestBuildGAPSegmentsDropsOversizedPayload(t *testing.T) {
	ev := AdvertisementEvent{
		ManufacturerData: map[uint16][]byte{0x0001: make([]byte, 300)},
	}
	segs := buildGAPSegments(ev)

	// Only the default flags segment (3 bytes) should survive.
	assert.Equal(t, 3, len(segs))
}

func TestServiceDataADTypeSelectsByUUIDWidth(t *testing.T) {
	adType, le, ok := serviceDataADType("ffd0")
	require.True(t, ok)
	assert.Equal(t, byte(0x16), adType)
	assert.Equal(t, []byte{0xd0, 0xff}, le)

	_, _, ok = serviceDataADType("not-hex!")
	assert.False(t, ok)
}

func TestEncodeBluetoothLERawAdvertisementsResponseEmbedsOneRawAdvertisement(t *testing.T) {
	ev := AdvertisementEvent{Address: 0xAABBCCDDEEFF, RSSI: -55}
	payload := encodeBluetoothLERawAdvertisementsResponse(ev)

	fields, err := decodeFields(payload)
	require.NoError(t, err)

	raw, ok := fieldBytes(fields, 1)
	require.True(t, ok)

	rawFields, err := decodeFields(raw)
	require.NoError(t, err)

	addr, ok := fieldVarint(rawFields, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(0xAABBCCDDEEFF), addr)
}
