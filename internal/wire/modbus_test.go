package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16ModbusKnownVector(t *testing.T) {
	// Read holding registers, unit 1, base 0x1388, count 8.
	assert.Equal(t, uint16(0x2CC0), CRC16Modbus([]byte{0x01, 0x03, 0x13, 0x88, 0x00, 0x08}))
}

func TestEncodeReadRequestAppendsValidCRC(t *testing.T) {
	frame := EncodeReadRequest(0x01, 0x1388, 0x08)
	require.Len(t, frame, 8)
	assert.Equal(t, []byte{0x01, 0x03, 0x13, 0x88, 0x00, 0x08}, frame[:6])
	gotCRC := uint16(frame[6]) | uint16(frame[7])<<8
	assert.Equal(t, uint16(0x2CC0), gotCRC)
}

func TestDecodeReadResponseHappyPath(t *testing.T) {
	unitID := byte(0x30)
	wordCount := uint16(2)
	payload := []byte{0x00, 0x64, 0x00, 0xC8}
	header := []byte{unitID, ReadHoldingRegistersFunc, byte(len(payload))}
	body := append(append([]byte{}, header...), payload...)
	crc := CRC16Modbus(body)
	frame := append(body, byte(crc), byte(crc>>8))

	resp, err := DecodeReadResponse(frame, wordCount)
	require.NoError(t, err)
	assert.Equal(t, unitID, resp.UnitID)
	assert.Equal(t, payload, resp.Data)
}

func TestDecodeReadResponseRejectsWrongLength(t *testing.T) {
	_, err := DecodeReadResponse([]byte{0x30, 0x03, 0x02, 0x00, 0x64}, 2)
	assert.Error(t, err)
}

func TestDecodeReadResponseRejectsExceptionBit(t *testing.T) {
	frame := []byte{0x30, 0x83, 0x02, 0x02, 0x00}
	crc := CRC16Modbus(frame[:3])
	frame = append(frame[:3], byte(crc), byte(crc>>8))
	_, err := DecodeReadResponse(frame, 1)
	assert.Error(t, err)
}

func TestDecodeReadResponseRejectsBadCRC(t *testing.T) {
	frame := []byte{0x30, 0x03, 0x02, 0x00, 0x64, 0xFF, 0xFF}
	_, err := DecodeReadResponse(frame, 1)
	assert.Error(t, err)
}
