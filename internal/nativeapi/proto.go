package nativeapi

import (
	"fmt"
	"math"
)

// Minimal protobuf wire-format helpers. The native API's payloads are plain
// protobuf messages (see aioesphomeapi's api.proto); rather than vendoring a
// generated .pb.go (which would require running protoc — off limits here —
// against a .proto file nobody in this tree ships), we hand-encode the small
// fixed set of messages this server actually speaks directly against the
// documented wire format, grounded in the varint helpers original_source's
// esphome_protocol_guide.py spells out.

const (
	wireVarint = 0
	wireBytes  = 2
)

func appendTag(buf []byte, field int, wireType int) []byte {
	return appendVarint(buf, uint64(field)<<3|uint64(wireType))
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendBoolField(buf []byte, field int, v bool) []byte {
	if !v {
		return buf
	}
	return appendVarintField(buf, field, 1)
}

func appendBytesField(buf []byte, field int, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendStringField(buf []byte, field int, v string) []byte {
	return appendBytesField(buf, field, []byte(v))
}

// appendFloatField encodes an IEEE-754 single-precision float as a
// protobuf "float" field (wire type 5, fixed32, little-endian).
func appendFloatField(buf []byte, field int, v float32) []byte {
	bits := math.Float32bits(v)
	buf = appendTag(buf, field, 5)
	buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	return buf
}

// zigzag32 encodes a signed int32 using protobuf's zigzag scheme, used for
// sint32 fields such as rssi.
func zigzag32(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

// protoField is one decoded (field number, wire type, raw value) triple.
type protoField struct {
	Field    int
	WireType int
	Varint   uint64
	Bytes    []byte
}

// decodeFields parses every top-level field in a protobuf message payload.
// Unknown wire types abort decoding with an error; callers should treat a
// decode error as a framing-level failure for that message.
func decodeFields(data []byte) ([]protoField, error) {
	var out []protoField
	pos := 0
	for pos < len(data) {
		tag, n, ok := decodeVarintAt(data[pos:])
		if !ok {
			return nil, fmt.Errorf("nativeapi: truncated tag at offset %d", pos)
		}
		pos += n
		field := int(tag >> 3)
		wireType := int(tag & 0x7)

		switch wireType {
		case wireVarint:
			v, n, ok := decodeVarintAt(data[pos:])
			if !ok {
				return nil, fmt.Errorf("nativeapi: truncated varint field %d", field)
			}
			pos += n
			out = append(out, protoField{Field: field, WireType: wireType, Varint: v})
		case wireBytes:
			length, n, ok := decodeVarintAt(data[pos:])
			if !ok {
				return nil, fmt.Errorf("nativeapi: truncated length for field %d", field)
			}
			pos += n
			if pos+int(length) > len(data) {
				return nil, fmt.Errorf("nativeapi: truncated bytes for field %d", field)
			}
			out = append(out, protoField{Field: field, WireType: wireType, Bytes: data[pos : pos+int(length)]})
			pos += int(length)
		case 5: // fixed32
			if pos+4 > len(data) {
				return nil, fmt.Errorf("nativeapi: truncated fixed32 for field %d", field)
			}
			out = append(out, protoField{Field: field, WireType: wireType, Bytes: data[pos : pos+4]})
			pos += 4
		case 1: // fixed64
			if pos+8 > len(data) {
				return nil, fmt.Errorf("nativeapi: truncated fixed64 for field %d", field)
			}
			out = append(out, protoField{Field: field, WireType: wireType, Bytes: data[pos : pos+8]})
			pos += 8
		default:
			return nil, fmt.Errorf("nativeapi: unsupported wire type %d on field %d", wireType, field)
		}
	}
	return out, nil
}

func decodeVarintAt(buf []byte) (v uint64, n int, ok bool) {
	var shift uint
	for i, b := range buf {
		if shift >= 64 {
			return 0, 0, false
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, true
		}
		shift += 7
	}
	return 0, 0, false
}

// fieldVarint returns the first varint-valued field with the given number.
func fieldVarint(fields []protoField, num int) (uint64, bool) {
	for _, f := range fields {
		if f.Field == num && f.WireType == wireVarint {
			return f.Varint, true
		}
	}
	return 0, false
}

// fieldBytes returns the first length-delimited field with the given number.
func fieldBytes(fields []protoField, num int) ([]byte, bool) {
	for _, f := range fields {
		if f.Field == num && f.WireType == wireBytes {
			return f.Bytes, true
		}
	}
	return nil, false
}

func fieldString(fields []protoField, num int) (string, bool) {
	b, ok := fieldBytes(fields, num)
	if !ok {
		return "", false
	}
	return string(b), true
}
