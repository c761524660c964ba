// Package wire implements the two binary codecs the proxy speaks: the
// ESPHome native-API frame format used on the TCP control channel, and the
// Modbus RTU framing used over a Renogy GATT write/notify pair.
package wire

import "errors"

// ErrBadPreamble is returned by Decode when the leading byte is not zero.
// Plaintext native-API frames always start with a zero preamble byte; a
// non-zero byte indicates a Noise-encrypted frame, which this server never
// negotiates and therefore never expects to receive.
var ErrBadPreamble = errors.New("wire: bad preamble")

// Encode produces one complete native-API frame: a zero preamble, the
// varint-encoded payload length, the varint-encoded message type, and the
// payload itself. payload_len counts payload bytes only.
func Encode(msgType uint32, payload []byte) []byte {
	lenBuf := appendVarint(nil, uint64(len(payload)))
	typeBuf := appendVarint(nil, uint64(msgType))

	out := make([]byte, 0, 1+len(lenBuf)+len(typeBuf)+len(payload))
	out = append(out, 0x00)
	out = append(out, lenBuf...)
	out = append(out, typeBuf...)
	out = append(out, payload...)
	return out
}

// Decode attempts to parse one complete frame from the front of buf.
// It returns ok=false (with consumed=0) if buf does not yet contain a
// complete frame — the caller should read more bytes and retry. It returns
// ErrBadPreamble if the first byte is non-zero.
func Decode(buf []byte) (msgType uint32, payload []byte, consumed int, ok bool, err error) {
	if len(buf) == 0 {
		return 0, nil, 0, false, nil
	}
	if buf[0] != 0x00 {
		return 0, nil, 0, false, ErrBadPreamble
	}

	payloadLen, lenSize, complete := decodeVarint(buf[1:])
	if !complete {
		return 0, nil, 0, false, nil
	}

	msgTypeVal, typeSize, complete := decodeVarint(buf[1+lenSize:])
	if !complete {
		return 0, nil, 0, false, nil
	}

	headerSize := 1 + lenSize + typeSize
	total := headerSize + int(payloadLen)
	if len(buf) < total {
		return 0, nil, 0, false, nil
	}

	out := make([]byte, payloadLen)
	copy(out, buf[headerSize:total])
	return uint32(msgTypeVal), out, total, true, nil
}

// appendVarint appends the LEB128 varint encoding of v to dst.
func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// decodeVarint reads a LEB128 varint from the front of buf. complete is
// false if buf ends before a terminating byte (high bit clear) is seen.
func decodeVarint(buf []byte) (v uint64, size int, complete bool) {
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
