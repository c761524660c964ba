package mdns

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Minimal RFC 1035/6762 message codec. Nothing in the retrieved corpus
// imports an mDNS/DNS-SD library (see DESIGN.md), so the wire format is
// hand-encoded directly against the RFC rather than vendoring one.

const (
	classIN       = 1
	classFlush    = 0x8000 // RFC 6762 §10.2: cache-flush bit on mDNS answers
	classInMask   = 0x7fff
	typeA         = 1
	typePTR       = 12
	typeTXT       = 16
	typeAAAA      = 28
	typeSRV       = 33
	typeANY       = 255
	headerLen     = 12
	flagsResponse = 0x8400 // QR=1, AA=1
)

// question is one parsed entry from the Questions section of an incoming
// query.
type question struct {
	Name  string
	Type  uint16
	Class uint16
}

// message is a decoded DNS/mDNS packet, trimmed to the fields this
// responder needs: the header ID and flags and the question list. Answer/
// authority/additional records are never parsed, since this responder
// only reacts to queries, never caches peer answers.
type message struct {
	ID        uint16
	Flags     uint16
	Questions []question
}

// record is one resource record to encode into a response's answer or
// additional section.
type record struct {
	Name  string
	Type  uint16
	Class uint16 // classIN, optionally | classFlush
	TTL   uint32
	RData []byte
}

func decodeMessage(buf []byte) (message, error) {
	if len(buf) < headerLen {
		return message{}, fmt.Errorf("mdns: packet too short (%d bytes)", len(buf))
	}
	id := binary.BigEndian.Uint16(buf[0:2])
	flags := binary.BigEndian.Uint16(buf[2:4])
	qdcount := binary.BigEndian.Uint16(buf[4:6])

	pos := headerLen
	questions := make([]question, 0, qdcount)
	for i := 0; i < int(qdcount); i++ {
		name, n, err := decodeName(buf, pos)
		if err != nil {
			return message{}, err
		}
		pos = n
		if pos+4 > len(buf) {
			return message{}, fmt.Errorf("mdns: truncated question")
		}
		qtype := binary.BigEndian.Uint16(buf[pos : pos+2])
		qclass := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
		pos += 4
		questions = append(questions, question{Name: name, Type: qtype, Class: qclass})
	}

	return message{ID: id, Flags: flags, Questions: questions}, nil
}

// decodeName reads a (possibly compressed) DNS name starting at pos and
// returns it dot-joined and lowercased, plus the offset immediately past
// the name's encoding in the original message (not following any pointer
// jump, since the caller only needs to resume parsing after the name).
func decodeName(buf []byte, pos int) (string, int, error) {
	var labels []string
	start := pos
	jumped := false
	end := pos

	for {
		if pos >= len(buf) {
			return "", 0, fmt.Errorf("mdns: name runs past end of packet")
		}
		length := int(buf[pos])
		if length == 0 {
			pos++
			if !jumped {
				end = pos
			}
			break
		}
		if length&0xc0 == 0xc0 { // compression pointer
			if pos+1 >= len(buf) {
				return "", 0, fmt.Errorf("mdns: truncated compression pointer")
			}
			ptr := int(binary.BigEndian.Uint16(buf[pos:pos+2]) & 0x3fff)
			if !jumped {
				end = pos + 2
			}
			jumped = true
			pos = ptr
			continue
		}
		pos++
		if pos+length > len(buf) {
			return "", 0, fmt.Errorf("mdns: label runs past end of packet")
		}
		labels = append(labels, string(buf[pos:pos+length]))
		pos += length
	}
	if start == end {
		return "", 0, fmt.Errorf("mdns: empty name decode")
	}
	return strings.ToLower(strings.Join(labels, ".")), end, nil
}

// encodeName writes name as a sequence of length-prefixed labels ending in
// a zero-length root label. No compression is emitted: every response this
// responder sends is small enough that compression only complicates the
// encoder for no measurable gain.
func encodeName(name string) []byte {
	name = strings.TrimSuffix(name, ".")
	var out []byte
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			out = append(out, byte(len(label)))
			out = append(out, label...)
		}
	}
	return append(out, 0)
}

// encodeResponse builds a complete mDNS response packet: header with
// ancount/arcount set, then the answer records followed by the additional
// records. id is normally 0 for unsolicited multicast announcements and
// echoes the query's ID for unicast responses (this responder always
// replies over multicast, so it is always 0).
func encodeResponse(id uint16, answers, extra []record) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[2:4], flagsResponse)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(answers)))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(extra)))

	for _, r := range answers {
		buf = appendRecord(buf, r)
	}
	for _, r := range extra {
		buf = appendRecord(buf, r)
	}
	return buf
}

func appendRecord(buf []byte, r record) []byte {
	buf = append(buf, encodeName(r.Name)...)
	var typeClass [8]byte
	binary.BigEndian.PutUint16(typeClass[0:2], r.Type)
	binary.BigEndian.PutUint16(typeClass[2:4], r.Class)
	binary.BigEndian.PutUint32(typeClass[4:8], r.TTL)
	buf = append(buf, typeClass[:]...)

	var rdlen [2]byte
	binary.BigEndian.PutUint16(rdlen[:], uint16(len(r.RData)))
	buf = append(buf, rdlen[:]...)
	return append(buf, r.RData...)
}

// encodeSRVData builds the RDATA for an SRV record per RFC 2782: priority,
// weight, port, then the compression-free encoded target name.
func encodeSRVData(priority, weight uint16, port int, target string) []byte {
	out := make([]byte, 6)
	binary.BigEndian.PutUint16(out[0:2], priority)
	binary.BigEndian.PutUint16(out[2:4], weight)
	binary.BigEndian.PutUint16(out[4:6], uint16(port))
	return append(out, encodeName(target)...)
}

// encodeTXTData builds the RDATA for a TXT record: each "key=value" entry
// as its own length-prefixed string, per RFC 6763 §6.3.
func encodeTXTData(txt map[string]string) []byte {
	var out []byte
	for k, v := range txt {
		entry := k + "=" + v
		if len(entry) > 255 {
			entry = entry[:255]
		}
		out = append(out, byte(len(entry)))
		out = append(out, entry...)
	}
	if out == nil {
		out = []byte{0}
	}
	return out
}
