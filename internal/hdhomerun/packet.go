// Package hdhomerun speaks the native HDHomeRun discovery protocol so clients
// that broadcast on UDP 65001 find the gateway without SSDP.
package hdhomerun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

/*
 * Packet format (libhdhomerun):
 *
 *   uint16  type            big-endian
 *   uint16  payload length  big-endian
 *   []byte  payload         TLV items
 *   uint32  CRC32 (IEEE)    little-endian, over type+length+payload
 *
 * TLV lengths below 128 take one byte; longer ones take two, low seven bits
 * first with the high bit set on the first byte.
 */

const (
	TypeDiscoverReq = 0x0002
	TypeDiscoverRpy = 0x0003
)

const (
	TagDeviceType    = 0x01
	TagDeviceID      = 0x02
	TagErrorMessage  = 0x05
	TagTunerCount    = 0x10
	TagLineupURL     = 0x27
	TagBaseURL       = 0x2A
	TagDeviceAuthStr = 0x2B
)

const (
	DeviceTypeWildcard = 0xFFFFFFFF
	DeviceTypeTuner    = 0x00000001
	DeviceIDWildcard   = 0xFFFFFFFF
)

const maxTLVLength = 0x7FFF

var (
	ErrShortPacket = errors.New("hdhomerun: packet too short")
	ErrBadCRC      = errors.New("hdhomerun: crc mismatch")
)

// Packet is one framed message.
type Packet struct {
	Type    uint16
	Payload []byte
}

// Marshal frames the packet and appends its CRC.
func (p Packet) Marshal() []byte {
	buf := make([]byte, 4+len(p.Payload), 4+len(p.Payload)+4)
	binary.BigEndian.PutUint16(buf[0:2], p.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[4:], p.Payload)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// Unmarshal parses and CRC-checks a framed packet.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < 8 {
		return Packet{}, ErrShortPacket
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+n+4 {
		return Packet{}, fmt.Errorf("%w: need %d bytes, got %d", ErrShortPacket, 4+n+4, len(data))
	}
	got := binary.LittleEndian.Uint32(data[4+n:])
	if want := crc32.ChecksumIEEE(data[:4+n]); got != want {
		return Packet{}, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrBadCRC, got, want)
	}
	return Packet{
		Type:    binary.BigEndian.Uint16(data[0:2]),
		Payload: append([]byte(nil), data[4:4+n]...),
	}, nil
}

// TLV is one tag-length-value item.
type TLV struct {
	Tag   uint8
	Value []byte
}

// DecodeTLVs splits a payload into items.
func DecodeTLVs(payload []byte) ([]TLV, error) {
	var out []TLV
	for pos := 0; pos < len(payload); {
		if pos+2 > len(payload) {
			return nil, errors.New("hdhomerun: truncated tlv")
		}
		tag := payload[pos]
		n := int(payload[pos+1])
		pos += 2
		if n&0x80 != 0 {
			if pos >= len(payload) {
				return nil, errors.New("hdhomerun: truncated tlv length")
			}
			n = n&0x7F | int(payload[pos])<<7
			pos++
		}
		if pos+n > len(payload) {
			return nil, fmt.Errorf("hdhomerun: tlv 0x%02x wants %d bytes, %d left", tag, n, len(payload)-pos)
		}
		out = append(out, TLV{Tag: tag, Value: payload[pos : pos+n]})
		pos += n
	}
	return out, nil
}

// EncodeTLVs serializes items. Values longer than 32767 bytes are truncated.
func EncodeTLVs(items []TLV) []byte {
	var buf []byte
	for _, it := range items {
		v := it.Value
		if len(v) > maxTLVLength {
			v = v[:maxTLVLength]
		}
		buf = append(buf, it.Tag)
		if n := len(v); n < 0x80 {
			buf = append(buf, byte(n))
		} else {
			buf = append(buf, byte(n)|0x80, byte(n>>7))
		}
		buf = append(buf, v...)
	}
	return buf
}

// Find returns the first item tagged tag.
func Find(items []TLV, tag uint8) (TLV, bool) {
	for _, it := range items {
		if it.Tag == tag {
			return it, true
		}
	}
	return TLV{}, false
}

func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

// cstr is a NUL-terminated string value.
func cstr(s string) []byte { return append([]byte(s), 0) }

// NewDiscoverReq builds a discovery request; clients normally send wildcards.
func NewDiscoverReq(deviceType, deviceID uint32) Packet {
	return Packet{Type: TypeDiscoverReq, Payload: EncodeTLVs([]TLV{
		{Tag: TagDeviceType, Value: u32(deviceType)},
		{Tag: TagDeviceID, Value: u32(deviceID)},
	})}
}
