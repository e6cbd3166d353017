// Package mpegts holds the transport-stream primitives used on the /stream
// path: null padding packets, PAT/PMT builders, the padder that keeps Plex fed
// while a worker starts, and a small inspector for worker output.
package mpegts

const (
	PacketSize = 188
	SyncByte   = 0x47
	NullPID    = 0x1FFF

	// NominalPacketsPerSecond sizes dummy segments; roughly 1 Mbit/s of packets.
	NominalPacketsPerSecond = 665
)

var nullPacket = func() [PacketSize]byte {
	// PID 0x1FFF, payload only, CC 0; payload bytes 0xFF.
	pkt := [PacketSize]byte{SyncByte, 0x1F, 0xFF, 0x10}
	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}()

// NullPacket returns a 188-byte null packet.
func NullPacket() [PacketSize]byte { return nullPacket }

// PID returns the 13-bit PID of a packet header. pkt must hold at least 3 bytes.
func PID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// IsNullPacket reports whether pkt is a complete packet on the null PID.
func IsNullPacket(pkt []byte) bool {
	return len(pkt) >= PacketSize && pkt[0] == SyncByte && PID(pkt) == NullPID
}

// NullPackets returns n concatenated null packets.
func NullPackets(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n*PacketSize)
	for i := 0; i < n; i++ {
		copy(out[i*PacketSize:], nullPacket[:])
	}
	return out
}

// DummySegment returns a segment of PAT, PMT and null packets long enough to
// cover seconds of playback at NominalPacketsPerSecond. Used in place of an
// upstream segment that could not be fetched.
func DummySegment(seconds float64) []byte {
	if seconds <= 0 {
		seconds = 1
	}
	n := int(seconds*NominalPacketsPerSecond + 0.5)
	if n < 3 {
		n = 3
	}
	out := make([]byte, 0, n*PacketSize)
	pat := BuildPAT(0)
	pmt := BuildPMT(0)
	out = append(out, pat[:]...)
	out = append(out, pmt[:]...)
	out = append(out, NullPackets(n-2)...)
	return out
}

// FindSync returns the offset of the first sync byte that is followed by
// another sync byte one packet later (or that sits in the final partial
// packet of buf). Returns -1 when there is none.
func FindSync(buf []byte) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != SyncByte {
			continue
		}
		if i+PacketSize >= len(buf) || buf[i+PacketSize] == SyncByte {
			return i
		}
	}
	return -1
}
