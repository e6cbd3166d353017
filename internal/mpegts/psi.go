package mpegts

// Program layout declared by BuildPAT/BuildPMT. The PIDs match the ffmpeg
// mpegts muxer defaults so padding and real worker output describe the same
// program.
const (
	PMTPID   = 0x1000
	VideoPID = 0x0100
	AudioPID = 0x0101

	streamTypeH264 = 0x1B
	streamTypeAAC  = 0x0F
)

// CRC32 computes the MPEG-2 section CRC (poly 0x04C11DB7, init 0xFFFFFFFF,
// MSB-first, no reflection, no final XOR).
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

func putCRC(dst []byte, section []byte) {
	crc := CRC32(section)
	dst[0] = byte(crc >> 24)
	dst[1] = byte(crc >> 16)
	dst[2] = byte(crc >> 8)
	dst[3] = byte(crc)
}

func psiHeader(pkt *[PacketSize]byte, pid uint16, cc uint8) {
	pkt[0] = SyncByte
	pkt[1] = 0x40 | byte(pid>>8)&0x1F // PUSI
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F
	pkt[4] = 0x00 // pointer_field
}

// BuildPAT returns a PAT packet declaring program 1 on PMTPID. cc is the
// continuity counter for PID 0.
func BuildPAT(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	psiHeader(&pkt, 0, cc)
	sec := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // syntax=1, section_length=13
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section / last_section
		0x00, 0x01, // program_number
		0xE0 | byte(PMTPID>>8)&0x1F, byte(PMTPID & 0xFF),
	}
	n := copy(pkt[5:], sec)
	putCRC(pkt[5+n:], sec)
	for i := 5 + n + 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// BuildPMT returns a PMT packet for program 1 declaring H.264 video on
// VideoPID (also the PCR PID) and AAC audio on AudioPID.
func BuildPMT(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	psiHeader(&pkt, PMTPID, cc)
	sec := []byte{
		0x02,       // table_id
		0xB0, 0x17, // syntax=1, section_length=23
		0x00, 0x01, // program_number
		0xC1,
		0x00, 0x00,
		0xE0 | byte(VideoPID>>8)&0x1F, byte(VideoPID & 0xFF), // PCR PID
		0xF0, 0x00, // program_info_length
		streamTypeH264, 0xE0 | byte(VideoPID>>8)&0x1F, byte(VideoPID & 0xFF), 0xF0, 0x00,
		streamTypeAAC, 0xE0 | byte(AudioPID>>8)&0x1F, byte(AudioPID & 0xFF), 0xF0, 0x00,
	}
	n := copy(pkt[5:], sec)
	putCRC(pkt[5+n:], sec)
	for i := 5 + n + 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
