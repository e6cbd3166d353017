package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/asticode/go-astits"
)

// StreamInfo is one elementary stream declared by a PMT.
type StreamInfo struct {
	PID   uint16
	Type  uint8
	Codec string
}

// ProgramInfo summarizes the PSI found in a TS prefix.
type ProgramInfo struct {
	Programs []uint16 // program numbers from the PAT
	Streams  []StreamInfo
	Packets  int
}

// HasVideo reports whether a video stream was declared.
func (pi ProgramInfo) HasVideo() bool {
	for _, s := range pi.Streams {
		switch s.Codec {
		case "h264", "hevc", "mpeg2video", "mpeg1video":
			return true
		}
	}
	return false
}

func (pi ProgramInfo) String() string {
	parts := make([]string, 0, len(pi.Streams))
	for _, s := range pi.Streams {
		parts = append(parts, fmt.Sprintf("%#x:%s", s.PID, s.Codec))
	}
	return fmt.Sprintf("programs=%d streams=[%s]", len(pi.Programs), strings.Join(parts, " "))
}

func codecName(t uint8) string {
	switch t {
	case 0x01:
		return "mpeg1video"
	case 0x02:
		return "mpeg2video"
	case 0x03, 0x04:
		return "mp2"
	case 0x0F:
		return "aac"
	case 0x11:
		return "aac_latm"
	case 0x1B:
		return "h264"
	case 0x24:
		return "hevc"
	case 0x81:
		return "ac3"
	case 0x87:
		return "eac3"
	case 0x06:
		return "private"
	}
	return fmt.Sprintf("type_%#x", t)
}

// ErrNoPSI is returned by Inspect when the prefix holds no PAT/PMT.
var ErrNoPSI = errors.New("mpegts: no PAT/PMT in prefix")

// Inspect demuxes a buffered TS prefix (typically the first few hundred
// kilobytes of worker output) and reports the declared program layout.
func Inspect(ctx context.Context, prefix []byte) (ProgramInfo, error) {
	var info ProgramInfo
	off := FindSync(prefix)
	if off < 0 {
		return info, ErrNoPSI
	}
	prefix = prefix[off:]
	info.Packets = len(prefix) / PacketSize
	dmx := astits.NewDemuxer(ctx, bytes.NewReader(prefix[:info.Packets*PacketSize]))
	seen := make(map[uint16]bool)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if len(info.Streams) > 0 {
				break
			}
			return info, fmt.Errorf("mpegts: demux: %w", err)
		}
		if d == nil {
			continue
		}
		if d.PAT != nil {
			for _, p := range d.PAT.Programs {
				if p.ProgramNumber != 0 {
					info.Programs = append(info.Programs, p.ProgramNumber)
				}
			}
		}
		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				if seen[es.ElementaryPID] {
					continue
				}
				seen[es.ElementaryPID] = true
				t := uint8(es.StreamType)
				info.Streams = append(info.Streams, StreamInfo{PID: es.ElementaryPID, Type: t, Codec: codecName(t)})
			}
		}
	}
	if len(info.Programs) == 0 && len(info.Streams) == 0 {
		return info, ErrNoPSI
	}
	return info, nil
}
