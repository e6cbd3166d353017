package mpegts

import "io"

// maxAlignScan bounds how far AlignedReader looks for a confirmed packet
// boundary before settling for the first sync byte.
const maxAlignScan = 8 * PacketSize

// AlignedReader discards any bytes r produces before the first packet
// boundary, so the first byte it returns is a sync byte.
type AlignedReader struct {
	r       io.Reader
	synced  bool
	pending []byte
	dropped int64
}

// NewAlignedReader wraps r.
func NewAlignedReader(r io.Reader) *AlignedReader {
	return &AlignedReader{r: r}
}

// Dropped is the number of leading bytes discarded.
func (a *AlignedReader) Dropped() int64 { return a.dropped }

func (a *AlignedReader) Read(p []byte) (int, error) {
	if !a.synced {
		if err := a.sync(); err != nil && len(a.pending) == 0 {
			return 0, err
		}
	}
	if len(a.pending) > 0 {
		n := copy(p, a.pending)
		a.pending = a.pending[n:]
		return n, nil
	}
	return a.r.Read(p)
}

func (a *AlignedReader) sync() error {
	buf := make([]byte, 0, maxAlignScan+PacketSize)
	tmp := make([]byte, 2*PacketSize)
	for {
		n, err := a.r.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if off := confirmedSync(buf); off >= 0 {
			a.settle(buf, off)
			return nil
		}
		if len(buf) >= maxAlignScan || err != nil {
			off := FindSync(buf)
			if off < 0 {
				a.dropped += int64(len(buf))
				buf = buf[:0]
				if err != nil {
					return err
				}
				continue
			}
			a.settle(buf, off)
			return err
		}
	}
}

func (a *AlignedReader) settle(buf []byte, off int) {
	a.dropped += int64(off)
	a.pending = buf[off:]
	a.synced = true
}

// confirmedSync returns i where buf[i] and buf[i+188] are both sync bytes.
func confirmedSync(buf []byte) int {
	for i := 0; i+PacketSize < len(buf); i++ {
		if buf[i] == SyncByte && buf[i+PacketSize] == SyncByte {
			return i
		}
	}
	return -1
}
