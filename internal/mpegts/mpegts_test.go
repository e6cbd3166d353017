package mpegts

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

func TestNullPacket(t *testing.T) {
	pkt := NullPacket()
	if pkt[0] != SyncByte {
		t.Fatalf("sync = %#x", pkt[0])
	}
	if PID(pkt[:]) != NullPID {
		t.Fatalf("PID = %#x", PID(pkt[:]))
	}
	for i := 4; i < PacketSize; i++ {
		if pkt[i] != 0xFF {
			t.Fatalf("payload[%d] = %#x", i, pkt[i])
		}
	}
	if !IsNullPacket(pkt[:]) {
		t.Error("IsNullPacket = false")
	}
}

func TestCRC32_knownVector(t *testing.T) {
	// CRC-32/MPEG-2 check value for "123456789".
	if got := CRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Fatalf("CRC32 = %#x, want 0x0376e6e7", got)
	}
}

func TestPSI_crcSelfCheck(t *testing.T) {
	// A section followed by its CRC runs the MPEG CRC to zero.
	pat := BuildPAT(3)
	if CRC32(pat[5:5+16]) != 0 {
		t.Error("PAT CRC does not verify")
	}
	pmt := BuildPMT(7)
	if CRC32(pmt[5:5+26]) != 0 {
		t.Error("PMT CRC does not verify")
	}
	if pat[3]&0x0F != 3 || pmt[3]&0x0F != 7 {
		t.Errorf("continuity counters = %d/%d", pat[3]&0x0F, pmt[3]&0x0F)
	}
	if PID(pmt[:]) != PMTPID {
		t.Errorf("PMT PID = %#x", PID(pmt[:]))
	}
}

func TestInspect_builtPSI(t *testing.T) {
	pat := BuildPAT(0)
	pmt := BuildPMT(0)
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x12}) // leading garbage
	buf.Write(pat[:])
	buf.Write(pmt[:])
	buf.Write(NullPackets(4))
	info, err := Inspect(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Programs) != 1 || info.Programs[0] != 1 {
		t.Errorf("programs = %v", info.Programs)
	}
	if len(info.Streams) != 2 {
		t.Fatalf("streams = %+v", info.Streams)
	}
	if info.Streams[0].Codec != "h264" || info.Streams[0].PID != VideoPID {
		t.Errorf("video stream = %+v", info.Streams[0])
	}
	if info.Streams[1].Codec != "aac" || info.Streams[1].PID != AudioPID {
		t.Errorf("audio stream = %+v", info.Streams[1])
	}
	if !info.HasVideo() {
		t.Error("HasVideo = false")
	}
}

func TestInspect_onlyNulls(t *testing.T) {
	if _, err := Inspect(context.Background(), NullPackets(10)); err == nil {
		t.Fatal("expected ErrNoPSI")
	}
}

func TestDummySegment(t *testing.T) {
	seg := DummySegment(2)
	if len(seg)%PacketSize != 0 {
		t.Fatalf("len %d not packet aligned", len(seg))
	}
	if n := len(seg) / PacketSize; n != 2*NominalPacketsPerSecond {
		t.Errorf("packets = %d", n)
	}
	for i := 2 * PacketSize; i < len(seg); i += PacketSize {
		if !IsNullPacket(seg[i:]) {
			t.Fatalf("packet at %d is not null", i/PacketSize)
		}
	}
}

func TestAlignedReader_dropsGarbage(t *testing.T) {
	var src bytes.Buffer
	src.WriteString("frame=  1 garbage\n")
	src.Write(NullPackets(3))
	ar := NewAlignedReader(&src)
	out, err := io.ReadAll(ar)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3*PacketSize || out[0] != SyncByte {
		t.Fatalf("len=%d first=%#x", len(out), out[0])
	}
	if ar.Dropped() != int64(len("frame=  1 garbage\n")) {
		t.Errorf("Dropped = %d", ar.Dropped())
	}
}

func TestFindSync(t *testing.T) {
	buf := append([]byte{0x47, 0x00}, NullPackets(2)...)
	if off := FindSync(buf); off != 2 {
		t.Errorf("FindSync = %d, want 2", off)
	}
	if FindSync([]byte("no sync here")) != -1 {
		t.Error("expected -1")
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.b.Bytes()...)
}

func TestPadding_wholePacketsUntilStop(t *testing.T) {
	var dst lockedBuffer
	p := StartPadding(context.Background(), &dst, nil, 25*time.Millisecond, 2)
	time.Sleep(120 * time.Millisecond)
	st := p.Stop("worker-ready")
	out := dst.Bytes()
	if len(out) == 0 || len(out)%PacketSize != 0 {
		t.Fatalf("padding bytes = %d, not packet aligned", len(out))
	}
	if int64(len(out)) != st.Bytes {
		t.Errorf("stats bytes = %d, written = %d", st.Bytes, len(out))
	}
	for i := 0; i < len(out); i += PacketSize {
		if !IsNullPacket(out[i:]) {
			t.Fatalf("packet %d not null", i/PacketSize)
		}
	}
	if st.Reason != "stopped:worker-ready" {
		t.Errorf("reason = %q", st.Reason)
	}
	// second Stop is a no-op
	if st2 := p.Stop("again"); st2.Reason != st.Reason {
		t.Errorf("second stop reason = %q", st2.Reason)
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestPadding_writeErrorEnds(t *testing.T) {
	p := StartPadding(context.Background(), failWriter{}, nil, 25*time.Millisecond, 1)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("padding did not stop on write error")
	}
	if st := p.Stop("late"); st.Reason != "write-error" || st.Err == nil {
		t.Errorf("stats = %+v", st)
	}
}
