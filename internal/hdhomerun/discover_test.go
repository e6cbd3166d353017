package hdhomerun

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func testDevice() *Device {
	return &Device{
		DeviceID:   0x1A2B3C4D,
		TunerCount: 4,
		BaseURL:    "http://192.168.1.10:5004",
		LineupURL:  "http://192.168.1.10:5004/lineup.json",
		DeviceAuth: "plexbridge",
	}
}

func TestUnmarshal_rejectsBadCRC(t *testing.T) {
	raw := NewDiscoverReq(DeviceTypeWildcard, DeviceIDWildcard).Marshal()
	raw[len(raw)-1] ^= 0xFF
	if _, err := Unmarshal(raw); !errors.Is(err, ErrBadCRC) {
		t.Fatalf("err = %v, want ErrBadCRC", err)
	}
	if _, err := Unmarshal(raw[:5]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("err = %v, want ErrShortPacket", err)
	}
}

func TestTLV_longValue(t *testing.T) {
	long := bytes.Repeat([]byte{'x'}, 300)
	enc := EncodeTLVs([]TLV{{Tag: TagBaseURL, Value: long}, {Tag: TagTunerCount, Value: []byte{2}}})
	// 300 = 0b10_0101100: low seven bits with the continuation flag, then 300>>7.
	if enc[1] != 0x80|0x2C || enc[2] != 0x02 {
		t.Fatalf("length bytes = %02x %02x", enc[1], enc[2])
	}
	items, err := DecodeTLVs(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || !bytes.Equal(items[0].Value, long) || items[1].Value[0] != 2 {
		t.Fatalf("decoded %d items", len(items))
	}
}

func TestReply(t *testing.T) {
	d := testDevice()
	resp, ok, err := d.Reply(NewDiscoverReq(DeviceTypeWildcard, DeviceIDWildcard).Marshal())
	if err != nil || !ok {
		t.Fatalf("reply ok=%v err=%v", ok, err)
	}
	pkt, err := Unmarshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Type != TypeDiscoverRpy {
		t.Fatalf("type = %#x", pkt.Type)
	}
	items, err := DecodeTLVs(pkt.Payload)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := Find(items, TagDeviceID)
	if got := binary.BigEndian.Uint32(id.Value); got != d.DeviceID {
		t.Fatalf("device id = %08X", got)
	}
	tc, _ := Find(items, TagTunerCount)
	if tc.Value[0] != 4 {
		t.Fatalf("tuner count = %d", tc.Value[0])
	}
	lu, _ := Find(items, TagLineupURL)
	if got := strings.TrimRight(string(lu.Value), "\x00"); got != d.LineupURL {
		t.Fatalf("lineup url = %q", got)
	}

	for name, req := range map[string]Packet{
		"other device":  NewDiscoverReq(DeviceTypeWildcard, 0x01020304),
		"storage type":  NewDiscoverReq(0x00000005, DeviceIDWildcard),
		"not discovery": {Type: 0x0004},
	} {
		if _, ok, err := d.Reply(req.Marshal()); ok || err != nil {
			t.Errorf("%s: ok=%v err=%v, want silent ignore", name, ok, err)
		}
	}
}

func TestParseDeviceID(t *testing.T) {
	if v, err := ParseDeviceID("1a2b3c4d"); err != nil || v != 0x1A2B3C4D {
		t.Fatalf("v=%08X err=%v", v, err)
	}
	if _, err := ParseDeviceID("not-hex"); err == nil {
		t.Fatal("want error")
	}
}

func TestServe_loopback(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testDevice().Serve(ctx, conn) }()

	client, err := net.Dial("udp4", conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.Write([]byte("garbage"))
	client.Write(NewDiscoverReq(DeviceTypeTuner, DeviceIDWildcard).Marshal())
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pkt, err := Unmarshal(buf[:n]); err != nil || pkt.Type != TypeDiscoverRpy {
		t.Fatalf("reply type=%#x err=%v", pkt.Type, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
