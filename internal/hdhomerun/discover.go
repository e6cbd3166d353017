package hdhomerun

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

// DiscoverPort is the UDP port HDHomeRun clients broadcast to.
const DiscoverPort = 65001

// Device is what a discovery reply advertises.
type Device struct {
	DeviceID   uint32
	TunerCount int
	BaseURL    string
	LineupURL  string
	DeviceAuth string
}

// ParseDeviceID reads an 8-hex-digit device id such as "1A2B3C4D".
func ParseDeviceID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("hdhomerun: device id %q: %w", s, err)
	}
	return uint32(v), nil
}

// Reply answers one request datagram. ok is false when the datagram is not
// a discovery request for this device.
func (d *Device) Reply(req []byte) (resp []byte, ok bool, err error) {
	pkt, err := Unmarshal(req)
	if err != nil {
		return nil, false, err
	}
	if pkt.Type != TypeDiscoverReq {
		return nil, false, nil
	}
	items, err := DecodeTLVs(pkt.Payload)
	if err != nil {
		return nil, false, err
	}
	if t, found := Find(items, TagDeviceType); found && len(t.Value) >= 4 {
		if v := binary.BigEndian.Uint32(t.Value); v != DeviceTypeWildcard && v != DeviceTypeTuner {
			return nil, false, nil
		}
	}
	if t, found := Find(items, TagDeviceID); found && len(t.Value) >= 4 {
		if v := binary.BigEndian.Uint32(t.Value); v != DeviceIDWildcard && v != d.DeviceID {
			return nil, false, nil
		}
	}

	tuners := d.TunerCount
	if tuners < 1 {
		tuners = 1
	}
	if tuners > 255 {
		tuners = 255
	}
	out := []TLV{
		{Tag: TagDeviceType, Value: u32(DeviceTypeTuner)},
		{Tag: TagDeviceID, Value: u32(d.DeviceID)},
		{Tag: TagTunerCount, Value: []byte{byte(tuners)}},
	}
	if d.DeviceAuth != "" {
		out = append(out, TLV{Tag: TagDeviceAuthStr, Value: cstr(d.DeviceAuth)})
	}
	if d.BaseURL != "" {
		out = append(out, TLV{Tag: TagBaseURL, Value: cstr(d.BaseURL)})
	}
	if d.LineupURL != "" {
		out = append(out, TLV{Tag: TagLineupURL, Value: cstr(d.LineupURL)})
	}
	return Packet{Type: TypeDiscoverRpy, Payload: EncodeTLVs(out)}.Marshal(), true, nil
}

// Serve answers discovery requests on conn until ctx ends.
func (d *Device) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	buf := make([]byte, 1460)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("hdhomerun: read: %w", err)
		}
		resp, ok, err := d.Reply(buf[:n])
		if err != nil {
			log.Printf("hdhomerun: discover: bad packet from %s: %v", from, err)
			continue
		}
		if !ok {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.WriteTo(resp, from); err != nil {
			log.Printf("hdhomerun: discover: reply to %s: %v", from, err)
			continue
		}
		log.Printf("hdhomerun: discover: responded to %s (device_id=%08X)", from, d.DeviceID)
	}
}

// ListenAndServe binds UDP :65001 and serves until ctx ends.
func (d *Device) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", ":"+strconv.Itoa(DiscoverPort))
	if err != nil {
		return fmt.Errorf("hdhomerun: listen: %w", err)
	}
	log.Printf("hdhomerun: discovery listening on UDP %d (device_id=%08X, tuners=%d)", DiscoverPort, d.DeviceID, d.TunerCount)
	return d.Serve(ctx, conn)
}
