package tuner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	ssdpAddr       = "239.255.255.250:1900"
	ssdpDeviceType = "urn:schemas-upnp-org:device:MediaServer:1"
	notifyInterval = 30 * time.Second
)

// SSDP answers M-SEARCH and multicasts NOTIFY alive every 30s, plus byebye
// on shutdown.
type SSDP struct {
	DeviceXMLURL string
	DeviceID     string
	FriendlyName string
	Interval     time.Duration
}

func (s *SSDP) Run(ctx context.Context) error {
	c, err := net.ListenPacket("udp4", "0.0.0.0:1900")
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	defer c.Close()
	group, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(c)
	joined := joinMulticast(pc, group)
	if err := pc.SetMulticastTTL(2); err != nil {
		log.Printf("ssdp: set TTL: %v", err)
	}
	log.Printf("ssdp: listening on :1900 (groups joined on %d interfaces) location=%s", joined, s.DeviceXMLURL)

	if s.Interval <= 0 {
		s.Interval = notifyInterval
	}
	go s.notifyLoop(ctx, pc, group)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			s.send(pc, group, s.notify("ssdp:byebye"))
			return nil
		default:
		}
		c.SetReadDeadline(time.Now().Add(time.Second))
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ssdp: read error: %v", err)
			continue
		}
		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		if st, ok := searchTarget(string(buf[:n])); ok {
			s.send(pc, udpAddr, s.searchResponse(st))
			log.Printf("ssdp: responded to M-SEARCH st=%s from %s", st, udpAddr)
		}
	}
}

// joinMulticast joins group on every up, multicast-capable interface and
// returns how many succeeded. Zero falls back to the default interface.
func joinMulticast(pc *ipv4.PacketConn, group *net.UDPAddr) int {
	ifaces, err := net.Interfaces()
	n := 0
	if err == nil {
		for i := range ifaces {
			ifi := &ifaces[i]
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
			if err := pc.JoinGroup(ifi, group); err == nil {
				n++
			}
		}
	}
	if n == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			log.Printf("ssdp: join %s: %v", group, err)
		}
	}
	return n
}

func (s *SSDP) notifyLoop(ctx context.Context, pc *ipv4.PacketConn, group *net.UDPAddr) {
	s.send(pc, group, s.notify("ssdp:alive"))
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.send(pc, group, s.notify("ssdp:alive"))
		}
	}
}

func (s *SSDP) send(pc *ipv4.PacketConn, dst net.Addr, msg string) {
	if _, err := pc.WriteTo([]byte(msg), nil, dst); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("ssdp: send to %s: %v", dst, err)
	}
}

// searchTarget returns the ST to answer for an M-SEARCH datagram.
func searchTarget(msg string) (string, bool) {
	if !strings.HasPrefix(msg, "M-SEARCH") {
		return "", false
	}
	for _, line := range strings.Split(msg, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "ST") {
			continue
		}
		switch st := strings.TrimSpace(v); st {
		case "ssdp:all", "upnp:rootdevice", ssdpDeviceType, "urn:schemas-upnp-org:device:Basic:1":
			return st, true
		}
		return "", false
	}
	return "", false
}

func (s *SSDP) usn(nt string) string {
	if nt == "" || strings.HasPrefix(nt, "uuid:") {
		return "uuid:" + s.DeviceID
	}
	return "uuid:" + s.DeviceID + "::" + nt
}

func (s *SSDP) searchResponse(st string) string {
	if st == "ssdp:all" {
		st = ssdpDeviceType
	}
	return fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: PlexBridge/1.0 UPnP/1.0\r\n"+
			"ST: %s\r\n"+
			"USN: %s\r\n"+
			"\r\n",
		s.DeviceXMLURL, st, s.usn(st),
	)
}

func (s *SSDP) notify(nts string) string {
	return fmt.Sprintf(
		"NOTIFY * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"LOCATION: %s\r\n"+
			"NT: %s\r\n"+
			"NTS: %s\r\n"+
			"SERVER: PlexBridge/1.0 UPnP/1.0\r\n"+
			"USN: %s\r\n"+
			"\r\n",
		ssdpAddr, s.DeviceXMLURL, ssdpDeviceType, nts, s.usn(ssdpDeviceType),
	)
}

// StartSSDP runs SSDP in the background until ctx ends.
func StartSSDP(ctx context.Context, baseURL, deviceID, friendlyName string) {
	deviceXMLURL := joinDeviceXMLURL(baseURL)
	if deviceXMLURL == "" {
		log.Printf("ssdp: disabled: BaseURL is empty or invalid (set a reachable PLEXBRIDGE_BASE_URL for Plex discovery)")
		return
	}
	s := &SSDP{DeviceXMLURL: deviceXMLURL, DeviceID: deviceID, FriendlyName: friendlyName}
	go func() {
		if err := s.Run(ctx); err != nil {
			log.Printf("ssdp: %v", err)
		}
	}()
}

func joinDeviceXMLURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/device.xml"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
