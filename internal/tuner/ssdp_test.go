package tuner

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestJoinDeviceXMLURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "invalid", in: "://bad", want: ""},
		{name: "host only", in: "http://192.168.1.10:5004", want: "http://192.168.1.10:5004/device.xml"},
		{name: "trim slash", in: "http://host:5004/", want: "http://host:5004/device.xml"},
		{name: "path base", in: "http://host:5004/tuner", want: "http://host:5004/tuner/device.xml"},
		{name: "strip query", in: "http://host:5004?t=1", want: "http://host:5004/device.xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinDeviceXMLURL(tt.in); got != tt.want {
				t.Fatalf("joinDeviceXMLURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSSDP_searchResponse(t *testing.T) {
	s := &SSDP{
		DeviceXMLURL: "http://10.0.0.5:5004/device.xml",
		DeviceID:     "abc123",
	}

	resp := s.searchResponse("ssdp:all")
	if !strings.Contains(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("missing status line: %q", resp)
	}
	if !strings.Contains(resp, "LOCATION: http://10.0.0.5:5004/device.xml\r\n") {
		t.Fatalf("missing LOCATION header: %q", resp)
	}
	if !strings.Contains(resp, "USN: uuid:abc123::urn:schemas-upnp-org:device:MediaServer:1\r\n") {
		t.Fatalf("missing USN header: %q", resp)
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Fatalf("response must end with CRLF CRLF: %q", resp)
	}

	root := s.searchResponse("upnp:rootdevice")
	if !strings.Contains(root, "ST: upnp:rootdevice\r\n") || !strings.Contains(root, "USN: uuid:abc123::upnp:rootdevice\r\n") {
		t.Fatalf("rootdevice response: %q", root)
	}
}

func TestSSDP_notify(t *testing.T) {
	s := &SSDP{DeviceXMLURL: "http://10.0.0.5:5004/device.xml", DeviceID: "abc123"}
	for _, nts := range []string{"ssdp:alive", "ssdp:byebye"} {
		msg := s.notify(nts)
		if !strings.HasPrefix(msg, "NOTIFY * HTTP/1.1\r\n") {
			t.Fatalf("bad start line: %q", msg)
		}
		for _, want := range []string{"HOST: 239.255.255.250:1900\r\n", "NTS: " + nts + "\r\n", "NT: urn:schemas-upnp-org:device:MediaServer:1\r\n"} {
			if !strings.Contains(msg, want) {
				t.Fatalf("%s: missing %q in %q", nts, want, msg)
			}
		}
	}
}

func TestSearchTarget(t *testing.T) {
	tests := []struct {
		msg    string
		want   string
		answer bool
	}{
		{"M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nMAN: \"ssdp:discover\"\r\nST: ssdp:all\r\n\r\n", "ssdp:all", true},
		{"M-SEARCH * HTTP/1.1\r\nst: urn:schemas-upnp-org:device:MediaServer:1\r\n\r\n", "urn:schemas-upnp-org:device:MediaServer:1", true},
		{"M-SEARCH * HTTP/1.1\r\nST: urn:dial-multiscreen-org:service:dial:1\r\n\r\n", "", false},
		{"NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\n\r\n", "", false},
	}
	for _, tt := range tests {
		got, ok := searchTarget(tt.msg)
		if got != tt.want || ok != tt.answer {
			t.Errorf("searchTarget(%q) = %q, %v; want %q, %v", tt.msg, got, ok, tt.want, tt.answer)
		}
	}
}

func TestServer_deviceXML(t *testing.T) {
	s := &Server{DeviceID: "abc123", FriendlyName: "Den & Kitchen"}
	s.hdhr = &HDHR{BaseURL: "http://10.0.0.5:5004/"}
	req := httptest.NewRequest(http.MethodGet, "/device.xml", nil)
	w := httptest.NewRecorder()

	s.serveDeviceXML().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code: %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/xml" {
		t.Fatalf("content-type: %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<friendlyName>Den &amp; Kitchen</friendlyName>") {
		t.Fatalf("missing escaped friendly name: %q", body)
	}
	if !strings.Contains(body, "<UDN>uuid:abc123</UDN>") {
		t.Fatalf("missing device id UDN: %q", body)
	}
	if !strings.Contains(body, "<URLBase>http://10.0.0.5:5004</URLBase>") {
		t.Fatalf("missing URLBase: %q", body)
	}
}
