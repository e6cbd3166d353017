package tuner

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/snapetech/plexbridge/internal/store"
)

// LineupSource lists the tunable channels.
type LineupSource interface {
	Lineup(ctx context.Context) ([]store.LineupRow, error)
}

// HDHR serves HDHomeRun-compatible discover, lineup_status, lineup (JSON and
// Plex XML) endpoints.
type HDHR struct {
	BaseURL      string // e.g. http://192.168.1.10:5004
	TunerCount   int
	DeviceID     string
	FriendlyName string
	Lineup       LineupSource
}

// Discover is the discover.json body.
type Discover struct {
	FriendlyName    string
	Manufacturer    string
	ModelNumber     string
	FirmwareName    string
	FirmwareVersion string
	DeviceID        string
	DeviceAuth      string
	BaseURL         string
	LineupURL       string
	TunerCount      int
}

// LineupEntry is one lineup.json element.
type LineupEntry struct {
	GuideNumber string
	GuideName   string
	URL         string
	HD          int
	DRM         int
	Favorite    int
	Container   string
	VideoCodec  string
	AudioCodec  string
	Protocol    string
	Live        bool
}

// LineupStatus is the lineup_status.json body.
type LineupStatus struct {
	ScanInProgress int
	ScanPossible   int
	Source         string
	SourceList     []string
}

func (h *HDHR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/discover.json":
		h.serveDiscover(w)
	case r.URL.Path == "/lineup_status.json":
		writeJSON(w, http.StatusOK, LineupStatus{ScanPossible: 1, Source: "Cable", SourceList: []string{"Cable"}})
	case r.URL.Path == "/lineup.json" && !wantsXML(r):
		h.serveLineup(w, r)
	case r.URL.Path == "/lineup.json", r.URL.Path == "/lineup.xml", strings.HasPrefix(r.URL.Path, "/library/"):
		h.serveLineupXML(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", r.URL.Path)
	}
}

func (h *HDHR) base() string {
	if h.BaseURL == "" {
		return "http://localhost:5004"
	}
	return strings.TrimRight(h.BaseURL, "/")
}

func (h *HDHR) serveDiscover(w http.ResponseWriter) {
	tunerCount := h.TunerCount
	if tunerCount <= 0 {
		tunerCount = 1
	}
	friendly := h.FriendlyName
	if friendly == "" {
		friendly = "PlexBridge"
	}
	base := h.base()
	writeJSON(w, http.StatusOK, Discover{
		FriendlyName:    friendly,
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: "20150826",
		DeviceID:        h.DeviceID,
		DeviceAuth:      deviceAuth,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      tunerCount,
	})
}

// rows degrades to an empty lineup on store failure.
func (h *HDHR) rows(r *http.Request) []store.LineupRow {
	if h.Lineup == nil {
		return nil
	}
	rows, err := h.Lineup.Lineup(r.Context())
	if err != nil {
		log.Printf("tuner: lineup unavailable, serving empty: %v", err)
		return nil
	}
	return rows
}

func (h *HDHR) streamURL(ch store.Channel) string {
	return h.base() + "/stream/" + ch.ID
}

func (h *HDHR) serveLineup(w http.ResponseWriter, r *http.Request) {
	rows := h.rows(r)
	out := make([]LineupEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, LineupEntry{
			GuideNumber: strconv.Itoa(row.Channel.Number),
			GuideName:   row.Channel.Name,
			URL:         h.streamURL(row.Channel),
			HD:          1,
			Container:   "mpegts",
			VideoCodec:  "h264",
			AudioCodec:  "aac",
			Protocol:    "http",
			Live:        true,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Printf("tuner: encode lineup: %v", err)
	}
}

// Plex XML lineup. Live-TV items use metadata type 5 throughout.
type mediaContainer struct {
	XMLName xml.Name   `xml:"MediaContainer"`
	Size    int        `xml:"size,attr"`
	Videos  []xmlVideo `xml:"Video"`
}

type xmlVideo struct {
	Type        int      `xml:"type,attr"`
	Key         string   `xml:"key,attr"`
	Title       string   `xml:"title,attr"`
	GuideNumber string   `xml:"guideNumber,attr"`
	Thumb       string   `xml:"thumb,attr,omitempty"`
	Live        int      `xml:"live,attr"`
	Media       xmlMedia `xml:"Media"`
}

type xmlMedia struct {
	Container  string  `xml:"container,attr"`
	VideoCodec string  `xml:"videoCodec,attr"`
	AudioCodec string  `xml:"audioCodec,attr"`
	Protocol   string  `xml:"protocol,attr"`
	Part       xmlPart `xml:"Part"`
}

type xmlPart struct {
	Key       string      `xml:"key,attr"`
	Container string      `xml:"container,attr"`
	Streams   []xmlStream `xml:"Stream"`
}

type xmlStream struct {
	StreamType int    `xml:"streamType,attr"`
	Codec      string `xml:"codec,attr"`
}

const liveTVType = 5

const deviceAuth = "plexbridge"

func (h *HDHR) serveLineupXML(w http.ResponseWriter, r *http.Request) {
	rows := h.rows(r)
	mc := mediaContainer{Size: len(rows), Videos: make([]xmlVideo, 0, len(rows))}
	for _, row := range rows {
		u := h.streamURL(row.Channel)
		mc.Videos = append(mc.Videos, xmlVideo{
			Type:        liveTVType,
			Key:         u,
			Title:       row.Channel.Name,
			GuideNumber: strconv.Itoa(row.Channel.Number),
			Thumb:       row.Channel.Logo,
			Live:        1,
			Media: xmlMedia{
				Container:  "mpegts",
				VideoCodec: "h264",
				AudioCodec: "aac",
				Protocol:   "http",
				Part: xmlPart{
					Key:       u,
					Container: "mpegts",
					Streams:   []xmlStream{{StreamType: 1, Codec: "h264"}, {StreamType: 2, Codec: "aac"}},
				},
			},
		})
	}
	writeXML(w, http.StatusOK, mc)
}

func writeXML(w http.ResponseWriter, status int, v any) {
	body, err := xml.Marshal(v)
	if err != nil {
		log.Printf("tuner: encode xml: %v", err)
		body = []byte(emptyMediaContainer)
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// wantsXML reports whether the client asked for XML over JSON.
func wantsXML(r *http.Request) bool {
	if strings.HasSuffix(r.URL.Path, ".xml") || strings.HasPrefix(r.URL.Path, "/library/") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return (strings.Contains(accept, "application/xml") || strings.Contains(accept, "text/xml")) &&
		!strings.Contains(accept, "json")
}

func (s *Server) serveDeviceXML() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		friendly := s.FriendlyName
		if friendly == "" {
			friendly = "PlexBridge"
		}
		var name strings.Builder
		xml.EscapeText(&name, []byte(friendly))
		deviceXML := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <URLBase>%s</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>Silicondust</manufacturer>
    <modelName>HDTC-2US</modelName>
    <modelNumber>HDTC-2US</modelNumber>
    <serialNumber>%s</serialNumber>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, s.hdhr.base(), name.String(), s.DeviceID, s.DeviceID)
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(deviceXML))
	})
}
