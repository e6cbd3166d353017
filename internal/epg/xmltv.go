package epg

import (
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"time"

	"github.com/snapetech/plexbridge/internal/store"
)

const (
	// DefaultDays is the XMLTV window when none is requested.
	DefaultDays = 7
	maxDays     = 14
)

type tvChannel struct {
	XMLName      xml.Name   `xml:"channel"`
	ID           string     `xml:"id,attr"`
	DisplayNames []string   `xml:"display-name"`
	Icon         *xmltvIcon `xml:"icon,omitempty"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

type xmltvEpisode struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

type tvProgramme struct {
	XMLName  xml.Name       `xml:"programme"`
	Start    string         `xml:"start,attr"`
	Stop     string         `xml:"stop,attr"`
	Channel  string         `xml:"channel,attr"`
	Title    string         `xml:"title"`
	SubTitle string         `xml:"sub-title,omitempty"`
	Desc     string         `xml:"desc,omitempty"`
	Category string         `xml:"category,omitempty"`
	Icon     *xmltvIcon     `xml:"icon,omitempty"`
	Episodes []xmltvEpisode `xml:"episode-num,omitempty"`
}

// FormatTime renders t in XMLTV form, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format("20060102150405") + " +0000"
}

// ClampDays bounds a requested day count.
func ClampDays(days int) int {
	if days <= 0 {
		return DefaultDays
	}
	if days > maxDays {
		return maxDays
	}
	return days
}

// WriteXMLTV writes a guide for every enabled channel (or just ref when set)
// covering [now-1h, now+days). Each mapped channel is emitted under its guide
// id so programme references survive unchanged; unmapped channels use their
// number and carry no programmes. Local channels sharing a guide id each get
// a <channel> element, while their programmes are written once.
func (s *Service) WriteXMLTV(ctx context.Context, w io.Writer, ref string, days int) error {
	var refs []string
	if ref != "" {
		refs = []string{ref}
		if _, err := s.Channel(ctx, ref); err != nil {
			return err
		}
	}
	maps, err := s.enabledMappings(ctx, refs)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	from := now.Add(-time.Hour)
	to := now.Add(time.Duration(ClampDays(days)) * 24 * time.Hour)

	var ids []string
	seen := make(map[string]bool)
	for _, m := range maps {
		if m.Mapped() && !seen[m.GuideID] {
			seen[m.GuideID] = true
			ids = append(ids, m.GuideID)
		}
	}
	var progs []store.EPGProgram
	if len(ids) > 0 {
		if progs, err = s.store.ProgramsBetween(ctx, ids, from, to); err != nil {
			return err
		}
	}
	return encodeXMLTV(w, maps, progs)
}

func encodeXMLTV(w io.Writer, maps []Mapping, progs []store.EPGProgram) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.EncodeToken(xml.Directive(`DOCTYPE tv SYSTEM "xmltv.dtd"`)); err != nil {
		return err
	}
	root := xml.StartElement{Name: xml.Name{Local: "tv"}, Attr: []xml.Attr{
		{Name: xml.Name{Local: "generator-info-name"}, Value: "plexbridge"},
	}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	for _, m := range maps {
		id := m.GuideID
		if !m.Mapped() {
			id = strconv.Itoa(m.Channel.Number)
		}
		ch := tvChannel{ID: id, DisplayNames: []string{m.Channel.Name, strconv.Itoa(m.Channel.Number)}}
		if m.Channel.Logo != "" {
			ch.Icon = &xmltvIcon{Src: m.Channel.Logo}
		}
		if err := enc.Encode(ch); err != nil {
			return err
		}
	}
	for _, p := range progs {
		if err := enc.Encode(programmeNode(p)); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func programmeNode(p store.EPGProgram) tvProgramme {
	n := tvProgramme{
		Start:    FormatTime(p.Start),
		Stop:     FormatTime(p.End),
		Channel:  p.ChannelID,
		Title:    p.Title,
		SubTitle: p.SubTitle,
		Desc:     p.Description,
		Category: p.Category,
	}
	if p.Icon != "" {
		n.Icon = &xmltvIcon{Src: p.Icon}
	}
	if p.Season != nil || p.Episode != nil {
		ns := ""
		if p.Season != nil {
			ns = strconv.Itoa(*p.Season - 1)
		}
		ns += "."
		if p.Episode != nil {
			ns += strconv.Itoa(*p.Episode - 1)
		}
		ns += "."
		n.Episodes = append(n.Episodes, xmltvEpisode{System: "xmltv_ns", Value: ns})
	}
	return n
}
