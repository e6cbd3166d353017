package epg

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/snapetech/plexbridge/internal/store"
)

// TimeLayout is the XMLTV timestamp layout used for output.
const TimeLayout = "20060102150405 -0700"

var inputLayouts = []string{
	"20060102150405 -0700",
	"20060102150405 -07:00",
	"20060102150405",
	"200601021504 -0700",
	"200601021504",
}

// ParseTime parses an XMLTV timestamp. Values without an offset are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range inputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

type xmlText struct {
	Lang string `xml:"lang,attr"`
	Text string `xml:",chardata"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlEpisodeNum struct {
	System string `xml:"system,attr"`
	Text   string `xml:",chardata"`
}

type xmlChannelNode struct {
	ID           string    `xml:"id,attr"`
	DisplayNames []xmlText `xml:"display-name"`
	Icons        []xmlIcon `xml:"icon"`
}

type xmlProgrammeNode struct {
	Start       string          `xml:"start,attr"`
	Stop        string          `xml:"stop,attr"`
	Channel     string          `xml:"channel,attr"`
	Titles      []xmlText       `xml:"title"`
	SubTitles   []xmlText       `xml:"sub-title"`
	Descs       []xmlText       `xml:"desc"`
	Categories  []xmlText       `xml:"category"`
	Icons       []xmlIcon       `xml:"icon"`
	EpisodeNums []xmlEpisodeNum `xml:"episode-num"`
}

// Document is a parsed XMLTV source.
type Document struct {
	Channels   []store.EPGChannel
	Programmes []store.EPGProgram
	// Skipped counts elements dropped for missing or invalid fields.
	Skipped int
	// Truncated is set when a syntax error stopped the parse early; the
	// elements read before it are kept.
	Truncated error
}

// Parse stream-parses an XMLTV document. Invalid elements are skipped and
// counted; onWarn (optional) receives one message per skipped element.
func Parse(r io.Reader, sourceID string, onWarn func(string)) (Document, error) {
	warn := func(format string, args ...any) {
		if onWarn != nil {
			onWarn(fmt.Sprintf(format, args...))
		}
	}
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel
	var doc Document
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if !sawRoot {
				return doc, fmt.Errorf("epg: parse: %w", err)
			}
			doc.Truncated = err
			warn("parse stopped at offset %d: %v", dec.InputOffset(), err)
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "tv":
			sawRoot = true
		case "channel":
			var n xmlChannelNode
			if err := dec.DecodeElement(&n, &se); err != nil {
				doc.Skipped++
				warn("channel: %v", err)
				continue
			}
			ch, ok := channelFromNode(n, sourceID)
			if !ok {
				doc.Skipped++
				warn("channel without id")
				continue
			}
			doc.Channels = append(doc.Channels, ch)
		case "programme":
			var n xmlProgrammeNode
			if err := dec.DecodeElement(&n, &se); err != nil {
				doc.Skipped++
				warn("programme: %v", err)
				continue
			}
			p, err := programmeFromNode(n, sourceID)
			if err != nil {
				doc.Skipped++
				warn("programme channel=%q start=%q: %v", n.Channel, n.Start, err)
				continue
			}
			doc.Programmes = append(doc.Programmes, p)
		default:
			if sawRoot {
				dec.Skip()
			}
		}
	}
	if !sawRoot {
		return doc, errors.New("epg: parse: no <tv> root element")
	}
	return doc, nil
}

func channelFromNode(n xmlChannelNode, sourceID string) (store.EPGChannel, bool) {
	id := strings.TrimSpace(n.ID)
	if id == "" {
		return store.EPGChannel{}, false
	}
	ch := store.EPGChannel{SourceID: sourceID, EPGID: id, DisplayName: pickText(n.DisplayNames)}
	if len(n.Icons) > 0 {
		ch.Icon = strings.TrimSpace(n.Icons[0].Src)
	}
	return ch, true
}

func programmeFromNode(n xmlProgrammeNode, sourceID string) (store.EPGProgram, error) {
	ch := strings.TrimSpace(n.Channel)
	if ch == "" {
		return store.EPGProgram{}, errors.New("missing channel")
	}
	start, err := ParseTime(n.Start)
	if err != nil {
		return store.EPGProgram{}, fmt.Errorf("start: %w", err)
	}
	stop, err := ParseTime(n.Stop)
	if err != nil {
		return store.EPGProgram{}, fmt.Errorf("stop: %w", err)
	}
	if !stop.After(start) {
		return store.EPGProgram{}, errors.New("stop not after start")
	}
	p := store.EPGProgram{
		SourceID:    sourceID,
		ChannelID:   ch,
		Title:       pickText(n.Titles),
		SubTitle:    pickText(n.SubTitles),
		Description: pickText(n.Descs),
		Category:    pickText(n.Categories),
		Start:       start,
		End:         stop,
	}
	if p.Title == "" {
		return store.EPGProgram{}, errors.New("missing title")
	}
	if len(n.Icons) > 0 {
		p.Icon = strings.TrimSpace(n.Icons[0].Src)
	}
	p.Season, p.Episode = episodeNumbers(n.EpisodeNums)
	return p, nil
}

// pickText prefers an English value, then the first non-empty one.
func pickText(vals []xmlText) string {
	first := ""
	for _, v := range vals {
		t := strings.TrimSpace(v.Text)
		if t == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(v.Lang), "en") {
			return t
		}
		if first == "" {
			first = t
		}
	}
	return first
}

// episodeNumbers reads xmltv_ns ("S.E.P", zero-based) or onscreen
// ("S01E02") episode numbering.
func episodeNumbers(nums []xmlEpisodeNum) (season, episode *int) {
	for _, n := range nums {
		text := strings.TrimSpace(n.Text)
		switch strings.ToLower(n.System) {
		case "xmltv_ns":
			parts := strings.Split(text, ".")
			if len(parts) < 2 {
				continue
			}
			s, sok := nsPart(parts[0])
			e, eok := nsPart(parts[1])
			if sok {
				season = &s
			}
			if eok {
				episode = &e
			}
			if sok || eok {
				return season, episode
			}
		case "onscreen", "":
			up := strings.ToUpper(text)
			si := strings.Index(up, "S")
			ei := strings.Index(up, "E")
			if si != 0 || ei < 2 {
				continue
			}
			digits := strings.FieldsFunc(up[ei+1:], notDigit)
			if len(digits) == 0 {
				continue
			}
			s, err1 := strconv.Atoi(strings.TrimSpace(up[1:ei]))
			e, err2 := strconv.Atoi(digits[0])
			if err1 == nil && err2 == nil {
				return &s, &e
			}
		}
	}
	return nil, nil
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

func nsPart(p string) (int, bool) {
	p, _, _ = strings.Cut(strings.TrimSpace(p), "/")
	if p == "" {
		return 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 {
		return 0, false
	}
	return n + 1, true
}
