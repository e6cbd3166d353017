package epg

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/store"
)

const guideXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE tv SYSTEM "xmltv.dtd">
<tv generator-info-name="test">
  <channel id="3"><display-name>Three</display-name><icon src="http://logo/3.png"/></channel>
  <channel id="mjh-seven"><display-name lang="de">Sieben</display-name><display-name lang="en">Seven</display-name></channel>
  <programme start="20260110100000 +0000" stop="20260110103000 +0000" channel="3">
    <title>P1</title><desc>Tom &amp; Jerry</desc>
    <episode-num system="xmltv_ns">1.4.0/1</episode-num>
  </programme>
  <programme start="20260110103000 +0000" stop="20260110110000 +0000" channel="3">
    <title>P2</title><episode-num system="onscreen">S03E07</episode-num>
  </programme>
  <programme start="20260110100000 +0000" stop="20260110120000 +0000" channel="mjh-seven">
    <title>Movie &lt;Night&gt;</title><category>Film</category>
  </programme>
  <programme start="garbage" stop="20260110120000 +0000" channel="3"><title>Bad time</title></programme>
  <programme start="20260110120000 +0000" stop="20260110130000 +0000" channel="3"></programme>
</tv>
`

func at(h, m int) time.Time {
	return time.Date(2026, 1, 10, h, m, 0, 0, time.UTC)
}

type testEnv struct {
	st    *store.Store
	svc   *Service
	clock *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	fc := clock.NewFake(at(9, 0))
	return &testEnv{st: st, clock: fc, svc: NewService(st, Options{Clock: fc})}
}

func (e *testEnv) source(t *testing.T, url string) store.EPGSource {
	t.Helper()
	src, err := e.st.SaveEPGSource(context.Background(), store.EPGSource{Name: "Test", URL: url, Enabled: true}, at(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func (e *testEnv) channel(t *testing.T, num int, name, epgID string) store.Channel {
	t.Helper()
	ch, err := e.st.SaveChannel(context.Background(), store.Channel{Number: num, Name: name, Enabled: true, EPGID: epgID})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParse_skipsBadElements(t *testing.T) {
	var warnings []string
	doc, err := Parse(strings.NewReader(guideXML), "src", func(s string) { warnings = append(warnings, s) })
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 2 {
		t.Fatalf("channels = %d", len(doc.Channels))
	}
	if doc.Channels[1].DisplayName != "Seven" {
		t.Errorf("english display-name not preferred: %q", doc.Channels[1].DisplayName)
	}
	if doc.Channels[0].Icon != "http://logo/3.png" {
		t.Errorf("icon = %q", doc.Channels[0].Icon)
	}
	if len(doc.Programmes) != 3 || doc.Skipped != 2 || len(warnings) != 2 {
		t.Fatalf("programmes=%d skipped=%d warnings=%v", len(doc.Programmes), doc.Skipped, warnings)
	}
	p1 := doc.Programmes[0]
	if p1.Description != "Tom & Jerry" || !p1.Start.Equal(at(10, 0)) {
		t.Errorf("p1 = %+v", p1)
	}
	if p1.Season == nil || *p1.Season != 2 || p1.Episode == nil || *p1.Episode != 5 {
		t.Errorf("xmltv_ns episode = %v/%v", p1.Season, p1.Episode)
	}
	p2 := doc.Programmes[1]
	if p2.Season == nil || *p2.Season != 3 || p2.Episode == nil || *p2.Episode != 7 {
		t.Errorf("onscreen episode = %v/%v", p2.Season, p2.Episode)
	}
}

func TestParse_latin1AndTruncated(t *testing.T) {
	body := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<tv><channel id=\"a\"><display-name>Caf\xe9</display-name></channel>" +
		`<programme start="20260110100000" stop="20260110110000" channel="a"><title>x</title></programme><programme start=`)
	doc, err := Parse(bytes.NewReader(body), "src", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 1 || doc.Channels[0].DisplayName != "Café" {
		t.Errorf("channels = %+v", doc.Channels)
	}
	if len(doc.Programmes) != 1 || doc.Truncated == nil {
		t.Errorf("programmes = %d truncated = %v", len(doc.Programmes), doc.Truncated)
	}

	if _, err := Parse(strings.NewReader("<html><body>nope</body></html>"), "src", nil); err == nil {
		t.Error("document without <tv> root should fail")
	}
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"20260110100000 +0000", "20260110110000 +0100", "20260110100000", "202601101000"} {
		got, err := ParseTime(s)
		if err != nil {
			t.Errorf("%q: %v", s, err)
			continue
		}
		if !got.Equal(at(10, 0)) {
			t.Errorf("%q = %v", s, got)
		}
	}
	if _, err := ParseTime("tomorrow"); err == nil {
		t.Error("expected error")
	}
	if got := FormatTime(time.Date(2026, 1, 10, 11, 0, 0, 0, time.FixedZone("x", 3600))); got != "20260110100000 +0000" {
		t.Errorf("FormatTime = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	progs := []store.EPGProgram{
		{ChannelID: "b", Title: "b1", Start: at(10, 0), End: at(11, 0)},
		{ChannelID: "a", Title: "a2", Start: at(10, 30), End: at(11, 0)},
		{ChannelID: "a", Title: "a1", Start: at(10, 0), End: at(10, 45)},
		{ChannelID: "a", Title: "a2-dup", Start: at(10, 30), End: at(11, 0)},
		{ChannelID: "a", Title: "empty", Start: at(12, 0), End: at(12, 0)},
	}
	out, dropped := Normalize(progs)
	if dropped != 2 || len(out) != 3 {
		t.Fatalf("out=%+v dropped=%d", out, dropped)
	}
	if out[0].Title != "a1" || !out[0].End.Equal(at(10, 30)) {
		t.Errorf("a1 not clipped: %+v", out[0])
	}
	if out[1].Title != "a2-dup" || out[2].Title != "b1" {
		t.Errorf("order = %s, %s", out[1].Title, out[2].Title)
	}
}

func TestOpen_compression(t *testing.T) {
	var gz, br, xzBuf bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte(guideXML))
	gw.Close()
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(guideXML))
	bw.Close()
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	xw.Write([]byte(guideXML))
	xw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guide.xml.gz":
			w.Write(gz.Bytes())
		case "/guide-enc.xml":
			w.Header().Set("Content-Encoding", "gzip")
			w.Write(gz.Bytes())
		case "/guide-br.xml":
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
				http.Error(w, "no br", http.StatusNotAcceptable)
				return
			}
			w.Header().Set("Content-Encoding", "br")
			w.Write(br.Bytes())
		case "/guide.xml.xz":
			w.Write(xzBuf.Bytes())
		case "/plain.xml":
			io.WriteString(w, guideXML)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	urls := []string{
		srv.URL + "/guide.xml.gz",
		srv.URL + "/guide-enc.xml",
		srv.URL + "/guide-br.xml",
		srv.URL + "/guide.xml.xz",
		srv.URL + "/plain.xml",
		writeFile(t, "guide.xml.gz", gz.Bytes()),
		"file://" + writeFile(t, "guide.xml.xz", xzBuf.Bytes()),
	}
	for _, u := range urls {
		rc, err := Open(context.Background(), srv.Client(), u)
		if err != nil {
			t.Errorf("%s: %v", u, err)
			continue
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(got) != guideXML {
			t.Errorf("%s: %d bytes, err=%v", u, len(got), err)
		}
	}
	if _, err := Open(context.Background(), srv.Client(), srv.URL+"/missing.xml"); err == nil {
		t.Error("404 should fail")
	}
}

func TestRefresh_nowNext(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	src := e.source(t, writeFile(t, "guide.xml", []byte(guideXML)))
	e.channel(t, 3, "Three", "")

	rep, err := e.svc.Refresh(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Result.Channels != 2 || rep.Result.Programs != 3 || rep.Skipped != 2 {
		t.Errorf("report = %+v", rep)
	}

	p, ref, err := e.svc.Now(ctx, "3", at(10, 15))
	if err != nil || p.Title != "P1" {
		t.Fatalf("now@10:15 = %+v, %v", p, err)
	}
	if ref.GuideID != "3" || ref.Method != MethodNumber {
		t.Errorf("ref = %+v", ref)
	}
	p, _, err = e.svc.Next(ctx, "3", at(10, 15))
	if err != nil || p.Title != "P2" {
		t.Fatalf("next@10:15 = %+v, %v", p, err)
	}
	p, _, err = e.svc.Now(ctx, "3", at(10, 30))
	if err != nil || p.Title != "P2" {
		t.Fatalf("now@10:30 = %+v, %v", p, err)
	}
	if _, _, err := e.svc.Now(ctx, "3", at(11, 0)); !errors.Is(err, ErrNoProgram) {
		t.Errorf("now@11:00 err = %v", err)
	}
	if _, _, err := e.svc.Now(ctx, "99", at(10, 0)); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel err = %v", err)
	}

	got, err := e.st.GetEPGSource(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSuccessAt.IsZero() || got.LastError != "" {
		t.Errorf("source after success = %+v", got)
	}
}

func TestRefresh_failureKeepsData(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	src := e.source(t, writeFile(t, "guide.xml", []byte(guideXML)))
	e.channel(t, 3, "Three", "3")
	if _, err := e.svc.Refresh(ctx, src.ID); err != nil {
		t.Fatal(err)
	}

	src.URL = filepath.Join(t.TempDir(), "gone.xml")
	if _, err := e.st.SaveEPGSource(ctx, src, at(0, 0)); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Hour)
	if _, err := e.svc.Refresh(ctx, src.ID); err == nil {
		t.Fatal("expected fetch error")
	}
	got, err := e.st.GetEPGSource(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError == "" || !got.LastFetchAt.After(got.LastSuccessAt) {
		t.Errorf("source after failure = %+v", got)
	}
	p, _, err := e.svc.Now(ctx, "3", at(10, 5))
	if err != nil || p.Title != "P1" {
		t.Errorf("data lost after failed fetch: %+v, %v", p, err)
	}
}

func TestMapper(t *testing.T) {
	known := map[string]bool{"cnn.us": true, "seven": true, "mjh-nine": true, "12": true}
	m := NewMapper([]store.EPGAlias{
		{Kind: store.AliasName, Match: "Fox News HD", Target: "foxnews.us"},
		{Kind: store.AliasNumber, Match: "44", Target: "bbc1.uk"},
		{Kind: store.AliasPrefix, Match: "mjh-", Target: ""},
	}, known)
	cases := []struct {
		ch     store.Channel
		guide  string
		method Method
	}{
		{store.Channel{Number: 1, Name: "CNN", EPGID: "cnn.us"}, "cnn.us", MethodDirect},
		{store.Channel{Number: 2, Name: "FOX NEWS (US)"}, "foxnews.us", MethodAliasName},
		{store.Channel{Number: 44, Name: "BBC One"}, "bbc1.uk", MethodAliasNumber},
		{store.Channel{Number: 7, Name: "Seven", EPGID: "mjh-seven"}, "seven", MethodPrefix},
		{store.Channel{Number: 9, Name: "Nine", EPGID: "nine"}, "mjh-nine", MethodPrefix},
		{store.Channel{Number: 12, Name: "Twelve", EPGID: "missing"}, "12", MethodNumber},
		{store.Channel{Number: 13, Name: "Nothing"}, "", MethodNone},
	}
	for _, tc := range cases {
		got := m.Map(tc.ch)
		if got.GuideID != tc.guide || got.Method != tc.method {
			t.Errorf("%s: got %q/%s, want %q/%s", tc.ch.Name, got.GuideID, got.Method, tc.guide, tc.method)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Fox News HD":       "foxnews",
		"CNN (US)":          "cnn",
		"Discovery Channel": "discovery",
		"  ":                "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteXMLTV_roundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	src := e.source(t, writeFile(t, "guide.xml", []byte(guideXML)))
	e.channel(t, 3, "Three & Co", "3")
	e.channel(t, 7, "Seven", "mjh-seven")
	e.channel(t, 8, "Unmapped", "")
	if err := e.st.SaveAlias(ctx, store.EPGAlias{Kind: store.AliasPrefix, Match: "mjh-", Target: ""}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Refresh(ctx, src.ID); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := e.svc.WriteXMLTV(ctx, &buf, "", 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		`<!DOCTYPE tv SYSTEM "xmltv.dtd">`,
		`<display-name>Three &amp; Co</display-name>`,
		`start="20260110100000 +0000"`,
		`Movie &lt;Night&gt;`,
		`<channel id="8">`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	doc, err := Parse(strings.NewReader(out), "again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 3 || len(doc.Programmes) != 3 || doc.Skipped != 0 {
		t.Fatalf("round trip: channels=%d programmes=%d skipped=%d", len(doc.Channels), len(doc.Programmes), doc.Skipped)
	}
	titles := map[string]string{}
	for _, p := range doc.Programmes {
		titles[p.Title] = p.ChannelID
	}
	if titles["P1"] != "3" || titles["Movie <Night>"] != "mjh-seven" {
		t.Errorf("programme channels = %v", titles)
	}
	if p := doc.Programmes[0]; p.Season == nil || *p.Season != 2 || *p.Episode != 5 {
		t.Errorf("episode numbering lost: %+v", p)
	}

	buf.Reset()
	if err := e.svc.WriteXMLTV(ctx, &buf, "nope", 1); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel err = %v", err)
	}
}

func TestWriteXMLTV_sharedGuideID(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	src := e.source(t, writeFile(t, "guide.xml", []byte(guideXML)))
	e.channel(t, 3, "Three", "3")
	e.channel(t, 103, "Three HD", "3")
	if _, err := e.svc.Refresh(ctx, src.ID); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := e.svc.WriteXMLTV(ctx, &buf, "", 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if n := strings.Count(out, `<channel id="3">`); n != 2 {
		t.Errorf("<channel id=\"3\"> elements = %d, want one per local channel", n)
	}
	if !strings.Contains(out, `<display-name>Three HD</display-name>`) || !strings.Contains(out, `<display-name>103</display-name>`) {
		t.Errorf("second channel missing its display names:\n%s", out)
	}
	if n := strings.Count(out, `channel="3"`); n != 2 {
		t.Errorf("programmes for guide id 3 = %d, want 2 (written once)", n)
	}
}

func TestGridSearchStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	src := e.source(t, writeFile(t, "guide.xml", []byte(guideXML)))
	three := e.channel(t, 3, "Three", "3")
	e.channel(t, 8, "Eight", "")
	if _, err := e.svc.Refresh(ctx, src.ID); err != nil {
		t.Fatal(err)
	}

	rows, err := e.svc.Grid(ctx, at(10, 0), at(11, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || len(rows[0].Programs) != 2 || len(rows[1].Programs) != 0 {
		t.Fatalf("grid = %+v", rows)
	}
	rows, err = e.svc.Grid(ctx, at(10, 0), at(11, 0), []string{three.ID, "missing"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("filtered grid = %+v, %v", rows, err)
	}

	progs, _, err := e.svc.Programs(ctx, three.ID, at(10, 20), at(10, 40))
	if err != nil || len(progs) != 2 {
		t.Errorf("programs = %+v, %v", progs, err)
	}

	hits, err := e.svc.Search(ctx, "jerry", at(0, 0), at(23, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Title != "P1" || len(hits[0].Channels) != 1 || hits[0].Channels[0].Number != 3 {
		t.Errorf("search = %+v", hits)
	}

	st, err := e.svc.Status(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Sources) != 1 || st.Sources[0].Channels != 2 || st.Sources[0].Programs != 3 {
		t.Errorf("sources = %+v", st.Sources)
	}
	if st.Coverage.Mapped != 1 || st.Coverage.Unmapped != 1 || st.Coverage.Missing[0].Number != 8 {
		t.Errorf("coverage = %+v", st.Coverage)
	}
}

func TestRefreshAllAndScheduler(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	path := writeFile(t, "guide.xml", []byte(guideXML))
	e.source(t, path)
	e.source(t, filepath.Join(t.TempDir(), "missing.xml"))
	off := e.source(t, path)
	off.Enabled = false
	if _, err := e.st.SaveEPGSource(ctx, off, at(0, 0)); err != nil {
		t.Fatal(err)
	}

	reports, err := e.svc.RefreshAll(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	var ok, failed int
	for _, r := range reports {
		if r.Err == "" {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 2 {
		t.Errorf("reports = %+v", reports)
	}

	sched := NewScheduler(e.svc, time.Hour)
	if err := sched.Start(ctx, false); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop(ctx)
	if n := sched.Scheduled(); n != 2 {
		t.Errorf("scheduled = %d, want 2", n)
	}
	if err := sched.Start(ctx, false); err == nil {
		t.Error("second Start should fail")
	}
}
