package importer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snapetech/plexbridge/internal/store"
)

const playlist = `#EXTM3U
#EXTINF:-1 tvg-id="cnn.us" tvg-chno="5" tvg-logo="http://logo/cnn.png" group-title="News",CNN, Live
#EXTVLCOPT:http-user-agent=CustomUA/1.0
#EXTVLCOPT:http-referrer=http://portal.example/
http://upstream.example/cnn/index.m3u8
#EXTINF:-1 tvg-id="bbc1.uk" group-title="UK",BBC One
rtsp://cam.example/bbc
#EXTINF:-1 group-title="News",Local Feed
http://upstream.example/local.ts?token=abc

#EXTINF:-1,Broken
file:///etc/passwd
#EXTINF:-1,Orphan
#EXTINF:-1 tvg-chno="9",Nine
udp://239.0.0.1:1234
`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(playlist))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d: %+v", len(entries), entries)
	}
	cnn := entries[0]
	if cnn.Name != "CNN, Live" {
		t.Errorf("name = %q", cnn.Name)
	}
	if cnn.TVGID != "cnn.us" || cnn.Number != 5 || cnn.Logo != "http://logo/cnn.png" || cnn.Group != "News" {
		t.Errorf("cnn = %+v", cnn)
	}
	if cnn.UserAgent != "CustomUA/1.0" || cnn.Referer != "http://portal.example/" {
		t.Errorf("vlc opts = %q / %q", cnn.UserAgent, cnn.Referer)
	}
	if entries[3].Name != "Nine" || entries[3].Number != 9 {
		t.Errorf("entries[3] = %+v", entries[3])
	}
}

func TestTypeFromURL(t *testing.T) {
	cases := map[string]store.StreamType{
		"http://x/live/index.m3u8?token=1": store.StreamHLS,
		"https://x/manifest.mpd":           store.StreamDASH,
		"rtsp://cam/stream":                store.StreamRTSP,
		"rtmp://x/app/key":                 store.StreamRTMP,
		"udp://239.0.0.1:1234":             store.StreamUDP,
		"http://x/chan.ts":                 store.StreamMPEGTS,
		"http://x/live/123":                store.StreamHTTP,
	}
	for in, want := range cases {
		if got := TypeFromURL(in); got != want {
			t.Errorf("TypeFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImport_idempotent(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if _, err := st.SaveChannel(ctx, store.Channel{Number: 1, Name: "BBC One", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	entries, err := Parse(strings.NewReader(playlist))
	if err != nil {
		t.Fatal(err)
	}
	res, err := Import(ctx, st, entries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChannelsCreated != 3 || res.ChannelsUpdated != 1 || res.StreamsCreated != 4 {
		t.Errorf("first import = %+v", res)
	}

	chans, err := st.ListChannels(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	byNum := map[int]store.Channel{}
	for _, c := range chans {
		byNum[c.Number] = c
	}
	if c := byNum[5]; c.EPGID != "cnn.us" || c.Logo == "" {
		t.Errorf("cnn channel = %+v", c)
	}
	if c := byNum[1]; c.EPGID != "bbc1.uk" {
		t.Errorf("existing channel not filled: %+v", c)
	}
	if _, ok := byNum[9]; !ok {
		t.Errorf("tvg-chno 9 not honored: %+v", chans)
	}
	streams, err := st.ListStreams(ctx, byNum[5].ID)
	if err != nil || len(streams) != 1 {
		t.Fatalf("streams = %+v, %v", streams, err)
	}
	if streams[0].Type != store.StreamHLS || streams[0].ProtocolOptions.UserAgent != "CustomUA/1.0" {
		t.Errorf("stream = %+v", streams[0])
	}

	res, err = Import(ctx, st, entries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChannelsCreated != 0 || res.StreamsCreated != 0 || res.StreamsExisting != 4 {
		t.Errorf("second import = %+v", res)
	}
}

func TestImport_groupFilterAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer srv.Close()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	entries, err := Fetch(context.Background(), srv.Client(), srv.URL+"/list.m3u")
	if err != nil {
		t.Fatal(err)
	}
	res, err := Import(context.Background(), st, entries, Options{GroupFilter: "news"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChannelsCreated != 2 || res.Skipped != 2 {
		t.Errorf("filtered import = %+v", res)
	}
}
