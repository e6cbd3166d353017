// Command plexbridge: a virtual HDHomeRun tuner for Plex backed by IPTV streams.
//
//	serve        Run the HDHR emulator, stream gateway, EPG endpoints and SSDP.
//	epg-refresh  Fetch every enabled XMLTV source once (optionally registering one first).
//	import       Import an M3U playlist into channels and streams.
//	migrate      Open the database, apply migrations and report the schema version.
//
// Exit codes: 0 normal, 1 startup failure, 2 fatal error while running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/core"
	"github.com/snapetech/plexbridge/internal/epg"
	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/importer"
	"github.com/snapetech/plexbridge/internal/logging"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/tuner"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <serve|epg-refresh|import|migrate> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  serve        Run the tuner (HDHR discovery, lineup, streams, EPG, SSDP)\n")
	fmt.Fprintf(os.Stderr, "  epg-refresh  Refresh every enabled XMLTV source once (-add URL registers a source first)\n")
	fmt.Fprintf(os.Stderr, "  import       Import channels from an M3U playlist (-m3u URL or path)\n")
	fmt.Fprintf(os.Stderr, "  migrate      Apply database migrations and print the schema version\n")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = config.LoadEnvFile(".env")
	if len(args) < 1 {
		usage()
		return exitStartup
	}

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: PLEXBRIDGE_HOST:PLEXBRIDGE_PORT)")
	serveBaseURL := serveCmd.String("base-url", "", "Advertised base URL for Plex (default: PLEXBRIDGE_BASE_URL or LAN address)")
	serveTuners := serveCmd.Int("tuners", 0, "Tuner count (default: PLEXBRIDGE_TUNER_COUNT)")
	serveNoEPG := serveCmd.Bool("skip-epg-refresh", false, "Do not refresh EPG sources at startup")

	epgCmd := flag.NewFlagSet("epg-refresh", flag.ExitOnError)
	epgAdd := epgCmd.String("add", "", "XMLTV URL or file path to register as a source before refreshing")
	epgName := epgCmd.String("name", "", "Name for the source given with -add")
	epgInterval := epgCmd.Duration("interval", 0, "Refresh interval for the source given with -add (default: PLEXBRIDGE_EPG_REFRESH_INTERVAL)")
	epgParallel := epgCmd.Int("parallel", 2, "Sources fetched concurrently")

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importM3U := importCmd.String("m3u", "", "M3U URL or file path")
	importGroup := importCmd.String("group", "", "Only import entries whose group-title contains this text")
	importProfile := importCmd.String("profile", "", "Transcode profile id for new streams (default: the default profile)")

	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)

	cfg := config.Load()

	switch args[0] {
	case "serve":
		_ = serveCmd.Parse(args[1:])
		if *serveAddr != "" {
			host, port, err := net.SplitHostPort(*serveAddr)
			if err == nil {
				cfg.Port, err = strconv.Atoi(port)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad -addr %q: %v\n", *serveAddr, err)
				return exitStartup
			}
			cfg.Host = host
		}
		if *serveBaseURL != "" {
			cfg.BaseURL = strings.TrimSuffix(*serveBaseURL, "/")
		}
		if *serveTuners > 0 {
			cfg.TunerCount = *serveTuners
		}
		return serve(cfg, !*serveNoEPG)

	case "epg-refresh":
		_ = epgCmd.Parse(args[1:])
		return withStore(cfg, func(ctx context.Context, st *store.Store) int {
			svc := epg.NewService(st, epg.Options{Client: httpclient.WithTimeout(0), Retention: cfg.EPGRetention})
			if *epgAdd != "" {
				interval := *epgInterval
				if interval <= 0 {
					interval = cfg.EPGRefreshInterval
				}
				name := *epgName
				if name == "" {
					name = safeurl.RedactURL(*epgAdd)
				}
				src, err := st.SaveEPGSource(ctx, store.EPGSource{Name: name, URL: *epgAdd, RefreshInterval: interval, Enabled: true}, svc.RetentionCutoff())
				if err != nil {
					log.Printf("Add EPG source failed: %v", err)
					return exitStartup
				}
				log.Printf("Added EPG source %s (%s)", src.ID, name)
			}
			reports, err := svc.RefreshAll(ctx, *epgParallel)
			if err != nil {
				log.Printf("EPG refresh failed: %v", err)
				return exitRuntime
			}
			failed := 0
			for _, rep := range reports {
				if rep.Err != "" {
					failed++
					log.Printf("  %s: error: %s", rep.SourceID, rep.Err)
					continue
				}
				log.Printf("  %s: %d channels, %d programs (%d skipped, %d dropped) in %s",
					rep.SourceID, rep.Result.Channels, rep.Result.Programs, rep.Skipped, rep.Dropped, rep.Duration.Round(time.Millisecond))
			}
			log.Printf("EPG refresh: %d sources, %d failed", len(reports), failed)
			if n, err := svc.Purge(ctx); err != nil {
				log.Printf("EPG purge failed: %v", err)
			} else if n > 0 {
				log.Printf("Purged %d expired programs", n)
			}
			return exitOK
		})

	case "import":
		_ = importCmd.Parse(args[1:])
		if *importM3U == "" {
			fmt.Fprintln(os.Stderr, "import: -m3u is required")
			return exitStartup
		}
		return withStore(cfg, func(ctx context.Context, st *store.Store) int {
			fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			entries, err := importer.Fetch(fetchCtx, httpclient.WithTimeout(0), *importM3U)
			cancel()
			if err != nil {
				log.Printf("Fetch M3U %s failed: %v", safeurl.RedactURL(*importM3U), err)
				return exitStartup
			}
			res, err := importer.Import(ctx, st, entries, importer.Options{GroupFilter: *importGroup, ProfileID: *importProfile})
			if err != nil {
				log.Printf("Import failed: %v", err)
				return exitRuntime
			}
			log.Printf("Imported %d entries: %d channels created, %d updated, %d streams created, %d existing, %d skipped",
				len(entries), res.ChannelsCreated, res.ChannelsUpdated, res.StreamsCreated, res.StreamsExisting, res.Skipped)
			return exitOK
		})

	case "migrate":
		_ = migrateCmd.Parse(args[1:])
		return withStore(cfg, func(ctx context.Context, st *store.Store) int {
			v, err := st.SchemaVersion()
			if err != nil {
				log.Printf("Read schema version: %v", err)
				return exitStartup
			}
			log.Printf("Database %s at schema version %d", st.Path(), v)
			return exitOK
		})

	case "-h", "-help", "--help", "help":
		usage()
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		usage()
		return exitStartup
	}
}

// withStore sets up logging and the database for a one-shot command and
// runs fn until it returns or a signal arrives.
func withStore(cfg *config.Config, fn func(ctx context.Context, st *store.Store) int) int {
	closer := logging.Setup(cfg.LogDir)
	defer closer.Close()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Printf("Open database: %v", err)
		return exitStartup
	}
	defer st.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, st)
}

func serve(cfg *config.Config, refreshEPG bool) int {
	closer := logging.Setup(cfg.LogDir)
	defer closer.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Printf("Open database: %v", err)
		return exitStartup
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := core.New(cfg, st, core.Options{})
	if err := c.Start(ctx, refreshEPG); err != nil {
		log.Printf("Start core: %v", err)
		return exitStartup
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Tuning.WorkerGrace+5*time.Second)
		defer cancel()
		c.Shutdown(sctx)
		log.Print("Shutdown complete")
	}()

	srv, err := tuner.NewServer(ctx, c)
	if err != nil {
		log.Printf("Init tuner server: %v", err)
		return exitStartup
	}
	ln, err := srv.Listen()
	if err != nil {
		log.Printf("Bind tuner server: %v", err)
		return exitStartup
	}
	if n, err := st.CountChannels(ctx); err == nil {
		log.Printf("Serving %d channels on %d tuners; add to Plex at %s (XMLTV: %s/epg/xmltv.xml)", n, cfg.TunerCount, srv.BaseURL, srv.BaseURL)
	}
	if err := srv.Serve(ctx, ln); err != nil {
		log.Printf("Tuner failed: %v", err)
		return exitRuntime
	}
	return exitOK
}
