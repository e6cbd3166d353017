// Package core wires the gateway's managers into one value that the HTTP
// surface and the CLI share.
package core

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/epg"
	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/metrics"
	"github.com/snapetech/plexbridge/internal/resolver"
	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/transcoder"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	Clock    clock.Clock
	Launcher transcoder.Launcher
	Client   *http.Client
	Lookup   session.LookupAddrFunc // nil uses the system resolver; see NoLookup
	NoLookup bool                   // disable reverse DNS of client IPs
	Metrics  *metrics.Metrics
}

// Core owns every long-lived manager. No package-level state exists
// outside it.
type Core struct {
	Config *config.Config
	Tuning config.Tuning
	Clock  clock.Clock

	Store      *store.Store
	Sessions   *session.Manager
	Escalator  *transcoder.Escalator
	Selector   *transcoder.Selector
	Supervisor *transcoder.Supervisor
	Resolver   *resolver.Resolver
	EPG        *epg.Service
	Scheduler  *epg.Scheduler
	Metrics    *metrics.Metrics

	mu   sync.Mutex
	hubs map[string]*hub

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Core over an open store.
func New(cfg *config.Config, st *store.Store, opts Options) *Core {
	tun := cfg.Tuning
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Launcher == nil {
		opts.Launcher = transcoder.ExecLauncher{Path: cfg.FFmpegPath}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	var hostnames *session.HostnameCache
	if !opts.NoLookup {
		hostnames = session.NewHostnameCache(opts.Lookup, tun.DNSCacheTTL)
	}
	delayPlex := tun.LimitedHostDelayPlex
	if !cfg.PlexOptimize {
		delayPlex = tun.LimitedHostDelay
	}
	client := opts.Client
	if client == nil {
		client = httpclient.WithTimeout(0)
	}

	c := &Core{
		Config:  cfg,
		Tuning:  tun,
		Clock:   opts.Clock,
		Store:   st,
		Metrics: opts.Metrics,
		hubs:    make(map[string]*hub),
	}
	c.Sessions = session.NewManager(session.Options{
		TunerCount: cfg.TunerCount,
		Tuning:     tun,
		Persist:    st,
		Clock:      opts.Clock,
		Hostnames:  hostnames,
	})
	c.Escalator = transcoder.NewEscalator(opts.Clock, tun.EscalationThreshold, tun.EscalationWindow, tun.EscalationDecay)
	c.Selector = &transcoder.Selector{Profiles: st, Escalation: c.Escalator}
	c.Supervisor = transcoder.NewSupervisor(opts.Launcher, c.Escalator, c.Metrics, tun.WorkerGrace)
	c.Resolver = resolver.New(resolver.Options{
		Client:   client,
		Shaper:   httpclient.NewHostShaper(tun.LimitedHostDelay, delayPlex),
		Tuning:   tun,
		Observer: c.Metrics,
	})
	c.EPG = epg.NewService(st, epg.Options{
		Client:    client,
		Clock:     opts.Clock,
		Retention: cfg.EPGRetention,
		Observer:  c.Metrics,
	})
	c.Scheduler = epg.NewScheduler(c.EPG, cfg.EPGRefreshInterval)
	c.Metrics.RegisterCapacity(c.Sessions.Capacity)
	c.Metrics.RegisterWorkers(c.Supervisor.Active)
	return c
}

// Start launches background tasks: the session janitor, the EPG scheduler
// (with an initial refresh when refreshEPG is set) and the metrics event
// feed. Orphaned sessions from a previous run are closed first.
func (c *Core) Start(ctx context.Context, refreshEPG bool) error {
	if n, err := c.Store.CloseOrphanSessions(ctx, c.Clock.Now()); err != nil {
		return err
	} else if n > 0 {
		log.Printf("core: closed %d orphaned sessions", n)
	}
	rctx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	if err := c.Scheduler.Start(rctx, refreshEPG); err != nil {
		cancel()
		return err
	}
	events, unsubscribe := c.Sessions.Subscribe(256)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.Sessions.Run(rctx)
	}()
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		c.Metrics.WatchSessions(rctx, events, transcoder.ClassifyClient)
	}()
	return nil
}

// Shutdown ends every session, stops workers with their grace period and
// halts background tasks, bounded by ctx.
func (c *Core) Shutdown(ctx context.Context) {
	c.Sessions.Close()
	c.Supervisor.StopAll(ctx)
	c.Scheduler.Stop(ctx)
	if c.runCancel != nil {
		c.runCancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("core: shutdown deadline reached err=%v", ctx.Err())
	}
}

// Health is the /healthz payload.
type Health struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
	Sessions int    `json:"sessions"`
}

// Health counts channels and live sessions. A store failure reports
// "degraded".
func (c *Core) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Sessions: c.Sessions.Capacity().InUse}
	n, err := c.Store.CountChannels(ctx)
	if err != nil {
		h.Status = "degraded"
		return h
	}
	h.Channels = n
	return h
}

// Channel looks a channel up by id, then by number, returning
// store.ErrNotFound when neither matches.
func (c *Core) Channel(ctx context.Context, ref string) (store.Channel, error) {
	ch, err := c.EPG.Channel(ctx, ref)
	if errors.Is(err, epg.ErrUnknownChannel) {
		return ch, store.ErrNotFound
	}
	return ch, err
}

func (c *Core) hubFor(sessionID string) *hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hubs[sessionID]
	if !ok {
		h = newHub()
		c.hubs[sessionID] = h
	}
	return h
}

func (c *Core) dropHub(sessionID string, h *hub) {
	c.mu.Lock()
	if c.hubs[sessionID] == h {
		delete(c.hubs, sessionID)
	}
	c.mu.Unlock()
}

// since is c.Clock.Since, kept short for log lines.
func (c *Core) since(t time.Time) time.Duration {
	return c.Clock.Since(t).Round(time.Millisecond)
}
