// Package runtime wires the pipeline's collaborators together and owns the
// process lifecycle: startup, the debug/metrics listener, and graceful
// shutdown on termination signals.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/browser"
	"github.com/chronicler-app/chronicler/config"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/heal"
	"github.com/chronicler-app/chronicler/llm"
	"github.com/chronicler-app/chronicler/lock"
	"github.com/chronicler-app/chronicler/pool"
	"github.com/chronicler-app/chronicler/pushchan"
	"github.com/chronicler-app/chronicler/router"
	"github.com/chronicler-app/chronicler/scrape"
	"github.com/chronicler-app/chronicler/sched"
	"github.com/chronicler-app/chronicler/stages"
	"github.com/chronicler-app/chronicler/store"
	"github.com/chronicler-app/chronicler/track"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// drainGrace bounds how long shutdown waits for in-flight stage handlers.
const drainGrace = 30 * time.Second

// App is the assembled chronicler process.
type App struct {
	cfg *config.Config

	store     *store.Store
	bus       *events.Bus
	breakers  *breaker.Set
	locks     *lock.Manager
	pool      *pool.Pool
	session   *browser.Session
	scheduler *sched.Scheduler
	sampler   *track.Sampler
	requests  *track.Requests
	errors    *track.Errors
	healer    *heal.Controller
	hub       *pushchan.Hub
	server    *http.Server
}

// New builds the App. A store failure here is fatal at startup (exit 2 in
// main); everything else is a plain error.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var st, err = store.Open(ctx, cfg.Store.URL, store.Options{
		ConnectionLimit:  cfg.Store.ConnectionLimit,
		PoolTimeout:      cfg.Store.PoolTimeout,
		ConnectTimeout:   cfg.Store.ConnectTimeout,
		StatementTimeout: cfg.Store.StatementTimeout,
	})
	if err != nil {
		return nil, err
	}

	var bus = events.NewBus()
	var breakers = breaker.NewSet(bus, breaker.Options{})

	locks, err := lock.NewManager(cfg.Lock.BackendURL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var browserPool = pool.New(pool.Options{Max: cfg.Browser.MaxInstances})
	var launcher = browser.NewLauncher(cfg.Browser.ProfileDir)
	if err = launcher.EnsureProfile(); err != nil {
		_ = st.Close()
		return nil, err
	}

	var session = browser.NewSession(launcher, st, bus)
	var targetRouter = router.New(st, session, cfg.Scraper.Token != "")
	var completer = llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model)

	var sampler = track.NewSampler(cfg.Obs.SampleInterval, bus)
	var requests = track.NewRequests(bus)
	var errRing = track.NewErrors()
	var healer = heal.New(st, breakers, sampler, bus, cfg.Obs.SelfHealInterval)
	var hub = pushchan.New(bus, sampler, requests, errRing, healer, breakers, browserPool)

	var app = &App{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		breakers: breakers,
		locks:    locks,
		pool:     browserPool,
		session:  session,
		sampler:  sampler,
		requests: requests,
		errors:   errRing,
		healer:   healer,
		hub:      hub,
	}

	app.scheduler = sched.New(locks, bus, cfg.Lock.TTL)
	for _, entry := range []sched.Entry{
		{Stage: "scrape", Spec: cfg.Cron.Scrape, Handler: &stages.Scrape{
			Store:    st,
			Router:   targetRouter,
			Fast:     scrape.NewFastScraper(cfg.Scraper.Token),
			Browser:  scrape.NewBrowserScraper(launcher),
			Pool:     browserPool,
			Breakers: breakers,
			Session:  session,
			Bus:      bus,
			Targets:  cfg.Targets(),
			Limit:    cfg.Scraper.Limit,
		}},
		{Stage: "classify", Spec: cfg.Cron.Classify, Handler: &stages.Classify{
			Store:      st,
			Classifier: &llm.Classifier{Completer: completer},
			Breakers:   breakers,
			Bus:        bus,
			BatchSize:  cfg.Message.ClassifyBatchSize,
		}},
		{Stage: "generate", Spec: cfg.Cron.Generate, Handler: &stages.Generate{
			Store:            st,
			Composer:         &llm.Composer{Completer: completer},
			Breakers:         breakers,
			Bus:              bus,
			BatchSize:        cfg.Message.GenerateBatchSize,
			MinConfidence:    cfg.Message.MinConfidence,
			CanonicalBaseURL: cfg.Message.CanonicalBaseURL,
			LandingBaseURL:   cfg.Message.LandingBaseURL,
		}},
		{Stage: "dispatch", Spec: cfg.Cron.Dispatch, Handler: &stages.Dispatch{
			Store:      st,
			Sender:     browser.NewMessenger(launcher),
			Pool:       browserPool,
			Session:    session,
			Bus:        bus,
			DailyLimit: cfg.Message.DailyDispatchLimit,
		}},
	} {
		if err = app.scheduler.Add(entry); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	app.server = &http.Server{
		Addr:    cfg.Obs.ListenAddr,
		Handler: app.routes(),
	}
	return app, nil
}

func (a *App) routes() http.Handler {
	var mux = http.NewServeMux()
	mux.Handle("/debug/ws", a.hub)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.handleHealthz)
	return a.requests.Middleware(mux)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("store: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Serve runs the process until a termination signal, then shuts down
// gracefully: stop the scheduler, drain handlers within the grace period,
// close push sockets, flush audits, disconnect the store.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Error events captured into the dedup ring and a healing probe.
	var errCh, cancelErrSub = a.bus.Subscribe(events.KindError)
	go func() {
		for ev := range errCh {
			if payload, ok := ev.Payload.(map[string]string); ok {
				a.errors.Record(string(ev.Kind), payload["error"], payload["stage"])
			}
		}
	}()
	defer cancelErrSub()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.sampler.Run(ctx) }()
	go func() { defer wg.Done(); a.healer.Run(ctx) }()

	var serverErr = make(chan error, 1)
	go func() {
		log.WithField("addr", a.server.Addr).Info("debug listener started")
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.scheduler.Start()
	log.Info("chronicler pipeline started")

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("termination signal received")
	case err := <-serverErr:
		log.WithField("err", err).Error("debug listener failed")
	case <-ctx.Done():
	}

	return a.shutdown(cancel, &wg)
}

func (a *App) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup) error {
	if drained := a.scheduler.Stop(drainGrace); !drained {
		log.Warn("stage handlers did not drain within grace period")
	}

	var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = a.server.Shutdown(shutdownCtx)
	a.hub.Close()

	cancel()
	wg.Wait()

	a.store.AppendAudit(shutdownCtx, "shutdown", "graceful shutdown complete")
	if err := a.locks.Close(); err != nil {
		log.WithField("err", err).Warn("closing lock manager")
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("disconnecting store: %w", err)
	}
	log.Info("chronicler pipeline stopped")
	return nil
}
