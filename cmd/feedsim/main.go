package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Eyevinn/shortfeed/internal"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	appName = "feedsim"
)

var usg = `%s drives the feed playback engine over a directory of MP4 clips or a
feed manifest, scrolling through the feed by a script and logging what the
engine does with preloading and decoders.

Usage of %s:
`

type options struct {
	content     string
	manifest    string
	config      string
	players     int
	managed     int
	start       int
	script      string
	steps       int
	dwell       time.Duration
	logLevel    string
	metricsAddr string
	version     bool
}

func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, usg, appName, appName)
		fmt.Fprintf(os.Stderr, "%s [options]\n\noptions:\n", appName)
		fs.PrintDefaults()
	}

	opts := options{}
	fs.StringVar(&opts.content, "content", "../../content", "Directory with MP4 clips")
	fs.StringVar(&opts.manifest, "manifest", "", "Feed manifest JSON file (overrides -content)")
	fs.StringVar(&opts.config, "config", "", "Engine config JSON file")
	fs.IntVar(&opts.players, "players", 0, "Number of decoders (0 means config value)")
	fs.IntVar(&opts.managed, "managed", 0, "Number of managed feed positions (0 means config value)")
	fs.IntVar(&opts.start, "start", 0, "Initial feed index")
	fs.StringVar(&opts.script, "script", "", "Comma-separated feed indices to visit, e.g. 1,2,3,2")
	fs.IntVar(&opts.steps, "steps", 10, "Number of forward steps when no script is given")
	fs.DurationVar(&opts.dwell, "dwell", 2*time.Second, "Time spent on each position")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level: debug, info, warning, error")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	err := fs.Parse(args[1:])
	return &opts, err
}

// positions returns the feed indices to visit.
func (o *options) positions() ([]int, error) {
	if o.script == "" {
		out := make([]int, 0, o.steps)
		for i := 1; i <= o.steps; i++ {
			out = append(out, o.start+i)
		}
		return out, nil
	}
	var out []int
	for _, f := range strings.Split(o.script, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad script entry %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	opts, err := parseOptions(fs, args)

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.version {
		fmt.Printf("%s %s\n", appName, internal.GetVersion())
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintf(os.Stderr, "\nReceived signal, cancelling...\n")
		cancel()
	}()

	return runFeed(ctx, opts)
}

func engineConfig(opts *options) (internal.EngineConfig, error) {
	cfg := internal.DefaultEngineConfig()
	if opts.config != "" {
		var err error
		cfg, err = internal.LoadEngineConfig(opts.config)
		if err != nil {
			return cfg, err
		}
	}
	if opts.players > 0 {
		cfg.NumberOfPlayers = opts.players
	}
	if opts.managed > 0 {
		cfg.ManagedItemCount = opts.managed
	}
	return cfg, cfg.Validate()
}

func loadManifest(opts *options) (*internal.FeedManifest, error) {
	if opts.manifest != "" {
		return internal.LoadFeedManifest(opts.manifest)
	}
	return internal.LoadCatalogDir(opts.content)
}

func runFeed(ctx context.Context, opts *options) error {
	logger := internal.NewLogger(os.Stderr, opts.logLevel)
	slog.SetDefault(logger)

	cfg, err := engineConfig(opts)
	if err != nil {
		return err
	}
	positions, err := opts.positions()
	if err != nil {
		return err
	}
	manifest, err := loadManifest(opts)
	if err != nil {
		return err
	}
	logger.Debug("feed manifest", "manifest", manifest.String())

	factory := internal.NewSimEngineFactory(cfg.NumberOfPlayers)
	ctrl, err := internal.NewFeedController(cfg, manifest.Catalog(), internal.Mp4Loader{}, factory, logger)
	if err != nil {
		return err
	}
	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	if err := ctrl.Start(ctx, opts.start); err != nil {
		_ = ctrl.Shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	scrollDone, stopAll := context.WithCancel(gctx)
	defer stopAll()

	g.Go(func() error {
		defer stopAll()
		defer func() { _ = ctrl.Shutdown() }()
		return scroll(gctx, ctrl, opts.start, positions, opts.dwell, logger)
	})
	g.Go(func() error {
		printEvents(events, logger)
		return nil
	})
	if opts.metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(scrollDone, opts.metricsAddr, ctrl.Metrics().Handler(), logger)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scroll visits each position in turn, holding the view for dwell.
func scroll(ctx context.Context, ctrl *internal.FeedController, start int, positions []int,
	dwell time.Duration, logger *slog.Logger) error {
	prev := start
	visit := func(pos int) error {
		if err := ctrl.SetPosition(pos); err != nil {
			return err
		}
		if pos != prev {
			if err := ctrl.OnFocusReleased(prev); err != nil {
				return err
			}
		}
		prev = pos
		if _, err := ctrl.OnFocusAcquired(ctx, pos); err != nil && !errors.Is(err, internal.ErrSourceNotReady) {
			logger.Warn("focus acquired", "index", pos, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dwell):
		}
		if err := ctrl.Flush(ctx); err != nil {
			return err
		}
		s := ctrl.Snapshot()
		logger.Info("position", "index", pos, "state", s.States[pos], "window", s.Window,
			"leased", s.Leased, "decoders", s.LiveHandles, "registered", s.Registered)
		return nil
	}

	if err := visit(start); err != nil {
		return err
	}
	for _, pos := range positions {
		if err := visit(pos); err != nil {
			return err
		}
	}
	s := ctrl.Snapshot()
	logger.Info("scroll finished", "positions", len(positions)+1, "staleBinds", s.StaleBinds)
	return nil
}

func printEvents(events <-chan internal.Event, logger *slog.Logger) {
	for ev := range events {
		attrs := []any{"index", ev.Index, "itemID", ev.ItemID, "state", ev.State.String(),
			"readiness", ev.Readiness.String(), "ratio", fmt.Sprintf("%.2f", ev.Ratio)}
		if ev.LeaseID != uuid.Nil {
			attrs = append(attrs, "lease", ev.LeaseID)
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		switch ev.State {
		case internal.PositionPreloading:
			logger.Debug("event", attrs...)
		case internal.PositionFailed:
			logger.Warn("event", attrs...)
		default:
			logger.Info("event", attrs...)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
