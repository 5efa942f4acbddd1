// Package main provides the AnchorWatch device agent. In primary mode it monitors an
// anchor from a GPS source and publishes to its own session; in join mode it observes
// another device's session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/agent"
	"github.com/anchorwatch/anchorwatch/internal/background"
	"github.com/anchorwatch/anchorwatch/internal/gps"
	"github.com/anchorwatch/anchorwatch/internal/gps/mqttsource"
	"github.com/anchorwatch/anchorwatch/internal/localstore"
	"github.com/anchorwatch/anchorwatch/internal/monitor"
	"github.com/anchorwatch/anchorwatch/internal/pairing"
	"github.com/anchorwatch/anchorwatch/internal/resilience"
	"github.com/anchorwatch/anchorwatch/internal/session/remote"
	"github.com/anchorwatch/anchorwatch/internal/sessionsync"
	"github.com/anchorwatch/anchorwatch/internal/settings"
	"github.com/anchorwatch/anchorwatch/internal/telemetry"
	"github.com/anchorwatch/anchorwatch/pkg/polyline"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	serviceName    = "anchorwatch"
	deepLinkScheme = "anchorwatch"
)

type options struct {
	mode  string
	data  string
	token string

	lat, lon, radius float64
	hasAnchor        bool

	source       string
	driftAfter   time.Duration
	driftBearing float64
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  anchorwatch primary [-lat LAT -lon LON -radius M] [-source simulator|mqtt] [-drift-after D]
  anchorwatch join TOKEN|LINK
`)
}

func main() {
	_ = godotenv.Load()

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	log := telemetry.NewLogger(serviceName, Version)
	log.Info().
		Str("build_time", BuildTime).
		Str("mode", opts.mode).
		Msg("starting AnchorWatch agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error().Err(err).Msg("agent failed")
		os.Exit(1)
	}
	log.Info().Msg("agent stopped")
}

func parseArgs(args []string) (options, error) {
	if len(args) == 0 {
		return options{}, errors.New("missing mode")
	}

	opts := options{mode: args[0]}
	fs := flag.NewFlagSet(opts.mode, flag.ContinueOnError)
	fs.StringVar(&opts.data, "data", getEnvOrDefault("ANCHORWATCH_DATA", "data/anchorwatch.db"), "local database file")

	switch opts.mode {
	case "primary":
		fs.Float64Var(&opts.lat, "lat", 0, "anchor latitude")
		fs.Float64Var(&opts.lon, "lon", 0, "anchor longitude")
		fs.Float64Var(&opts.radius, "radius", 50, "holding radius in meters")
		fs.StringVar(&opts.source, "source", getEnvOrDefault("GPS_SOURCE", "simulator"), "GPS source: simulator or mqtt")
		fs.DurationVar(&opts.driftAfter, "drift-after", 0, "simulator: start drifting after this long (0 never drifts)")
		fs.Float64Var(&opts.driftBearing, "drift-bearing", 90, "simulator: drift bearing in degrees")
		if err := fs.Parse(args[1:]); err != nil {
			return opts, err
		}
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "lat" || f.Name == "lon" {
				opts.hasAnchor = true
			}
		})
		if opts.source != "simulator" && opts.source != "mqtt" {
			return opts, fmt.Errorf("unknown GPS source %q", opts.source)
		}

	case "join":
		if err := fs.Parse(args[1:]); err != nil {
			return opts, err
		}
		if fs.NArg() != 1 {
			return opts, errors.New("join needs a session token or link")
		}
		opts.token = fs.Arg(0)
		if token, err := pairing.ParseDeepLink(opts.token); err == nil {
			opts.token = token
		}
		if !pairing.IsValidTokenFormat(opts.token) {
			return opts, pairing.ErrInvalidTokenFormat
		}

	default:
		return opts, fmt.Errorf("unknown mode %q", opts.mode)
	}
	return opts, nil
}

func run(ctx context.Context, opts options, log zerolog.Logger) error {
	db, err := localstore.OpenSQLite(ctx, opts.data)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	records := localstore.NewRecords(db)

	settingsSvc := settings.NewService(settings.ServiceConfig{
		Repository: records,
		Logger:     log,
	})
	settingsSvc.Load(ctx)

	connections := resilience.NewRegistry()
	httpCfg := resilience.DefaultConfig("session-api")
	httpCfg.Registry = connections

	remoteCfg := remote.ConfigFromEnv()
	remoteCfg.HTTP = resilience.NewClient(httpCfg)
	remoteCfg.Credentials = records
	remoteCfg.Logger = log
	client, err := remote.New(remoteCfg)
	if err != nil {
		return err
	}

	provider, closeProvider, err := openProvider(ctx, opts, records, log)
	if err != nil {
		return err
	}
	defer closeProvider()

	publisher := sessionsync.NewPublisher(sessionsync.PublisherConfig{
		Store:    client,
		Settings: settingsSvc,
		Logger:   log,
	})
	observer := sessionsync.NewObserver(sessionsync.ObserverConfig{Store: client, Logger: log})

	bg := background.New(background.Config{Provider: provider, Logger: log})
	coord := monitor.New(monitor.Config{
		Settings:   settingsSvc,
		Background: bg,
		Sync:       publisher,
		Notifier:   agent.NewLogNotifier(log),
		Anchors:    records,
		Logger:     log,
	})
	bg.Bind(coord)

	ag := agent.New(agent.Config{
		Coordinator: coord,
		Publisher:   publisher,
		Observer:    observer,
		Logger:      log,
	})
	manager, err := pairing.NewManager(pairing.Config{
		Store:    client,
		Identity: client,
		States:   records,
		Settings: settingsSvc,
		Logger:   log,
		Teardown: ag.Teardown,
	})
	if err != nil {
		return err
	}
	defer manager.Close()
	ag.Bind(manager)

	if err := manager.Restore(ctx); err != nil {
		return err
	}

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = coord.Run(ctx)
	}()
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		_ = ag.Run(ctx)
	}()
	go logFeeds(ctx, coord, observer, manager, log)
	go logConnections(ctx, connections, log)

	var tracker *gps.Tracker
	switch opts.mode {
	case "primary":
		tracker = gps.NewTracker(gps.TrackerConfig{Provider: provider, Sink: coord, Logger: log})
		if err := startPrimary(ctx, opts, coord, tracker, records); err != nil {
			return err
		}
	case "join":
		if _, err := manager.JoinSession(ctx, opts.token); err != nil {
			return fmt.Errorf("join session: %w", err)
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tracker != nil {
		if err := tracker.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to stop GPS tracker")
		}
	}
	<-agentDone
	<-coordDone
	return nil
}

// openProvider returns the GPS source for opts. The simulator swings around the anchor
// from the flags or, failing that, the persisted one.
func openProvider(ctx context.Context, opts options, records *localstore.Records, log zerolog.Logger) (gps.Provider, func(), error) {
	if opts.source == "mqtt" {
		cfg := mqttsource.ConfigFromEnv()
		cfg.Logger = log
		src := mqttsource.New(cfg)
		if err := src.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}

	lat, lon := opts.lat, opts.lon
	if !opts.hasAnchor {
		if a, err := records.LoadAnchor(ctx); err == nil && a != nil {
			lat, lon = a.Latitude, a.Longitude
		}
	}
	sim := gps.NewSimulator(gps.SimulatorConfig{
		Latitude:     lat,
		Longitude:    lon,
		DriftAfter:   opts.driftAfter,
		DriftBearing: opts.driftBearing,
	})
	return sim, func() {}, nil
}

func startPrimary(ctx context.Context, opts options, coord *monitor.Coordinator, tracker *gps.Tracker, records *localstore.Records) error {
	if opts.hasAnchor {
		if _, err := coord.SetAnchor(ctx, opts.lat, opts.lon, opts.radius); err != nil {
			return fmt.Errorf("set anchor: %w", err)
		}
	} else if a, err := records.LoadAnchor(ctx); err != nil || a == nil {
		return errors.New("no anchor: pass -lat and -lon")
	}

	if err := coord.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("start GPS tracker: %w", err)
	}
	return nil
}

// logFeeds reports state changes until ctx ends.
func logFeeds(ctx context.Context, coord *monitor.Coordinator, observer *sessionsync.Observer, manager *pairing.Manager, log zerolog.Logger) {
	states, stopStates := coord.State().Subscribe()
	defer stopStates()
	alarms, stopAlarms := coord.Alarms().Subscribe()
	defer stopAlarms()
	pairings, stopPairings := manager.States().Subscribe()
	defer stopPairings()
	mirrored, stopMirrored := observer.Alarm().Subscribe()
	defer stopMirrored()
	positions, stopPositions := observer.Position().Subscribe()
	defer stopPositions()
	tracks, stopTracks := observer.Track().Subscribe()
	defer stopTracks()

	log = log.With().Str("component", "status").Logger()
	var shared string
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			log.Info().Str("state", string(s)).Msg("monitoring state")
		case al := <-alarms:
			log.Info().Int("active", len(al)).Msg("alarms changed")
		case st := <-pairings:
			log.Info().Str("role", string(st.Role)).Msg("pairing state")
			if !st.IsSecondary() && st.LocalToken != "" && st.LocalToken != shared {
				shared = st.LocalToken
				log.Info().Str("link", pairing.BuildDeepLink(deepLinkScheme, st.LocalToken)).Msg("share this link to observe")
			}
		case al := <-mirrored:
			if al != nil {
				log.Warn().
					Str("alarm_id", al.ID).
					Str("severity", string(al.Severity)).
					Float64("distance", al.Distance).
					Msg("primary is alarming")
			}
		case p := <-positions:
			if p != nil {
				log.Debug().Float64("lat", p.Latitude).Float64("lon", p.Longitude).Msg("primary position")
			}
		case track := <-tracks:
			if len(track) > 1 {
				log.Debug().Int("points", len(track)).Float64("meters", polyline.Length(track)).Msg("primary track")
			}
		}
	}
}

// logConnections reports the session API circuit while it is not closed.
func logConnections(ctx context.Context, registry *resilience.Registry, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range registry.All() {
				if h.Healthy() {
					continue
				}
				event := log.Warn()
				if h.Degraded() {
					event = log.Info()
				}
				event.
					Str("connection", h.Name).
					Str("circuit", h.State.String()).
					Uint32("consecutive_failures", h.Counts.ConsecutiveFailures).
					Str("last_error", h.LastError).
					Msg("session API unhealthy")
			}
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
