// waterwatch: streams annotated water level readings from local cameras
// to WebSocket observers and records them per camera.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-waterwatch/internal/config"
	"github.com/teslashibe/go-waterwatch/internal/httpc"
	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/debug"
	"github.com/teslashibe/go-waterwatch/pkg/server"
	"github.com/teslashibe/go-waterwatch/pkg/session"
	"github.com/teslashibe/go-waterwatch/pkg/store"
	"golang.org/x/sync/errgroup"
)

var (
	version     = "1.0.0"
	configPath  = flag.String("config", "", "Path to YAML config file")
	port        = flag.String("port", "", "HTTP server port (overrides config)")
	devices     = flag.String("devices", "", "Comma-separated capture devices in probe order")
	dbPath      = flag.String("db", "", "SQLite database path")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	debugFrames = flag.Bool("debug-frames", false, "Log every frame (very verbose)")
)

func main() {
	flag.Parse()

	fmt.Println()
	fmt.Println("🌊 Waterwatch v" + version)
	fmt.Println("   Water level camera streaming")
	fmt.Println()

	if err := run(); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
	fmt.Println("✅ Goodbye!")
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Setup(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	debug.Enabled = *debugFlag
	debug.Frames = cfg.Log.DebugFrames

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	capture := camera.NewManager(camera.DefaultConfig())
	if cfg.Capture.Preset != "" {
		if _, err := capture.Apply(camera.PresetUpdate(cfg.Capture.Preset)); err != nil {
			return err
		}
	}

	api, err := camera.ParseBackend(cfg.Capture.Backend)
	if err != nil {
		return err
	}
	acquirer := camera.NewAcquirer(camera.AcquirerConfig{
		Candidates:  camera.ParseCandidates(cfg.Capture.Devices),
		ProbeFrames: cfg.Capture.ProbeFrames,
		Quorum:      cfg.Capture.Quorum,
	}, camera.OpenCV(api, capture.GetConfig))

	opts := session.DefaultOptions()
	opts.Pacing = cfg.Stream.Pacing
	opts.ReadTimeout = cfg.Stream.ReadTimeout
	opts.LevelWriteInterval = cfg.Stream.LevelWriteInterval

	srv := server.New(server.Config{
		Version:     version,
		CORSOrigins: cfg.Server.CORSOrigins,
		RequestLog:  cfg.Server.RequestLog || *debugFlag,
		StaticDir:   cfg.Server.StaticDir,
		Session:     opts,
	}, server.Deps{
		Store:    st,
		Acquirer: acquirer,
		Capture:  capture,
		Registry: session.NewRegistry(),
	})

	log.Info("configuration loaded",
		"store", cfg.Store.Driver,
		"devices", cfg.Capture.Devices,
		"backend", cfg.Capture.Backend,
		"pacing", cfg.Stream.Pacing)
	fmt.Printf("   WebSocket: ws://localhost:%s/api/ws/water-level/{camera_id}\n", cfg.Server.Port)
	fmt.Printf("   API:       http://localhost:%s/api/cameras\n", cfg.Server.Port)
	fmt.Printf("   Health:    http://localhost:%s/health\n", cfg.Server.Port)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n👋 Shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "devices":
			cfg.Capture.Devices = *devices
		case "db":
			cfg.Store.Driver = config.DriverSQLite
			cfg.Store.Path = *dbPath
		case "debug":
			if *debugFlag {
				cfg.Log.Level = "debug"
			}
		case "debug-frames":
			cfg.Log.DebugFrames = *debugFrames
		}
	})
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgREST:
		log.Info("using PostgREST store", "url", cfg.Store.URL)
		return store.NewPostgREST(cfg.Store.URL, cfg.Store.APIKey, httpc.NewClient(cfg.Store.Timeout))
	default:
		log.Info("using SQLite store", "path", cfg.Store.Path)
		return store.OpenSQLite(cfg.Store.Path, cfg.Store.BusyTimeout)
	}
}
