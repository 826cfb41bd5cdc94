// Command nvr runs the NVR core: per-camera stream ingest, detection
// scanners and recorders, the fragmenter pipeline, the tiered storage
// engine and the HLS playback server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/camera"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/database"
	"github.com/osprey-nvr/osprey/internal/detect"
	"github.com/osprey-nvr/osprey/internal/fragment"
	"github.com/osprey-nvr/osprey/internal/hls"
	"github.com/osprey-nvr/osprey/internal/nvr"
	"github.com/osprey-nvr/osprey/internal/storage"
	"github.com/osprey-nvr/osprey/internal/video"
)

const shutdownTimeout = 30 * time.Second

// cameraUnit bundles one camera's workers for ordered teardown.
type cameraUnit struct {
	camera     *camera.Camera
	fragmenter *fragment.Fragmenter
	machine    *nvr.StateMachine
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.System.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting NVR core",
		"cameras", len(cfg.Cameras),
		"tiers", len(cfg.Storage.Tiers),
		"data_dir", cfg.System.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data dir", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(database.DefaultConfig(cfg.System.DataDir))
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	b, err := bus.New(bus.Config{Port: cfg.System.BusPort}, logger)
	if err != nil {
		logger.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer b.Stop()

	signals := bus.NewSignals()

	files := storage.NewFileStore(db)
	recordings := storage.NewRecordingStore(db)
	detections := storage.NewDetectionStore(db)
	tiers := storage.ResolveTiers(cfg.Storage)

	manager := storage.NewManager(cfg.Cameras, tiers, files, recordings, b,
		cfg.System.TierWorkers, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start tier manager", "error", err)
		os.Exit(1)
	}

	// External object detectors register here; the motion detector is
	// built in per camera.
	registry := detect.NewRegistry()

	hwDetector := video.NewDetector(cfg.System.FFmpegPath)
	prober := camera.NewProber(cfg.System.FFprobePath)
	tempRoot := filepath.Join(cfg.System.DataDir, "tmp")

	var units []*cameraUnit
	var machines sync.WaitGroup
	for _, camCfg := range cfg.Cameras {
		unit, err := buildCamera(ctx, camCfg, cfg, tiers, tempRoot,
			hwDetector, prober, registry, files, recordings, detections,
			manager, b, logger)
		if err != nil {
			logger.Error("Failed to build camera", "camera", camCfg.ID, "error", err)
			os.Exit(1)
		}
		units = append(units, unit)

		unit.camera.Start(ctx)
		unit.fragmenter.Start(ctx)
		machines.Add(1)
		go func(u *cameraUnit) {
			defer machines.Done()
			u.machine.Run(ctx, u.camera)
		}(unit)
	}

	hub := hls.NewHub(logger)
	go hub.Run(ctx)
	if err := hub.BindBus(b); err != nil {
		logger.Error("Failed to bind event feed to bus", "error", err)
		os.Exit(1)
	}

	assembler := hls.NewAssembler(files, recordings, cfg.Cameras, nil)
	server := hls.NewServer(cfg.System.ListenAddr, assembler, recordings, tiers, hub, logger)
	server.Start()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Last-write workers: once the ingest side is down, drain pending
	// segments and force-move RAM-disk tiers.
	var lastWrite sync.WaitGroup
	for _, unit := range units {
		lastWrite.Add(1)
		go func(u *cameraUnit) {
			defer lastWrite.Done()
			<-signals.LastWrite()
			u.fragmenter.FinalSweep(shutdownCtx)
		}(unit)
	}
	lastWrite.Add(1)
	go func() {
		defer lastWrite.Done()
		<-signals.LastWrite()
		manager.Shutdown(shutdownCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	// Stopping: no new work. Tear down the ingest side first so the
	// final fragmenter sweep sees every closed segment.
	signals.Advance(bus.PhaseStopping)
	server.Stop(shutdownCtx)
	for _, unit := range units {
		unit.camera.Stop()
		unit.fragmenter.Stop()
	}
	machines.Wait()

	signals.Advance(bus.PhaseLastWrite)
	lastWrite.Wait()
	manager.Stop()

	// Shutdown: persistent connections close via the deferred handles.
	signals.Advance(bus.PhaseShutdown)
	cancel()
	logger.Info("Shutdown complete")
}

func buildCamera(
	ctx context.Context,
	camCfg config.CameraConfig,
	cfg *config.Config,
	tiers []storage.Tier,
	tempRoot string,
	hwDetector *video.Detector,
	prober *camera.Prober,
	registry *detect.Registry,
	files *storage.FileStore,
	recordings *storage.RecordingStore,
	detections *storage.DetectionStore,
	manager *storage.Manager,
	b *bus.Bus,
	logger *slog.Logger,
) (*cameraUnit, error) {
	accel := hwDetector.Resolve(ctx, camCfg.HWAccel)

	cam, err := camera.New(camCfg, tempRoot, cfg.System.FFmpegPath,
		accel, prober, registry, b, logger)
	if err != nil {
		return nil, err
	}

	frag := fragment.New(camCfg, tiers[0], cam.TempDir(),
		cfg.System.MP4BoxPath, cfg.System.FFmpegPath,
		files, manager.Indexer(), manager, logger)

	recorder := nvr.NewRecorder(camCfg, recordings, tiers[0], frag, b, logger)

	opts := nvr.Options{
		Camera:       camCfg,
		Recorder:     recorder,
		Detections:   detections,
		SnapshotTier: &tiers[0],
		Bus:          b,
		Logger:       logger,
	}
	if s := cam.ObjectScanner(); s != nil {
		opts.ObjectScanner = s
		if det, ok := registry.Get(camCfg.ObjectDetection.Detector); ok {
			opts.SnapshotDomain = det.Domain
		}
	}
	if s := cam.MotionScanner(); s != nil {
		opts.MotionScanner = s
	}

	return &cameraUnit{
		camera:     cam,
		fragmenter: frag,
		machine:    nvr.NewStateMachine(opts),
	}, nil
}

func defaultConfigPath() string {
	if v := os.Getenv("NVR_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
