// Command voxduct is the main entry point for the Voxduct bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxduct/voxduct/internal/bridge"
	"github.com/voxduct/voxduct/internal/config"
	"github.com/voxduct/voxduct/internal/health"
	"github.com/voxduct/voxduct/internal/observe"
	"github.com/voxduct/voxduct/internal/pool"
	"github.com/voxduct/voxduct/internal/recording"
	"github.com/voxduct/voxduct/internal/server"
	"github.com/voxduct/voxduct/pkg/upstream"
	"github.com/voxduct/voxduct/pkg/vad"
)

// defaultVendorPaths are used when an enabled vendor block has no path set.
var defaultVendorPaths = map[string]string{
	"mediawire": "/stream/media",
	"voicegate": "/stream/voicegate",
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxduct: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxduct: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxduct starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxduct"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Upstream client + connection pool ─────────────────────────────────────
	var clientOpts []upstream.Option
	if cfg.Upstream.Model != "" {
		clientOpts = append(clientOpts, upstream.WithModel(cfg.Upstream.Model))
	}
	if cfg.Upstream.BaseURL != "" {
		clientOpts = append(clientOpts, upstream.WithBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.Instructions != "" {
		clientOpts = append(clientOpts, upstream.WithInstructions(cfg.Upstream.Instructions))
	}
	client := upstream.NewClient(cfg.Upstream.APIKey, clientOpts...)

	p := pool.New(client.Dial, pool.Config{
		MaxSize:       cfg.Pool.MaxSize,
		SessionCap:    cfg.Pool.SessionCap,
		MaxAge:        cfg.Pool.MaxAge.Std(),
		MaxIdle:       cfg.Pool.MaxIdle.Std(),
		SweepInterval: cfg.Pool.SweepInterval.Std(),
		LeaseWait:     cfg.Pool.LeaseWait.Std(),
	})
	defer func() {
		if err := p.Close(); err != nil {
			slog.Warn("pool close error", "err", err)
		}
	}()

	if err := observe.RegisterPoolGauges(nil, poolStatsFn(p)); err != nil {
		slog.Warn("failed to register pool gauges", "err", err)
	}

	// ── Recorder (optional) ───────────────────────────────────────────────────
	var recorder recording.Recorder = recording.Nop{}
	checkers := []health.Checker{health.PoolChecker(p)}
	if cfg.Recording.PostgresDSN != "" {
		pg, err := recording.NewPostgres(ctx, cfg.Recording.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect call recorder", "err", err)
			return 1
		}
		recorder = pg
		checkers = append(checkers, health.RecorderChecker(pg))
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pg.Close(cctx); err != nil {
				slog.Warn("recorder close error", "err", err)
			}
		}()
		slog.Info("call recording enabled")
	}

	// ── Server ────────────────────────────────────────────────────────────────
	srv := server.New(serverConfig(cfg), p, recorder, metrics, health.New(checkers...), nil)

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// serverConfig maps the YAML schema onto the server's config, applying
// default vendor paths.
func serverConfig(cfg *config.Config) server.Config {
	sc := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Bridge: bridge.Config{
			UpstreamRate:  cfg.Upstream.SampleRate,
			ChunkDuration: cfg.Call.ChunkDuration.Std(),
			FrameDuration: cfg.Call.FrameDuration.Std(),
			MinCommit:     cfg.Call.MinCommit.Std(),
			IdleTimeout:   cfg.Call.IdleTimeout.Std(),
			HangupGrace:   cfg.Call.HangupGrace.Std(),
			VAD: vad.Config{
				SpeechThreshold:     cfg.VAD.SpeechThreshold,
				StartFrames:         cfg.VAD.StartFrames,
				StopFrames:          cfg.VAD.StopFrames,
				ForceStopAfter:      cfg.VAD.ForceStopAfter.Std(),
				MinSpeechDuration:   cfg.VAD.MinSpeechDuration.Std(),
				HistorySize:         cfg.VAD.HistorySize,
				MaxClassifierErrors: cfg.VAD.MaxClassifierErrors,
			},
		},
	}
	if cfg.Server.TLS != nil {
		sc.CertFile = cfg.Server.TLS.CertFile
		sc.KeyFile = cfg.Server.TLS.KeyFile
	}
	if cfg.Vendors.Mediawire.Enabled {
		sc.MediawirePath = pathOrDefault(cfg.Vendors.Mediawire.Path, "mediawire")
	}
	if cfg.Vendors.Voicegate.Enabled {
		sc.VoicegatePath = pathOrDefault(cfg.Vendors.Voicegate.Path, "voicegate")
	}
	return sc
}

func pathOrDefault(path, vendor string) string {
	if path != "" {
		return path
	}
	return defaultVendorPaths[vendor]
}

// poolStatsFn adapts pool stats to the gauge callback shape.
func poolStatsFn(p *pool.Pool) func() (int64, int64, int64) {
	return func() (int64, int64, int64) {
		s := p.Stats()
		return int64(s.Total), int64(s.Healthy), int64(s.Leased)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxduct — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEndpoint("mediawire", cfg.Vendors.Mediawire)
	printEndpoint("voicegate", cfg.Vendors.Voicegate)
	model := cfg.Upstream.Model
	if model == "" {
		model = "(default)"
	}
	fmt.Printf("║  Upstream model  : %-19s ║\n", clip(model))
	if cfg.Recording.PostgresDSN != "" {
		fmt.Printf("║  Recording       : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Recording       : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", clip(cfg.Server.ListenAddr))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEndpoint(vendor string, vc config.VendorConfig) {
	value := "(disabled)"
	if vc.Enabled {
		value = pathOrDefault(vc.Path, vendor)
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", vendor, clip(value))
}

func clip(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
