// Command forcealign aligns a transcript against speech audio.
//
// Usage:
//
//	forcealign align [flags] audio.wav [transcript.txt]
//	forcealign serve [flags]
//
// align writes the word-level alignment of one recording to stdout or a file.
// serve runs the HTTP job service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/forcealign/internal/aligner"
	"github.com/MrWong99/forcealign/internal/config"
	"github.com/MrWong99/forcealign/internal/health"
	"github.com/MrWong99/forcealign/internal/jobstore"
	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/internal/server"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/audio"
)

// shutdownTimeout bounds graceful shutdown of the service.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}
	switch args[0] {
	case "align":
		return runAlign(args[1:])
	case "serve":
		return runServe(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "forcealign: unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: forcealign align [flags] audio.wav [transcript.txt]")
	fmt.Fprintln(os.Stderr, "       forcealign serve [flags]")
}

// loadConfig loads path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// ── align ─────────────────────────────────────────────────────────────────────

func runAlign(args []string) int {
	fs := flag.NewFlagSet("align", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (defaults when empty)")
	format := fs.String("format", "json", "output format: json or csv")
	output := fs.String("o", "", "output file (default stdout)")
	workers := fs.Int("workers", 0, "number of decoder processes (overrides config)")
	noMultipass := fs.Bool("no-multipass", false, "skip the refinement pass")
	conservative := fs.Bool("conservative", false, "let the decoder skip audio it cannot match")
	disfluency := fs.Bool("disfluency", false, "keep filler words missing from the transcript")
	verbose := fs.Bool("v", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		usage()
		return 2
	}
	if *format != "json" && *format != "csv" {
		fmt.Fprintf(os.Stderr, "forcealign: unknown format %q\n", *format)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forcealign: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Alignment.Workers = *workers
	}
	if *noMultipass {
		off := false
		cfg.Multipass.Enabled = &off
	}
	cfg.Alignment.Conservative = cfg.Alignment.Conservative || *conservative
	cfg.Alignment.Disfluency = cfg.Alignment.Disfluency || *disfluency

	level := cfg.Server.LogLevel
	if *verbose {
		level = config.LogDebug
	}
	var lvl slog.LevelVar
	lvl.Set(parseLevel(level))
	slog.SetDefault(newLogger(&lvl))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := alignFiles(ctx, cfg, fs.Arg(0), fs.Arg(1))
	if err != nil {
		slog.Error("alignment failed", "err", err)
		return 1
	}

	var out io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			slog.Error("failed to create output", "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := writeResult(out, tr, *format); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	st := tr.Stats()
	slog.Info("aligned", "words", st.Total, "success", st.Success,
		"not_found_in_audio", st.NotFoundInAudio, "not_found_in_transcript", st.NotFoundInTranscript)
	return 0
}

// alignFiles aligns the transcript file against the WAVE file. An empty
// transcript path transcribes the audio without one.
func alignFiles(ctx context.Context, cfg *config.Config, audioPath, transcriptPath string) (*align.Transcription, error) {
	var text string
	if transcriptPath != "" {
		data, err := os.ReadFile(transcriptPath)
		if err != nil {
			return nil, fmt.Errorf("read transcript: %w", err)
		}
		text = string(data)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	pcm, err := audio.Decode(f, cfg.Alignment.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", audioPath, err)
	}
	slog.Info("audio loaded", "path", audioPath, "format", pcm.Source.String(), "seconds", pcm.Duration())

	al, err := aligner.New(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := al.Close(closeCtx); err != nil {
			slog.Warn("failed to stop decoder workers", "err", err)
		}
	}()

	return al.Align(ctx, pcm, text, func(p aligner.Progress) {
		slog.Info("progress", "status", p.Status, "message", p.Message, "percent", p.Percent)
	})
}

func writeResult(w io.Writer, tr *align.Transcription, format string) error {
	if format == "csv" {
		return tr.WriteCSV(w)
	}
	data, err := tr.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forcealign: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var lvl slog.LevelVar
	lvl.Set(parseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&lvl))

	slog.Info("forcealign starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"workers", cfg.Alignment.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Job store ─────────────────────────────────────────────────────────────
	store, storeCheck, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open job store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Aligner ───────────────────────────────────────────────────────────────
	al, err := aligner.New(cfg, aligner.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise aligner", "err", err)
		return 1
	}

	svc := server.New(al, store,
		server.WithMaxJobs(cfg.Server.MaxConcurrentJobs),
		server.WithSampleRate(cfg.Alignment.SampleRate),
		server.WithMetrics(metrics),
	)
	if err := svc.Recover(ctx); err != nil {
		slog.Error("failed to recover jobs", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		d := r.Diff
		if d.LogLevelChanged {
			lvl.Set(parseLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AlignmentChanged {
			al.Update(r.New)
			slog.Info("alignment settings reloaded")
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	svc.Register(mux)
	checks := []health.Checker{
		health.ResourcesChecker(cfg.Resources),
		health.PoolChecker(al.Slots),
	}
	if storeCheck != nil {
		checks = append(checks, *storeCheck)
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("jobs cancelled at shutdown", "err", err)
	}
	if err := al.Close(shutdownCtx); err != nil {
		slog.Warn("aligner close error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// openStore returns the Postgres job store when a DSN is configured, and the
// in-memory store otherwise. The checker is nil for the in-memory store.
func openStore(ctx context.Context, cfg config.StoreConfig) (jobstore.Store, *health.Checker, func(), error) {
	if cfg.PostgresDSN == "" {
		slog.Info("jobs are kept in memory")
		return jobstore.NewMemStore(), nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping: %w", err)
	}
	store := jobstore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	check := health.PingChecker("store", pool)
	slog.Info("jobs are kept in postgres")
	return store, &check, pool.Close, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
