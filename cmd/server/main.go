package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	persistlog "dynstack.ai/internal/persistence/log"
	"dynstack.ai/internal/sim/tuning"
	"dynstack.ai/internal/transport/ws"
)

var (
	addr       string
	configDir  string
	tuningPath string
	dataDir    string
	disableDB  bool
	record     bool
	serveProm  bool
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dynstack-server",
	Short: "Crane scheduling server for the hot storage yard",
	Long: `Serves planning sessions over websocket at /v1/ws.

A client sends HELLO, then one WORLD snapshot per simulation tick; the server
answers each with a SCHEDULE of at most planner.moves_per_schedule crane moves.
tuning.yaml is reloaded when it changes on disk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "http listen address")
	f.StringVar(&configDir, "configs", "./configs", "config directory")
	f.StringVar(&tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	f.StringVar(&dataDir, "data", "./data", "runtime data directory")
	f.BoolVar(&disableDB, "disable_db", false, "disable the sqlite plan index")
	f.BoolVar(&record, "record", false, "save each session's snapshots under <data>/recordings")
	f.BoolVar(&serveProm, "metrics", true, "serve prometheus metrics on /metrics")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	tp := strings.TrimSpace(tuningPath)
	if tp == "" {
		tp = filepath.Join(configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("tuning not found; using defaults", zap.String("path", tp))
		tune = tuning.Defaults()
	case err != nil:
		return fmt.Errorf("load tuning: %w", err)
	}
	store := tuning.NewStore(tune)

	idx, err := openRuntimeIndex(dataDir, disableDB)
	if err != nil {
		return fmt.Errorf("open index backend: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Warn("index backend: upsert tuning", zap.Error(err))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	watcher, err := tuning.NewWatcher(tp, store, logger, tuning.OnReload(func(t tuning.Tuning) {
		if idx != nil {
			if err := idx.UpsertTuning(t); err != nil {
				logger.Warn("index backend: upsert tuning", zap.Error(err))
			}
		}
	}))
	if err != nil {
		logger.Warn("tuning hot reload disabled", zap.Error(err))
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	planLog := persistlog.NewPlanLogger(dataDir, logger)
	defer planLog.Close()

	opts := []ws.Option{ws.WithSink(planLog)}
	if idx != nil {
		opts = append(opts, ws.WithSink(idx))
	}
	if record {
		var ri ws.RecordingIndex
		if idx != nil {
			ri = idx
		}
		opts = append(opts, ws.WithRecorder(filepath.Join(dataDir, "recordings"), ri))
	}
	wsSrv := ws.NewServer(store, logger, opts...)

	mux := newMux(muxDeps{
		store:   store,
		index:   idx,
		ws:      wsSrv,
		metrics: serveProm,
		admin:   envBool("DYN_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		pprof:   envBool("DYN_ENABLE_PPROF_HTTP", false),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening",
		zap.String("addr", addr),
		zap.String("strategy", tune.Planner.Strategy),
		zap.String("tuning_digest", tune.Digest()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}

	// Hijacked websocket conns outlive Shutdown; give in-flight plans a moment
	// to reach the sinks before they are closed.
	done := make(chan struct{})
	go func() {
		wsSrv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("sessions still open at shutdown", zap.Int("sessions", wsSrv.Sessions()))
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
