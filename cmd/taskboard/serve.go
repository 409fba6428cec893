package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	boardfactory "github.com/loykin/taskboard/internal/board/factory"
	"github.com/loykin/taskboard/internal/config"
	"github.com/loykin/taskboard/internal/env"
	"github.com/loykin/taskboard/internal/history"
	historyfactory "github.com/loykin/taskboard/internal/history/factory"
	"github.com/loykin/taskboard/internal/logger"
	"github.com/loykin/taskboard/internal/logsink"
	"github.com/loykin/taskboard/internal/manager"
	"github.com/loykin/taskboard/internal/metrics"
	"github.com/loykin/taskboard/internal/pidfile"
	"github.com/loykin/taskboard/internal/process"
	"github.com/loykin/taskboard/internal/scheduler"
	"github.com/loykin/taskboard/internal/server"
	servertls "github.com/loykin/taskboard/internal/tls"
)

const (
	apiBasePath     = "/api"
	shutdownTimeout = 10 * time.Second
)

func createServeCommand(stderr io.Writer) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.json]",
		Short: "Start the supervisor",
		Long: `Start the supervisor: load the bootstrap config, connect to the board,
reconcile the task table and serve the operator API.

Examples:
  taskboard serve --config config.json
  taskboard serve config.json --store sqlite:///var/lib/taskboard/board.db
  taskboard serve --config config.json --daemonize --pidfile /run/taskboard.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			if flags.ConfigPath == "" {
				return fatal(errors.New("config file required for serve command. Use --config=config.json or provide as argument"))
			}
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			if flags.PidFile != "" {
				if err := pidfile.Acquire(flags.PidFile, os.Getpid()); err != nil {
					return fatal(fmt.Errorf("pid file: %w", err))
				}
				defer func() { _ = pidfile.Remove(flags.PidFile) }()
			}
			return runServe(cmd.Context(), *flags, stderr)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to JSON bootstrap config")
	cmd.Flags().StringVar(&flags.Store, "store", "", "board DSN (overrides the store key)")
	cmd.Flags().StringVar(&flags.HTTPAddr, "http-addr", "", "operator API listen address (overrides http_addr)")
	cmd.Flags().BoolVar(&flags.Debug, "debug", false, "mirror board log entries to the console")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the supervisor pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// loadServeConfig reads the bootstrap file and applies flag overrides.
func loadServeConfig(flags ServeFlags) (*config.Manager, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, fatal(err)
	}
	if flags.Store != "" {
		cfg.Set(config.KeyStore, flags.Store)
	}
	if flags.HTTPAddr != "" {
		cfg.Set(config.KeyHTTPAddr, flags.HTTPAddr)
	}
	if flags.Debug {
		cfg.Set(config.KeyDebug, true)
	}
	return cfg, nil
}

func loggerConfig(cfg *config.Manager) logger.Config {
	level := cfg.String(config.KeyLogLevel)
	if cfg.Bool(config.KeyDebug) {
		level = "debug"
	}
	return logger.Config{
		Level:   level,
		Format:  cfg.String(config.KeyLogFormat),
		File:    logger.FileConfig{Path: cfg.String(config.KeyLogFile)},
		TaskDir: cfg.String(config.KeyTaskLogDir),
	}
}

// runServe wires every component and blocks until the supervisor has shut
// down, either through the Main row, a signal or ctx.
func runServe(ctx context.Context, flags ServeFlags, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadServeConfig(flags)
	if err != nil {
		return err
	}
	logCfg := loggerConfig(cfg)
	log, closer := logger.New(logCfg, stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	store, err := boardfactory.NewFromDSN(cfg.String(config.KeyStore), cfg.Duration(config.KeyPollInterval), log)
	if err != nil {
		return fatal(fmt.Errorf("open board: %w", err))
	}
	defer func() { _ = store.Close() }()

	if n, err := cfg.Overlay(ctx, store, log); err != nil {
		log.Warn("config overlay failed", "error", err)
	} else if n > 0 {
		log.Info("config overlay applied", "keys", n)
	}

	sinks, err := historyfactory.NewSinks(cfg.StringSlice(config.KeyHistory))
	if err != nil {
		return fatal(err)
	}
	hist := history.NewDispatcher(log, sinks...)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hist.Close(cctx); err != nil {
			log.Warn("history close", "error", err)
		}
	}()

	withMetrics := cfg.Bool(config.KeyMetrics)
	if withMetrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics register", "error", err)
		}
	}

	table := process.NewTable()
	table.Grace = cfg.Duration(config.KeyKillGrace)
	childEnv := env.New(nil)
	childEnv.SetList(cfg.StringSlice(config.KeyEnv))
	runner := &process.Runner{
		Dir:     cfg.String(config.KeyTaskDir),
		Runtime: cfg.String(config.KeyRuntime),
		Ext:     cfg.String(config.KeyScriptExt),
		Table:   table,
		Env:     childEnv,
		Writers: logCfg.TaskWriter,
	}
	sink := logsink.New(store, cfg.LogTable(), log, cfg.Bool(config.KeyDebug))
	sched := scheduler.New(store, cfg.TaskTable(), log)
	debounce := cfg.Duration(config.KeyDebounce)

	mgr, err := manager.New(manager.Options{
		Store:     store,
		Config:    cfg,
		Runner:    runner,
		Sink:      sink,
		Logger:    log,
		History:   hist,
		Scheduler: sched,
		Debounce:  debounce,
	})
	if err != nil {
		return fatal(err)
	}
	if err := cfg.Watch(ctx, store, debounce, log, mgr.ConfigChanged); err != nil {
		log.Warn("config watch failed", "error", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fatal(fmt.Errorf("start supervisor: %w", err))
	}
	defer mgr.Close()
	mgr.HandleSignals(ctx)

	if !cfg.Bool(config.KeyDebug) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Options{
		Store:      store,
		BasePath:   apiBasePath,
		Token:      cfg.String(config.KeyToken),
		Metrics:    withMetrics,
		Running:    mgr.Running,
		Terminated: mgr.Terminated,
		Logger:     log,
	})
	srv := server.NewServer(cfg.String(config.KeyHTTPAddr), router.Handler())
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		_ = mgr.Shutdown(ctx, "listen failed")
		return fatal(fmt.Errorf("listen %s: %w", srv.Addr, err))
	}
	tlsCfg, err := servertls.Setup(servertls.FromConfig(cfg))
	if err != nil {
		_ = ln.Close()
		_ = mgr.Shutdown(ctx, "tls setup failed")
		return fatal(err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Info("operator API listening", "addr", ln.Addr().String(), "base", apiBasePath, "tls", tlsCfg != nil)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if withMetrics {
		sampler := metrics.NewSampler(cfg.Duration(config.KeySampleInterval), mgr.Running, log)
		g.Go(func() error {
			sampler.Run(runCtx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-mgr.Done():
		case <-runCtx.Done():
			_ = mgr.Shutdown(context.Background(), "serve stopped")
		}
		stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
