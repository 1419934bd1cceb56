package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/exthost/internal/config"
	"github.com/dshills/exthost/internal/extension"
	"github.com/dshills/exthost/internal/extension/activation"
	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/host"
	"github.com/dshills/exthost/internal/extension/host/lua"
	"github.com/dshills/exthost/internal/extension/host/wasm"
	"github.com/dshills/exthost/internal/extension/memento"
	"github.com/dshills/exthost/internal/extension/sandbox"
	"github.com/dshills/exthost/internal/extension/watch"
	"github.com/dshills/exthost/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the extension host and its diagnostic API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	sb, err := sandbox.New(cfg.Host.Origin)
	if err != nil {
		return err
	}

	fetcher := fetch.NewHTTPFetcher(
		fetch.WithClient(&http.Client{Timeout: cfg.Fetch.Timeout.Duration}),
		fetch.WithMaxRetries(uint64(cfg.Fetch.MaxRetries)),
		fetch.WithRetryInterval(cfg.Fetch.RetryInterval.Duration),
		fetch.WithMaxBytes(cfg.Fetch.MaxBytes),
		fetch.WithLogger(logger.Named("fetch")),
	)

	wasmHost, err := wasm.New(ctx, fetcher, wasm.WithLogger(logger.Named("wasm")))
	if err != nil {
		return err
	}
	defer func() { _ = wasmHost.Close(context.Background()) }()

	mux := host.NewMux()
	mux.Handle(".lua", lua.New(fetcher,
		lua.WithTimeout(cfg.Activation.LuaTimeout.Duration),
		lua.WithLogger(logger.Named("lua"))))
	mux.Handle(".wasm", wasmHost)

	kv, closeKV, err := openStateStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeKV()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := extension.NewController(extension.Config{
		Sandbox:                sb,
		Fetcher:                fetcher,
		Host:                   mux,
		State:                  memento.NewStore(kv, memento.WithPrefix(cfg.Storage.Prefix), memento.WithLogger(logger)),
		HostVersion:            cfg.Host.Version,
		MaxParallelActivations: cfg.Activation.MaxParallel,
		Logger:                 logger.Named("extensions"),
		Metrics:                extension.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Shutdown(context.Background()); err != nil {
			logger.Warn("extension shutdown incomplete", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{
		Controller:    ctrl,
		ExtensionsDir: cfg.Extensions.Dir,
		URLPrefix:     cfg.Extensions.URLPrefix,
		Gatherer:      reg,
		Logger:        logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Listen)
	})

	g.Go(func() error {
		locations, err := startupLocations(cfg.Extensions)
		if err != nil {
			return err
		}
		// Fetches retry with backoff while the server comes up.
		loaded, err := ctrl.LoadAll(gctx, locations...)
		if err != nil {
			logger.Warn("some extensions failed to load", zap.Error(err))
		}
		logger.Info("extensions loaded", zap.Int("count", len(loaded)), zap.Int("requested", len(locations)))

		if err := ctrl.Dispatch(gctx, activation.OnStartupFinished); err != nil {
			logger.Warn("startup activation incomplete", zap.Error(err))
		}
		return nil
	})

	if cfg.Extensions.Watch && cfg.Extensions.Dir != "" {
		w, err := watch.New(cfg.Extensions.Dir,
			watch.ReloadHandler(ctrl, cfg.Extensions.URLPrefix, logger.Named("watch")),
			watch.WithLogger(logger.Named("watch")))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

// openStateStore opens the configured key-value store for extension state.
func openStateStore(cfg config.StorageConfig, logger *zap.Logger) (memento.KeyValueStore, func(), error) {
	if cfg.InMemory {
		return memento.NewMemoryStore(), func() {}, nil
	}
	store, err := memento.OpenBadger(memento.BadgerConfig{
		Path:   cfg.Path,
		Logger: logger.Named("badger"),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing state store", zap.Error(err))
		}
	}, nil
}

// startupLocations lists the extension directories to load plus any
// configured remote locations.
func startupLocations(cfg config.ExtensionsConfig) ([]string, error) {
	var locations []string
	if cfg.Dir != "" {
		names, err := watch.Discover(cfg.Dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			locations = append(locations, watch.Location(cfg.URLPrefix, name))
		}
	}
	return append(locations, cfg.Locations...), nil
}
