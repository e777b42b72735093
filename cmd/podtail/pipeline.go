package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/collector"
	"github.com/podtail/podtail/internal/config"
	"github.com/podtail/podtail/internal/kube"
	"github.com/podtail/podtail/internal/notify"
	"github.com/podtail/podtail/internal/server/rest"
	"github.com/podtail/podtail/internal/spool"
	"github.com/podtail/podtail/internal/storage"
)

type pipelineOptions struct {
	// out receives JSON lines when no storage DSN is configured.
	out io.Writer
	// serveHTTP starts the health, metrics and query listener.
	serveHTTP bool
}

// runPipeline wires collector, decorator, spool, sink and agent from cfg and
// runs them until ctx is cancelled or the source fails.
func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, po pipelineOptions) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cm := collector.NewMetrics()
	cm.Register(reg)
	am := agent.NewMetrics()
	am.Register(reg)

	backend, err := notify.NewNative(logger)
	if err != nil {
		return fmt.Errorf("notification backend: %w", err)
	}
	col, err := collector.New[notify.Handle](backend, cfg.Root,
		collector.WithLogger(logger),
		collector.WithMetrics(cm),
	)
	if err != nil {
		return err
	}

	var source agent.Source = col
	if cfg.Kubernetes.Enabled {
		dopts := []kube.DecoratorOption{
			kube.WithLogger(logger),
			kube.WithCache(cfg.Kubernetes.LabelCacheSize, cfg.Kubernetes.LabelCacheTTL),
		}
		if cfg.Kubernetes.LabelLookup {
			client, err := kube.NewClientset(cfg.Kubernetes.Kubeconfig)
			if err != nil {
				_ = col.Close()
				return err
			}
			dopts = append(dopts, kube.WithLabeler(kube.NewKubeLabeler(client)))
		}
		source = kube.NewDecorator(col, dopts...)
	}

	aopts := []agent.Option{
		agent.WithSource(source),
		agent.WithMetrics(am),
		agent.WithTrackedFiles(col.TrackedFiles),
	}

	var store *storage.Store
	if cfg.Storage.DSN != "" {
		store, err = openStore(ctx, cfg.Storage.DSN)
		if err != nil {
			_ = source.Close()
			return err
		}
		defer store.Close()
		aopts = append(aopts, agent.WithSink(store))
	} else {
		aopts = append(aopts, agent.WithSink(agent.NewWriterSink(po.out)))
	}

	if cfg.Spool.Path != "" {
		sp, err := spool.New(cfg.Spool.Path)
		if err != nil {
			_ = source.Close()
			return err
		}
		aopts = append(aopts, agent.WithSpool(sp))
	}

	ag := agent.New(cfg, logger, aopts...)
	if err := ag.Start(ctx); err != nil {
		_ = source.Close()
		return fmt.Errorf("start agent: %w", err)
	}

	var srv *http.Server
	if po.serveHTTP {
		sopts := []rest.ServerOption{
			rest.WithHealth(ag.HealthzHandler),
			rest.WithGatherer(reg),
		}
		if store != nil {
			sopts = append(sopts, rest.WithStore(store))
		}
		srv = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           rest.NewRouter(rest.NewServer(logger, sopts...)),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", slog.Any("error", err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-ag.Done():
	}

	// Stop the agent first, then the HTTP server.
	ag.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", slog.Any("error", err))
		}
	}

	return ag.Err()
}

func openStore(ctx context.Context, dsn string) (*storage.Store, error) {
	store, err := storage.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
