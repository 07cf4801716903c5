package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/WillPangZi/tinyproxy/pkg/acl"
	"github.com/WillPangZi/tinyproxy/pkg/config"
	"github.com/WillPangZi/tinyproxy/pkg/filter"
	"github.com/WillPangZi/tinyproxy/pkg/log"
	"github.com/WillPangZi/tinyproxy/pkg/proxy"
	"github.com/WillPangZi/tinyproxy/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

func main() {
	configPath := flag.String("c", "./config.yaml", "path to config file")
	flag.Parse()

	opts, err := config.Load(*configPath)
	if err != nil {
		slog.Error("fail to load config", "error", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(opts.Logging)
	if err != nil {
		slog.Error("fail to create logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker, err := acl.Parse(opts.ACL)
	if err != nil {
		slog.Error("fail to parse acl", "error", err)
		os.Exit(1)
	}

	var f *filter.Filter
	if opts.Filter.Enabled() {
		f, err = filter.New(opts.Filter)
		if err != nil {
			slog.Error("fail to load filter", "error", err)
			os.Exit(1)
		}
		slog.Info("filter loaded", "path", opts.Filter.Path, "patterns", f.Len())

		if opts.Filter.Watch {
			if err := f.Watch(ctx); err != nil {
				slog.Error("fail to watch filter file", "error", err)
				os.Exit(1)
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	st := stats.New(registry)

	if opts.Metrics.Enabled {
		go serveMetrics(ctx, opts.Metrics.Bind, registry)
	}

	server, err := proxy.New(opts, checker, f, st, logger)
	if err != nil {
		slog.Error("fail to create server", "error", err)
		os.Exit(1)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

func serveMetrics(ctx context.Context, bind string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: bind, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	slog.Info("starting metrics server", "bind", bind)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
