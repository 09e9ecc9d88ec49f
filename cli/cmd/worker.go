package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/adapter/redis"
	"github.com/ade-io/ade/adapter/webhook"
	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/metrics"
	"github.com/ade-io/ade/store/notify"
	"github.com/ade-io/ade/worker"
)

// WorkerCommand returns the worker command, which claims and executes
// environment builds and runs.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the job worker",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "id",
				Usage: "Worker identity used for claims (default: host-pid)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Concurrent job slots (overrides worker_concurrency)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (disabled when empty)",
			},
		},
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	if n := c.Int("concurrency"); n > 0 {
		settings.WorkerConcurrency = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, settings)
	if err != nil {
		return err
	}
	defer d.close()

	logger := log.New("worker")

	publisher, err := newPublisher(settings)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer func() { _ = publisher.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if addr := c.String("metrics-addr"); addr != "" {
		go serveMetrics(ctx, addr, reg, logger)
	}

	w := worker.New(worker.Options{
		ID:        c.String("id"),
		Config:    *settings,
		Store:     d.store,
		Layout:    d.layout,
		Packages:  d.packages,
		Blobs:     d.blobs,
		Logger:    logger,
		Listener:  notify.NewListener(settings.DatabaseURL, logger),
		Metrics:   metrics.NewWorker(reg),
		Publisher: publisher,
	})
	return w.Run(ctx)
}

// newPublisher builds the terminal-notification adapter named by
// notify_adapter; an empty setting disables publishing.
func newPublisher(s *config.Settings) (worker.Publisher, error) {
	switch s.NotifyAdapter {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     s.NotifyURL,
			Timeout: s.NotifyTimeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:     s.NotifyURL,
			Channel: s.NotifyChannel,
			Timeout: s.NotifyTimeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown notify_adapter %q (want webhook or redis)", s.NotifyAdapter)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", map[string]any{"error": err.Error(), "addr": addr})
	}
}
