package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/api"
	"github.com/ade-io/ade/log"
	"github.com/ade-io/ade/metrics"
)

// APICommand returns the api command, which runs the HTTP control plane.
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Run the HTTP control plane",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (overrides listen_addr)",
			},
		},
		Action: apiAction,
	}
}

func apiAction(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		settings.ListenAddr = addr
	}
	if settings.SecretKey == "" {
		return fmt.Errorf("secret_key is required (ADE_SECRET_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, settings)
	if err != nil {
		return err
	}
	defer d.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := api.New(api.Options{
		Config:   *settings,
		Store:    d.store,
		Layout:   d.layout,
		Packages: d.packages,
		Blobs:    d.blobs,
		Logger:   log.New("api"),
		Metrics:  metrics.NewAPI(reg),
		Gatherer: reg,
	})
	return srv.Run(ctx)
}
