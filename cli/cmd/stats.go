package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/cli/tui"
)

// StatsCommand returns the stats command, which reports queue depths by
// status. Plain output prints once; --tui polls until quit.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show run and environment queue depths",
		Flags: []cli.Flag{
			ConfigFlag,
			TUIFlag,
			&cli.DurationFlag{
				Name:  "refresh",
				Usage: "Poll interval for --tui",
				Value: 2 * time.Second,
			},
		},
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer st.Close()

	if c.Bool("tui") {
		return tui.RunQueueTUI(st, c.Duration("refresh"))
	}

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	runs, envs, err := st.QueueDepths(queryCtx)
	if err != nil {
		return fmt.Errorf("queue depths: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printDepths(w, "runs", runs)
	printDepths(w, "environments", envs)
	return w.Flush()
}

func printDepths(w *tabwriter.Writer, kind string, depths map[string]int) {
	statuses := make([]string, 0, len(depths))
	for status := range depths {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	if len(statuses) == 0 {
		fmt.Fprintf(w, "%s\t(empty)\n", kind)
		return
	}
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\n", kind, status, depths[status])
	}
}
