package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/types"
)

// VersionCommand returns the version command. All components share a single
// version; the commit is stamped via ldflags.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(*cli.Context) error {
			fmt.Printf("ade %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}
