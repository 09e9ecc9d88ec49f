// Package cmd provides the CLI commands for the ade binary.
package cmd

import "github.com/urfave/cli/v2"

// ConfigFlag points at the settings file; unset falls back to ade.yaml in
// the working directory, then pure ADE_* environment configuration.
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the settings file (default: ade.yaml if present)",
	EnvVars: []string{"ADE_CONFIG"},
}

// TUIFlag enables the interactive stats view.
var TUIFlag = &cli.BoolFlag{
	Name:  "tui",
	Usage: "Interactive terminal view",
}
