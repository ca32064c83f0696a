// Package cmd implements the mtl-portctl subcommands as cobra.Commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the CLI's entry point. Exported so a wrapping binary could add
// its own subcommands without touching this package.
var RootCmd = &cobra.Command{
	Use:   "mtl-portctl",
	Short: "Open go-mtl ports, print their capabilities, and run a loopback video demo",
}

var rootVerbose bool

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
}

// configureLogging applies the verbose flag. Called by every subcommand's
// RunE before doing anything else.
func configureLogging() {
	logrus.SetLevel(logrus.InfoLevel)
	if rootVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// Execute runs the CLI, exiting the process with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
