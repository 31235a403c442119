// Package app builds the catalyst-underwriter command line application.
package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"

	"github.com/catalystdao/catalyst-underwriter-sub001/cli/server"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "catalyst-underwriter\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a catalyst-underwriter instance of [cli.App] with all
// commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "catalyst-underwriter"
	ctl.Version = config.Version
	ctl.Usage = "Catalyst cross-chain swap underwriter"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	return ctl
}
