package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/config"
)

var log = logging.Logger("cmd")

func main() {
	logging.SetLogLevel("*", "info")

	app := &cli.App{
		Name:  "dtr-discovery-engine",
		Usage: "Consumer-side discovery and retrieval engine for a federated digital twin dataspace.",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTP server interface to the discovery engine",
				Subcommands: []*cli.Command{
					{
						Name:   "start",
						Usage:  "start a discovery engine HTTP server",
						Flags:  config.Flags(),
						Action: startServer,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
