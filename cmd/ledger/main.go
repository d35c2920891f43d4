package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

const DefaultVersion = "0.99.indev"

func newApp() *cli.App {
	return &cli.App{
		Name:     "Chimata",
		HelpName: "chimata-ledger",
		Version:  DefaultVersion,
		Usage:    "Operator CLI of the Chimata encrypted-balance ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to ledger.yaml, default searches . and ~/.config/Chimata",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error, disabled)",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "print prometheus metrics to stderr after the command",
			},
		},
		Commands: []*cli.Command{
			keygenCommand(),
			registerCommand(),
			balanceCommand(),
			depositCommand(),
			withdrawCommand(),
			transferCommand(),
			auditCommand(),
			historyCommand(),
			inspectCommand(),
		},
	}
}

// CLI
func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
