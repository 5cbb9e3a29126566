package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"chimed/internal/server"
)

// version is stamped at build time: -ldflags "-X main.version=v1.2.3".
var version = "dev"

var (
	socketPath  string
	jsonOut     bool
	callTimeout time.Duration
)

func main() {
	app := cli.App{
		Name:     "chimectl",
		HelpName: "chimectl",
		Usage:    "control a running chimed daemon",
		Version:  version,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:        "socket, s",
				Usage:       "path to the chimed control socket",
				EnvVar:      "CHIMED_SOCKET",
				Value:       server.DefaultSocketPath,
				Destination: &socketPath,
			},
			cli.BoolFlag{
				Name:        "json, j",
				Usage:       "print raw JSON results",
				Destination: &jsonOut,
			},
			cli.DurationFlag{
				Name:        "timeout, t",
				Usage:       "per-call timeout",
				Value:       10 * time.Second,
				Destination: &callTimeout,
			},
		},
		Commands: []cli.Command{
			{
				Name:   "ping",
				Usage:  "check that the daemon is alive",
				Action: ping,
			},
			{
				Name:   "status",
				Usage:  "show a daemon status summary",
				Action: status,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "list timers",
				Action:  list,
			},
			{
				Name:      "get",
				Usage:     "show one timer in detail",
				ArgsUsage: "NAME",
				Action:    get,
			},
			{
				Name:      "next",
				Usage:     "show upcoming run times for a timer",
				ArgsUsage: "NAME",
				Flags:     nextFlags,
				Action:    next,
			},
			{
				Name:      "run",
				Usage:     "trigger a timer now and wait for the result",
				ArgsUsage: "NAME",
				Action:    run,
			},
			{
				Name:      "cancel",
				Usage:     "cancel future runs but keep the timer visible",
				ArgsUsage: "NAME",
				Action:    cancelTimer,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "remove a timer",
				ArgsUsage: "NAME",
				Action:    remove,
			},
			{
				Name:      "add",
				Usage:     "add a timer until the next config reload or restart",
				ArgsUsage: "NAME",
				Flags:     addFlags,
				Action:    add,
			},
			{
				Name:      "history",
				Usage:     "show recent run history (all timers, or one)",
				ArgsUsage: "[NAME]",
				Flags:     historyFlags,
				Action:    history,
			},
			{
				Name:   "preview",
				Usage:  "preview occurrences of a schedule without creating a timer",
				Flags:  previewFlags,
				Action: preview,
			},
			{
				Name:      "check",
				Usage:     "validate a config file locally (no daemon needed)",
				ArgsUsage: "[PATH]",
				Action:    check,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chimectl:", err)
		os.Exit(1)
	}
}
