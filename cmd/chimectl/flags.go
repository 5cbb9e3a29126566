package main

import "github.com/urfave/cli"

var (
	nextCount int

	nextFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "count, n",
			Usage:       "number of occurrences to show",
			Value:       5,
			Destination: &nextCount,
		},
	}
)

var (
	addCron     string
	addCalendar string
	addAt       string
	addEvery    string
	addCommand  string
	addTimeout  string

	addFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "cron, c",
			Usage:       "five-field cron expression or @hourly/@daily/...",
			Destination: &addCron,
		},
		cli.StringFlag{
			Name:        "calendar",
			Usage:       `calendar spec as JSON, e.g. '{"hour": 9, "minute": 0}'`,
			Destination: &addCalendar,
		},
		cli.StringFlag{
			Name:        "at",
			Usage:       "single RFC 3339 timestamp",
			Destination: &addAt,
		},
		cli.StringFlag{
			Name:        "every, e",
			Usage:       "fixed interval (Go duration, e.g. 30m)",
			Destination: &addEvery,
		},
		cli.StringFlag{
			Name:        "command, x",
			Usage:       "command line to execute (required)",
			Destination: &addCommand,
		},
		cli.StringFlag{
			Name:        "run-timeout",
			Usage:       "per-run timeout (Go duration)",
			Destination: &addTimeout,
		},
	}
)

var (
	historyLimit int

	historyFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "limit, n",
			Usage:       "maximum number of runs to show",
			Value:       20,
			Destination: &historyLimit,
		},
	}
)

var (
	previewCron     string
	previewCalendar string
	previewFrom     string
	previewCount    int

	previewFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "cron, c",
			Usage:       "five-field cron expression or @hourly/@daily/...",
			Destination: &previewCron,
		},
		cli.StringFlag{
			Name:        "calendar",
			Usage:       `calendar spec as JSON, e.g. '{"weekday": [6, 7], "hour": 10}'`,
			Destination: &previewCalendar,
		},
		cli.StringFlag{
			Name:        "from",
			Usage:       "start of the preview window (RFC 3339, default now)",
			Destination: &previewFrom,
		},
		cli.IntFlag{
			Name:        "count, n",
			Usage:       "number of occurrences to show",
			Value:       5,
			Destination: &previewCount,
		},
	}
)
