package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"chimed/internal/config"
	"chimed/internal/server"
	"chimed/pkg/timespec"
)

func ping(c *cli.Context) error {
	start := time.Now()
	res, err := newClient().Ping(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("pong in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func status(c *cli.Context) error {
	st, err := newClient().Status(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(st)
	}
	fmt.Printf("chimed %s (pid %d) up %s\n", st.Version, st.PID, st.Uptime)
	fmt.Printf("socket:   %s\n", st.Socket)
	storage := "disabled"
	if st.Storage {
		storage = "enabled"
	}
	fmt.Printf("storage:  %s\n", storage)
	fmt.Printf("timers:   %d total, %d enabled, %d executing, %d runs (%d failed)\n",
		st.Timers.Total, st.Timers.Enabled, st.Timers.Executing, st.Timers.Runs, st.Timers.Failures)
	for _, l := range st.Supervisor.Loops {
		state := "up"
		if l.Active == 0 {
			state = "down"
		}
		line := fmt.Sprintf("loop:     %-18s %s", l.Name, state)
		if l.Restarts > 0 {
			line += fmt.Sprintf(" (%d restarts)", l.Restarts)
		}
		fmt.Println(line)
	}
	if st.Supervisor.FirstError != "" {
		fmt.Printf("error:    %s\n", st.Supervisor.FirstError)
	}
	return nil
}

func history(c *cli.Context) error {
	name := strings.TrimSpace(c.Args().First())
	res, err := newClient().History(context.Background(), name, historyLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}
	if len(res.Runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTIMER\tSTATUS\tDURATION\tOUTPUT")
	for _, r := range res.Runs {
		out := firstLine(r.Output, 48)
		if !r.OK && r.Error != "" {
			out = firstLine(r.Error, 48)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			fmtTime(r.Started), r.Timer, runStatus(r.OK, r.ExitCode), fmtDuration(r.Duration), out)
	}
	w.Flush()
	return nil
}

func preview(c *cli.Context) error {
	if previewCron == "" && previewCalendar == "" {
		return fmt.Errorf("preview: one of -cron or -calendar is required")
	}
	p := server.PreviewParams{Cron: previewCron, Count: previewCount}
	if previewCalendar != "" {
		var spec timespec.Spec
		if err := json.Unmarshal([]byte(previewCalendar), &spec); err != nil {
			return fmt.Errorf("preview: bad calendar spec: %w", err)
		}
		p.Calendar = &spec
	}
	if previewFrom != "" {
		from, err := time.Parse(time.RFC3339, previewFrom)
		if err != nil {
			return fmt.Errorf("preview: bad -from: %w", err)
		}
		p.From = from
	}
	res, err := newClient().Preview(context.Background(), p)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("schedule: %s\n", res.Schedule)
	for _, t := range res.Next {
		fmt.Println(fmtTime(t))
	}
	return nil
}

// check validates a config file without talking to the daemon. Handy in
// CI and before systemctl reload.
func check(c *cli.Context) error {
	path := strings.TrimSpace(c.Args().First())
	if path == "" {
		path = "/etc/chimed/config.yaml"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := config.ParseBytes(path, b)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("%s: ok (%d timers)\n", path, len(cfg.Timers))
	for _, t := range cfg.Timers {
		suffix := ""
		if !t.IsEnabled() {
			suffix = " [disabled]"
		}
		fmt.Printf("  %s%s\n", t.String(), suffix)
	}
	return nil
}
