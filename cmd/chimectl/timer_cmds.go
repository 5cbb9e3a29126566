package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"

	"chimed/internal/client"
	"chimed/internal/server"
	"chimed/internal/timers"
	"chimed/pkg/timespec"
)

func list(c *cli.Context) error {
	snaps, err := newClient().List(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snaps)
	}
	if len(snaps) == 0 {
		fmt.Println("no timers")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSTATE\tNEXT\tRUNS\tFAILURES\tSCHEDULE")
	for _, s := range snaps {
		name := s.Name
		if s.Ephemeral {
			name += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			name, s.Kind, s.State, fmtTime(s.Next), s.Runs, s.Failures, s.Schedule)
	}
	w.Flush()
	return nil
}

func get(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	snap, err := newClient().Get(context.Background(), name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(s *timers.Snapshot) {
	fmt.Printf("name:      %s\n", s.Name)
	fmt.Printf("kind:      %s\n", s.Kind)
	fmt.Printf("schedule:  %s\n", s.Schedule)
	fmt.Printf("state:     %s\n", s.State)
	fmt.Printf("enabled:   %v\n", s.Enabled)
	if s.Ephemeral {
		fmt.Printf("ephemeral: true (gone after reload or restart)\n")
	}
	fmt.Printf("next:      %s\n", fmtTime(s.Next))
	fmt.Printf("runs:      %d (%d failed)\n", s.Runs, s.Failures)
	if lr := s.LastRun; lr != nil {
		fmt.Printf("last run:  %s, %s in %s\n",
			fmtTime(lr.Started), runStatus(lr.OK, lr.ExitCode), fmtDuration(lr.Duration))
		if !lr.OK && lr.Error != "" {
			fmt.Printf("last err:  %s\n", firstLine(lr.Error, 120))
		}
	}
}

func next(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	times, err := newClient().Next(context.Background(), name, nextCount)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(times)
	}
	if len(times) == 0 {
		fmt.Printf("%s: no further runs planned\n", name)
		return nil
	}
	for _, t := range times {
		fmt.Println(fmtTime(t))
	}
	return nil
}

func run(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	// Wait for the command however long it takes, unless the user
	// bounded the call explicitly.
	timeout := callTimeout
	if !c.GlobalIsSet("timeout") {
		timeout = 0
	}
	cl := client.New(socketPath, timeout)
	sum, err := cl.Run(context.Background(), name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(sum)
	}
	fmt.Printf("%s: %s in %s\n", name, runStatus(sum.OK, sum.ExitCode), fmtDuration(sum.Duration))
	if sum.Error != "" {
		fmt.Printf("error: %s\n", sum.Error)
	}
	if sum.Output != "" {
		fmt.Print(sum.Output)
	}
	return nil
}

func cancelTimer(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	if err := newClient().Cancel(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", name)
	return nil
}

func remove(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	if err := newClient().Remove(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", name)
	return nil
}

func add(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	if addCommand == "" {
		return fmt.Errorf("add: -command is required")
	}
	p := server.AddParams{
		Name:    name,
		Cron:    addCron,
		At:      addAt,
		Every:   addEvery,
		Command: addCommand,
		Timeout: addTimeout,
	}
	if addCalendar != "" {
		var spec timespec.Spec
		if err := json.Unmarshal([]byte(addCalendar), &spec); err != nil {
			return fmt.Errorf("add: bad calendar spec: %w", err)
		}
		p.Calendar = &spec
	}
	snap, err := newClient().Add(context.Background(), p)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}
	fmt.Printf("added %s (%s), next run %s\n", snap.Name, snap.Schedule, fmtTime(snap.Next))
	return nil
}
