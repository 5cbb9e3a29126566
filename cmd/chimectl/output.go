package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli"

	"chimed/internal/client"
)

func newClient() *client.Client { return client.New(socketPath, callTimeout) }

func nameArg(c *cli.Context) (string, error) {
	name := strings.TrimSpace(c.Args().First())
	if name == "" {
		return "", fmt.Errorf("%s: timer name required", c.Command.Name)
	}
	return name, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// runStatus renders a run outcome as a short cell: "ok" or "exit N".
func runStatus(ok bool, exitCode int) string {
	if ok {
		return "ok"
	}
	return fmt.Sprintf("exit %d", exitCode)
}

// firstLine truncates s to its first line, capped at n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
