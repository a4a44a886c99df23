// Package command implements hotkeys-cli, a command-line client for the
// tracker's HTTP command surface.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/hotkey-tracker/internal/dispatch"
)

var Version = "dev"

// App builds the CLI application. Output goes to out.
func App(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "hotkeys-cli",
		Usage:   "query and administer a hotkey tracker",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "tracker address",
				EnvVars: []string{"HOTKEYS_SERVER"},
				Value:   "localhost:8080",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "print the raw result as JSON",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "report",
				Usage:     "report one access of a key",
				ArgsUsage: "KEY [ORIGIN [PORT]]",
				Action:    reportKey,
			},
			{
				Name:      "is-hot",
				Usage:     "check whether a key is in the ranking window",
				ArgsUsage: "KEY",
				Action:    simple("isHotKey", 1),
			},
			{
				Name:   "top",
				Usage:  "list the current top keys",
				Action: topKeys,
			},
			{
				Name:   "total",
				Usage:  "count every key ever reported",
				Action: simple("totalKeys", 0),
			},
			{
				Name:      "prefix",
				Usage:     "list reported keys starting with PREFIX",
				ArgsUsage: "PREFIX [LIMIT]",
				Action:    keysWithPrefix,
			},
			{
				Name:      "set-size",
				Usage:     "change how many keys the top report returns",
				ArgsUsage: "N",
				Action:    simple("setTopHotKeys", 1),
			},
			{
				Name:   "backup",
				Usage:  "rotate and write a snapshot now",
				Action: simple("backup", 0),
			},
			{
				Name:   "restore",
				Usage:  "reload the store from the working snapshot files",
				Action: simple("restore", 0),
			},
			{
				Name:      "purge",
				Usage:     "drop every key outside the top N ranked keys",
				ArgsUsage: "[N]",
				Action:    simple("purge", -1),
			},
			{
				Name:   "reset",
				Usage:  "clear every key and the ranking",
				Action: simple("reset", 0),
			},
			{
				Name:   "stats",
				Usage:  "show store sizes and queue depth",
				Action: simple("stats", 0),
			},
			{
				Name:   "time",
				Usage:  "show the server clock",
				Action: simple("time", 0),
			},
		},
	}
}

func client(c *cli.Context) *Client {
	return NewClient(c.String("server"), c.Duration("timeout"))
}

// simple sends the joined arguments to target. args is the exact argument
// count, or -1 for "zero or one".
func simple(target string, args int) cli.ActionFunc {
	return func(c *cli.Context) error {
		n := c.NArg()
		if (args >= 0 && n != args) || (args < 0 && n > 1) {
			return fmt.Errorf("usage: %s %s", c.Command.Name, c.Command.ArgsUsage)
		}
		return send(c, target, strings.Join(c.Args().Slice(), dispatch.PayloadDelimiter))
	}
}

func reportKey(c *cli.Context) error {
	n := c.NArg()
	if n < 1 || n > 3 {
		return errors.New("usage: report KEY [ORIGIN [PORT]]")
	}
	if n == 3 {
		if _, err := strconv.ParseUint(c.Args().Get(2), 10, 32); err != nil {
			return fmt.Errorf("invalid port %q", c.Args().Get(2))
		}
	}
	return send(c, "keySent", strings.Join(c.Args().Slice(), dispatch.PayloadDelimiter))
}

func keysWithPrefix(c *cli.Context) error {
	n := c.NArg()
	if n < 1 || n > 2 {
		return errors.New("usage: prefix PREFIX [LIMIT]")
	}
	if n == 2 {
		if v, err := strconv.Atoi(c.Args().Get(1)); err != nil || v < 0 {
			return fmt.Errorf("invalid limit %q", c.Args().Get(1))
		}
	}
	return send(c, "keysWithPrefix", strings.Join(c.Args().Slice(), dispatch.PayloadDelimiter))
}

func topKeys(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	rep, err := client(c).Call(ctx, "getTopHotKeys", "")
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, rep.Result)
	}
	rows, _ := rep.Result.([]any)
	if len(rows) == 0 {
		_, err := fmt.Fprintln(c.App.Writer, "no hot keys")
		return err
	}
	for i, row := range rows {
		m, _ := row.(map[string]any)
		freq, _ := m["Frequency"].(float64)
		if _, err := fmt.Fprintf(c.App.Writer, "%3d  %10.0f  %v\n", i+1, freq, m["Key"]); err != nil {
			return err
		}
	}
	return nil
}

func send(c *cli.Context, target, payload string) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	rep, err := client(c).Call(ctx, target, payload)
	if err != nil {
		return err
	}
	if s, ok := rep.Result.(string); ok && !c.Bool("json") {
		_, err := fmt.Fprintln(c.App.Writer, s)
		return err
	}
	return printJSON(c.App.Writer, rep.Result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
