package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"schedd/internal/client"
	"schedd/internal/protocol"
)

const defaultTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "schedctl",
		Usage: "Talk to a running schedd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:9000", Usage: "command server address", EnvVars: []string{"SCHEDD_ADDR"}},
			&cli.BoolFlag{Name: "msgpack", Usage: "encode requests with msgpack instead of JSON"},
			&cli.DurationFlag{Name: "timeout", Value: defaultTimeout, Usage: "dial and request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:  "upsert",
				Usage: "Create or update an event",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "event id"},
					&cli.StringFlag{Name: "time", Required: true, Usage: `"HH:MM" or "SS MM HH"`},
					&cli.StringFlag{Name: "cmd", Required: true, Usage: "command name"},
					&cli.StringSliceFlag{Name: "arg", Required: true, Usage: "argument (repeatable); JSON values are decoded, anything else is a string"},
					&cli.IntFlag{Name: "priority", Usage: "tie-break priority, lower fires first"},
				},
				Action: func(c *cli.Context) error {
					var prio *int
					if c.IsSet("priority") {
						p := c.Int("priority")
						prio = &p
					}
					return upsert(c, c.String("time"), prio)
				},
			},
			{
				Name:  "cancel",
				Usage: "Stop further fires of an event",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "event id"},
					&cli.StringFlag{Name: "cmd", Required: true, Usage: "command name"},
					&cli.StringSliceFlag{Name: "arg", Required: true, Usage: "argument (repeatable)"},
				},
				Action: func(c *cli.Context) error { return upsert(c, "", nil) },
			},
			{
				Name:   "status",
				Usage:  "List pending fires in queue order",
				Action: func(c *cli.Context) error { return service(c, "status", nil) },
			},
			{
				Name:   "get",
				Usage:  "Show one event",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: func(c *cli.Context) error { return service(c, "get", c.String("id")) },
			},
			{
				Name:   "start",
				Usage:  "Acknowledge the start of an event",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: func(c *cli.Context) error { return service(c, "start", c.String("id")) },
			},
			{
				Name:   "events",
				Usage:  "List registered events",
				Action: func(c *cli.Context) error { return service(c, "events", nil) },
			},
			{
				Name:  "history",
				Usage: "Show recent fires, newest first",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action: func(c *cli.Context) error {
					if c.Int("limit") < 0 {
						return cli.Exit("--limit must be >= 0", 2)
					}
					return service(c, "history", c.Int("limit"))
				},
			},
			{
				Name:   "stats",
				Usage:  "Show scheduler and server counters",
				Action: func(c *cli.Context) error { return service(c, "stats", nil) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("schedctl: %v", err)
	}
}

func dial(c *cli.Context) (*client.Client, error) {
	opt := client.Options{Codec: protocol.CodecJSON, Timeout: c.Duration("timeout")}
	if c.Bool("msgpack") {
		opt.Codec = protocol.CodecMsgpack
	}
	return client.Dial(c.Context, c.String("addr"), opt)
}

func upsert(c *cli.Context, tm string, prio *int) error {
	cl, err := dial(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	id := c.String("id")
	created, err := cl.Upsert(c.Context, id, tm, c.String("cmd"), parseArgs(c.StringSlice("arg")), prio)
	if err != nil {
		return err
	}
	switch {
	case tm == "":
		fmt.Printf("%s cancelled\n", id)
	case created:
		fmt.Printf("%s created\n", id)
	default:
		fmt.Printf("%s updated\n", id)
	}
	return nil
}

func service(c *cli.Context, op string, attr any) error {
	cl, err := dial(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	var out any
	if err := cl.Service(c.Context, op, attr, &out); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// parseArgs decodes each value as JSON when it parses, so --arg 3 is a
// number and --arg '{"a":1}' an object. Everything else stays a string.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, s)
	}
	return out
}
