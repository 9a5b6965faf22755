package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/sidecar"
	"github.com/pwman/sidecar/vaults"
)

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "start the sync server through a running daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "The sync server address. Defaults to the daemon's."},
			&cli.StringFlag{Name: "base-dir", Usage: "The sync server data directory. Defaults to the daemon's."},
		},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := client.StartSync(c.Context, c.String("addr"), c.String("base-dir"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, renderStatus(st, time.Now()))
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "stop the sync server",
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := client.StopSync(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, renderStatus(st, time.Now()))
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the sync server state",
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			st, err := client.Status(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, renderStatus(st, time.Now()))
			return nil
		},
	}
}

func vaultsCommand() *cli.Command {
	return &cli.Command{
		Name:  "vaults",
		Usage: "list local vault files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "The directory to scan. Defaults to the daemon's vault directory."},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table."},
		},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			list, err := client.ListVaults(c.Context, c.String("dir"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			fmt.Fprintln(c.App.Writer, renderVaults(list, time.Now()))
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "follow sync server output and lifecycle events",
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			return client.Events(c.Context, func(ev events.Event) error {
				w := c.App.Writer
				if ev.Channel == events.ChannelStderr {
					w = os.Stderr
				}
				_, err := fmt.Fprintln(w, formatEvent(ev))
				return err
			})
		},
	}
}

func renderStatus(st sidecar.Status, now time.Time) string {
	rows := [][]string{{"state", st.State.String()}}
	if st.State != sidecar.StateIdle {
		rows = append(rows,
			[]string{"run", st.RunID},
			[]string{"addr", st.Addr},
			[]string{"base dir", st.BaseDir},
		)
		if st.PID != 0 {
			rows = append(rows, []string{"pid", strconv.Itoa(st.PID)})
		}
		if !st.StartedAt.IsZero() {
			rows = append(rows, []string{"started", humanize.RelTime(st.StartedAt, now, "ago", "from now")})
		}
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func renderVaults(list []vaults.Info, now time.Time) string {
	if len(list) == 0 {
		return "no vaults found"
	}
	rows := make([][]string, 0, len(list))
	for _, v := range list {
		modified := "-"
		if v.Modified != nil {
			modified = humanize.RelTime(time.Unix(*v.Modified, 0), now, "ago", "from now")
		}
		rows = append(rows, []string{v.Label, humanize.IBytes(uint64(v.Size)), modified, v.Path})
	}
	return renderTable(
		[]string{"Vault", "Size", "Modified", "Path"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func formatEvent(ev events.Event) string {
	ts := ev.Time.Local().Format("15:04:05.000")
	switch ev.Channel {
	case events.ChannelStdout, events.ChannelStderr:
		return fmt.Sprintf("%s %s", ts, ev.Payload)
	case events.ChannelTerminated:
		if ev.Payload == nil {
			return fmt.Sprintf("%s terminated by signal", ts)
		}
		return fmt.Sprintf("%s terminated with code %v", ts, ev.Payload)
	case events.ChannelReady:
		return fmt.Sprintf("%s ready on %v", ts, ev.Payload)
	default:
		return fmt.Sprintf("%s %s %v", ts, ev.Channel, ev.Payload)
	}
}
