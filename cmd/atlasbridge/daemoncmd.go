package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
)

func newClient() (*daemon.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(cfg.Daemon.Host, cfg.Daemon.Port), nil
}

func cmdStop(args []string) int {
	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	if err := client.Stop(context.Background()); err != nil {
		return fail(err)
	}
	fmt.Println("daemon stopping")
	return constants.ExitSuccess
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the raw status payload")
	watch := fs.Bool("watch", false, "stream live events after the status")
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}

	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		return fail(err)
	}
	if *asJSON {
		raw, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(raw))
	} else {
		fmt.Printf("pid:        %d\n", status.Pid)
		fmt.Printf("uptime:     %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
		fmt.Printf("state dir:  %s\n", status.StateDir)
		fmt.Printf("autopilot:  %s", status.AutopilotMode)
		if status.Paused {
			fmt.Print(" (paused)")
		}
		fmt.Println()
		fmt.Printf("policy:     %s\n", status.PolicyHash)
		fmt.Printf("bus:        connected=%v\n", status.BusConnected)
		fmt.Printf("sessions:   %d live\n", status.LiveSessions)
		if len(status.PromptCounts) > 0 {
			fmt.Print("prompts:   ")
			for st, n := range status.PromptCounts {
				fmt.Printf(" %s=%d", st, n)
			}
			fmt.Println()
		}
	}

	if !*watch {
		return constants.ExitSuccess
	}

	wctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = client.Watch(wctx, func(e *bus.Event) {
		fmt.Printf("%s  %-22s session=%s\n",
			e.Timestamp.Format(time.TimeOnly), e.Type, e.SessionID)
	})
	if wctx.Err() != nil {
		return constants.ExitSuccess
	}
	if err != nil {
		return fail(err)
	}
	return constants.ExitSuccess
}

func cmdSessions(args []string) int {
	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	sessions, err := client.Sessions(context.Background())
	if err != nil {
		return fail(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTOOL\tLABEL\tSTARTED\tSTATE")
	for _, s := range sessions {
		state := "ended"
		if s.Live {
			state = "live"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Tool, s.Label,
			time.UnixMilli(s.StartedAt).Format(time.DateTime), state)
	}
	w.Flush()
	return constants.ExitSuccess
}

func cmdLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	tail := fs.Int("tail", 50, "number of records")
	session := fs.String("session", "", "filter by session id")
	decisions := fs.Bool("decisions", false, "show the autopilot decision trace instead")
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}

	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	ctx := context.Background()

	if *decisions {
		entries, err := client.Decisions(ctx, *tail)
		if err != nil {
			return fail(err)
		}
		for _, entry := range entries {
			var data autopilot.TraceData
			if err := json.Unmarshal(entry.Data, &data); err != nil {
				continue
			}
			fmt.Printf("%s  %-12s rule=%s prompt=%s %s\n",
				time.UnixMilli(entry.TS).Format(time.DateTime),
				data.Route, data.RuleID, data.PromptID, data.Reason)
		}
		return constants.ExitSuccess
	}

	records, err := client.Logs(ctx, *tail, *session)
	if err != nil {
		return fail(err)
	}
	for _, rec := range records {
		fmt.Printf("%s  %-20s %s\n",
			time.UnixMilli(rec.TS).Format(time.DateTime), rec.Kind, string(rec.Data))
	}
	return constants.ExitSuccess
}

func cmdCancel(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: atlasbridge cancel <prompt-id>")
		return constants.ExitError
	}
	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	if err := client.CancelPrompt(context.Background(), args[0]); err != nil {
		return fail(err)
	}
	fmt.Println("canceled", args[0])
	return constants.ExitSuccess
}

func cmdAutopilot(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atlasbridge autopilot <mode|pause|resume> [value]")
		return constants.ExitError
	}
	client, err := newClient()
	if err != nil {
		return fail(err)
	}
	ctx := context.Background()

	switch args[0] {
	case "mode":
		if len(args) < 2 {
			status, err := client.Status(ctx)
			if err != nil {
				return fail(err)
			}
			fmt.Println(status.AutopilotMode)
			return constants.ExitSuccess
		}
		if err := client.SetMode(ctx, args[1]); err != nil {
			return fail(err)
		}
		fmt.Println("autopilot mode set to", args[1])
	case "pause":
		if err := client.Pause(ctx); err != nil {
			return fail(err)
		}
		fmt.Println("autopilot paused")
	case "resume":
		if err := client.Resume(ctx); err != nil {
			return fail(err)
		}
		fmt.Println("autopilot resumed")
	default:
		fmt.Fprintf(os.Stderr, "unknown autopilot subcommand %q\n", args[0])
		return constants.ExitError
	}
	return constants.ExitSuccess
}
