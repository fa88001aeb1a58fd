package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/lab"
)

func cmdLab(args []string) int {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, "usage: atlasbridge lab run [--all | scenario-ids...]")
		return constants.ExitError
	}
	ids := args[1:]
	if len(ids) == 1 && ids[0] == "--all" {
		ids = nil // no filter runs everything
	}

	_, log, err := loadConfig()
	if err != nil {
		return fail(err)
	}

	baseDir, err := os.MkdirTemp("", "atlasbridge-lab-*")
	if err != nil {
		return fail(err)
	}
	defer os.RemoveAll(baseDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes, err := lab.RunAll(ctx, ids, baseDir, log)
	if err != nil {
		return fail(err)
	}

	failed := 0
	for _, out := range outcomes {
		verdict := "PASS"
		if !out.Passed {
			verdict = "FAIL"
			failed++
		}
		fmt.Printf("%s  %s  %-45s %s\n", verdict, out.ID, out.Name, out.Duration.Round(time.Millisecond))
		for _, f := range out.Failures {
			fmt.Printf("        %s\n", f)
		}
	}
	fmt.Printf("\n%d/%d scenarios passed\n", len(outcomes)-failed, len(outcomes))
	if failed > 0 {
		return constants.ExitError
	}
	return constants.ExitSuccess
}
