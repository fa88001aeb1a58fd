package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/doctor"
)

func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fix := fs.Bool("fix", false, "repair fixable findings")
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fail(err)
	}

	report := doctor.Run(cfg, *fix)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, check := range report.Checks {
		detail := check.Detail
		if check.Fixed {
			detail += " (fixed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", check.Status, check.Name, detail)
	}
	w.Flush()

	switch {
	case report.Corrupt():
		return constants.ExitCorruption
	case !report.Healthy():
		return constants.ExitEnvironment
	default:
		return constants.ExitSuccess
	}
}
