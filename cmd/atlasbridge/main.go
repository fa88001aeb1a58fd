// Command atlasbridge supervises interactive CLI tools, relays their
// prompts to messaging channels, and injects the replies back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
)

const version = "1.0.0"

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		usage()
		return constants.ExitError
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest)
	case "start":
		return cmdStart(rest)
	case "stop":
		return cmdStop(rest)
	case "status":
		return cmdStatus(rest)
	case "sessions":
		return cmdSessions(rest)
	case "logs":
		return cmdLogs(rest)
	case "cancel":
		return cmdCancel(rest)
	case "autopilot":
		return cmdAutopilot(rest)
	case "policy":
		return cmdPolicy(rest)
	case "doctor":
		return cmdDoctor(rest)
	case "lab":
		return cmdLab(rest)
	case "version", "-v", "--version":
		fmt.Println("atlasbridge " + version)
		return constants.ExitSuccess
	case "help", "-h", "--help":
		usage()
		return constants.ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "atlasbridge: unknown command %q\n\n", cmd)
		usage()
		return constants.ExitError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: atlasbridge <command> [flags]

Commands:
  run <tool> [args...]   supervise a tool in the foreground
  start                  run the relay daemon
  stop                   stop the running daemon
  status                 show daemon status (--json, --watch)
  sessions               list sessions
  logs                   tail the audit log (--tail, --session, --decisions)
  cancel <prompt-id>     cancel a waiting prompt
  autopilot <sub>        mode <off|assist|full> | pause | resume
  policy <sub>           validate | test | migrate <file>
  doctor                 run environment checks (--fix)
  lab run [ids...]       run the built-in regression scenarios
  version                print the version
`)
}

// loadConfig builds the configuration snapshot and the logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// errConfig marks configuration failures for exit-code mapping.
var errConfig = errors.New("configuration error")

// exitCode maps an error to the documented exit code set.
func exitCode(err error) int {
	switch {
	case err == nil:
		return constants.ExitSuccess
	case errors.Is(err, context.Canceled):
		return constants.ExitInterrupted
	case errors.Is(err, daemon.ErrDaemonUnreachable):
		return constants.ExitNetwork
	case errors.Is(err, errConfig), errors.Is(err, policy.ErrParse):
		return constants.ExitConfig
	case errors.Is(err, audit.ErrCorrupt), errors.Is(err, autopilot.ErrTraceCorrupt):
		return constants.ExitCorruption
	case errors.Is(err, supervisor.ErrSpawn), errors.Is(err, daemon.ErrAlreadyRunning):
		return constants.ExitEnvironment
	case errors.Is(err, os.ErrPermission):
		return constants.ExitPermission
	default:
		return constants.ExitError
	}
}

// fail prints the cause, a remedy hint, and the exit code to stderr.
func fail(err error) int {
	code := exitCode(err)
	fmt.Fprintf(os.Stderr, "atlasbridge: %v\n", err)
	fmt.Fprintf(os.Stderr, "%s (exit %d)\n", remedy(code), code)
	return code
}

func remedy(code int) string {
	switch code {
	case constants.ExitConfig:
		return "check config.toml and the policy file"
	case constants.ExitNetwork:
		return "is the daemon running? try `atlasbridge start`"
	case constants.ExitCorruption:
		return "run `atlasbridge doctor` to inspect the damage"
	case constants.ExitEnvironment:
		return "run `atlasbridge doctor` to check the environment"
	case constants.ExitPermission:
		return "check ownership and modes of the state directory"
	case constants.ExitInterrupted:
		return "interrupted"
	default:
		return "rerun with ATLASBRIDGE_LOGGING_LEVEL=debug for detail"
	}
}
