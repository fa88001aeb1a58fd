// Package doctor runs environment health checks over a state directory and
// its configuration: permissions, database openability, hash chain
// integrity, policy validity, and pidfile staleness. Fixable findings can be
// repaired in place with the fix flag.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// Status grades one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is the outcome of one health check.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	// Fixed is set when Run repaired the finding.
	Fixed bool `json:"fixed,omitempty"`
}

// Report collects every check outcome.
type Report struct {
	Checks []Check `json:"checks"`
}

// Healthy reports whether no check failed. Warnings do not count as
// unhealthy; they map to exit code 0 with a visible nag.
func (r *Report) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

// Corrupt reports whether a hash chain failed verification, so the CLI can
// map the result to the corruption exit code.
func (r *Report) Corrupt() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail && (c.Name == "audit_chain" || c.Name == "decision_trace") {
			return true
		}
	}
	return false
}

// Run executes every check against cfg's state directory. With fix set,
// repairable findings (permissions, stale pidfile) are corrected and
// reported as fixed.
func Run(cfg *config.Config, fix bool) *Report {
	r := &Report{}
	r.add(checkStateDir(cfg.StateDir, fix))
	r.add(checkConfigMode(cfg.StateDir, fix))
	r.add(checkDatabase(cfg.StateDir))
	r.add(checkAuditChain(cfg.StateDir))
	r.add(checkDecisionTrace(cfg.StateDir))
	r.add(checkPolicy(cfg))
	r.add(checkAutopilotMode(cfg))
	r.add(checkChannels(cfg))
	r.add(checkPidfile(cfg.StateDir, fix))
	return r
}

func (r *Report) add(c Check) { r.Checks = append(r.Checks, c) }

func checkStateDir(stateDir string, fix bool) Check {
	c := Check{Name: "state_dir"}
	info, err := os.Stat(stateDir)
	if os.IsNotExist(err) {
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("%s does not exist yet; it is created on first run", stateDir)
		return c
	}
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	if !info.IsDir() {
		c.Status = StatusFail
		c.Detail = stateDir + " is not a directory"
		return c
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		if fix {
			if err := os.Chmod(stateDir, 0o700); err != nil {
				c.Status = StatusFail
				c.Detail = fmt.Sprintf("chmod failed: %v", err)
				return c
			}
			c.Status = StatusOK
			c.Detail = fmt.Sprintf("tightened mode from %04o to 0700", perm)
			c.Fixed = true
			return c
		}
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("mode %04o is group/world accessible, want 0700", perm)
		return c
	}
	c.Status = StatusOK
	return c
}

// checkConfigMode guards the config file, which may hold channel tokens.
func checkConfigMode(stateDir string, fix bool) Check {
	c := Check{Name: "config_file"}
	path := filepath.Join(stateDir, constants.ConfigFilename)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		c.Status = StatusOK
		c.Detail = "no config file, defaults in effect"
		return c
	}
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		if fix {
			if err := os.Chmod(path, 0o600); err != nil {
				c.Status = StatusFail
				c.Detail = fmt.Sprintf("chmod failed: %v", err)
				return c
			}
			c.Status = StatusOK
			c.Detail = fmt.Sprintf("tightened mode from %04o to 0600", perm)
			c.Fixed = true
			return c
		}
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("mode %04o may expose channel tokens, want 0600", perm)
		return c
	}
	c.Status = StatusOK
	return c
}

func checkDatabase(stateDir string) Check {
	c := Check{Name: "database"}
	path := filepath.Join(stateDir, constants.DBFilename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.Status = StatusOK
		c.Detail = "no database yet, created on first run"
		return c
	}
	st, err := store.Open(path)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	defer st.Close()
	c.Status = StatusOK
	return c
}

func checkAuditChain(stateDir string) Check {
	c := Check{Name: "audit_chain"}
	if err := audit.Verify(filepath.Join(stateDir, constants.AuditFilename)); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	return c
}

func checkDecisionTrace(stateDir string) Check {
	c := Check{Name: "decision_trace"}
	if err := autopilot.VerifyTrace(filepath.Join(stateDir, constants.TraceFilename)); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	return c
}

func checkPolicy(cfg *config.Config) Check {
	c := Check{Name: "policy"}
	path := cfg.Autopilot.PolicyPath
	if path == "" {
		path = filepath.Join(cfg.StateDir, constants.PolicyFilename)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.Status = StatusOK
		c.Detail = "no policy file, built-in default in effect"
		return c
	}
	if err := policy.ValidateFile(path); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	return c
}

func checkAutopilotMode(cfg *config.Config) Check {
	c := Check{Name: "autopilot_mode"}
	if _, err := autopilot.ParseMode(cfg.Autopilot.Mode); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	c.Detail = cfg.Autopilot.Mode
	if autopilot.Paused(cfg.StateDir) {
		c.Status = StatusWarn
		c.Detail = cfg.Autopilot.Mode + " (kill switch engaged)"
	}
	return c
}

func checkChannels(cfg *config.Config) Check {
	c := Check{Name: "channels"}
	if len(cfg.Channels) == 0 {
		c.Status = StatusWarn
		c.Detail = "no channels configured, prompts stay local"
		return c
	}
	known := channel.Kinds()
	for name, chCfg := range cfg.Channels {
		if !slices.Contains(known, chCfg.Kind) {
			c.Status = StatusFail
			c.Detail = fmt.Sprintf("channel %q has unknown kind %q", name, chCfg.Kind)
			return c
		}
		if len(chCfg.Allowlist) == 0 {
			c.Status = StatusWarn
			c.Detail = fmt.Sprintf("channel %q has an empty allowlist: replies will be rejected", name)
			return c
		}
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("%d configured", len(cfg.Channels))
	return c
}

func checkPidfile(stateDir string, fix bool) Check {
	c := Check{Name: "pidfile"}
	pid, err := daemon.ReadPidfile(stateDir)
	if err != nil {
		c.Status = StatusOK
		c.Detail = "no pidfile, daemon not running"
		return c
	}
	if !daemon.Stale(stateDir) {
		c.Status = StatusOK
		c.Detail = fmt.Sprintf("daemon running, pid %d", pid)
		return c
	}
	if fix {
		if err := daemon.RemovePidfile(stateDir); err != nil {
			c.Status = StatusFail
			c.Detail = fmt.Sprintf("stale pidfile removal failed: %v", err)
			return c
		}
		c.Status = StatusOK
		c.Detail = fmt.Sprintf("removed stale pidfile for dead pid %d", pid)
		c.Fixed = true
		return c
	}
	c.Status = StatusWarn
	c.Detail = fmt.Sprintf("stale pidfile names dead pid %d", pid)
	return c
}
