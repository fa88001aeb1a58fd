// Package constants provides application-wide constants: exit codes,
// filesystem layout, timeouts, and buffer limits.
package constants

import "time"

// Exit codes used by the CLI. Every error path maps to exactly one of these.
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitConfig      = 2
	ExitEnvironment = 3
	ExitNetwork     = 4
	ExitPermission  = 5
	ExitCorruption  = 8
	ExitInterrupted = 130
)

// Filesystem layout under the state directory.
const (
	StateDirName      = "atlasbridge"
	LegacyDirName     = ".aegis"
	DBFilename        = "prompts.db"
	AuditFilename     = "audit.log"
	TraceFilename     = "autopilot_decisions.jsonl"
	PolicyFilename    = "policy.yaml"
	PidFilename       = "daemon.pid"
	ConfigFilename    = "config.toml"
	AutopilotPauseFile = "autopilot.paused"
)

// Environment variable prefixes. The legacy prefix is honoured once at
// startup as lowest-precedence fallback, then migrated.
const (
	EnvPrefix       = "ATLASBRIDGE"
	LegacyEnvPrefix = "AEGIS"
)

// Detector limits.
const (
	// MaxBufferBytes caps the detector's rolling output window.
	MaxBufferBytes = 4096

	// SilenceTimeout is the default quiet period before the silence signal fires.
	SilenceTimeout = 2000 * time.Millisecond

	// PostInjectSuppress is the window after an injection during which the
	// detector emits nothing, so the child's echo of the injected reply
	// cannot re-trigger detection.
	PostInjectSuppress = 500 * time.Millisecond

	// PatternBudget bounds one pattern-layer pass. Exceeding it skips the
	// pattern layer for that call.
	PatternBudget = 5 * time.Millisecond
)

// Prompt lifecycle limits.
const (
	// DefaultPromptTTL is how long a prompt waits for a reply before expiry.
	DefaultPromptTTL = 300 * time.Second

	// StoreWriteTimeout bounds every mutating store call.
	StoreWriteTimeout = 5 * time.Second

	// ChannelDeliverTimeout is the default delivery deadline.
	ChannelDeliverTimeout = 30 * time.Second

	// InjectTimeout bounds a single PTY write of reply bytes.
	InjectTimeout = 2 * time.Second

	// ShutdownGrace is how long tasks may drain their queues on shutdown.
	ShutdownGrace = 10 * time.Second

	// SweepInterval is how often the TTL sweeper runs.
	SweepInterval = 5 * time.Second
)
