package autopilot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
)

// The kill switch is a marker file in the state directory. It survives
// daemon restarts: a paused autopilot stays paused until explicitly resumed.

func pausePath(stateDir string) string {
	return filepath.Join(stateDir, constants.AutopilotPauseFile)
}

// Pause engages the kill switch. Every prompt routes to the human until
// Resume, regardless of mode.
func Pause(stateDir string) error {
	content := fmt.Sprintf("paused at %s\n", time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(pausePath(stateDir), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pause file: %w", err)
	}
	return nil
}

// Resume disengages the kill switch. Resuming an unpaused engine is a no-op.
func Resume(stateDir string) error {
	err := os.Remove(pausePath(stateDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pause file: %w", err)
	}
	return nil
}

// Paused reports whether the kill switch is engaged.
func Paused(stateDir string) bool {
	_, err := os.Stat(pausePath(stateDir))
	return err == nil
}
