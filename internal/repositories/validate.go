package repositories

import (
	"fmt"
	"regexp"

	"github.com/sergiusz-x/automi/internal/db"
)

const (
	maxScriptBytes = 100 << 10
	maxAssetKeyLen = 50
	minTokenBytes  = 8
)

// identPattern bounds agent IDs and task names. Both appear in log lines,
// frame payloads, and environment variable names, so the charset stays tight.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// validateAgent checks field invariants before an agent record is written.
func validateAgent(agent *db.Agent) error {
	if !identPattern.MatchString(agent.ID) {
		return fmt.Errorf("agents: id must be 3-50 chars of [A-Za-z0-9_-]: %w", ErrInvalid)
	}
	if len(agent.AuthToken) < minTokenBytes {
		return fmt.Errorf("agents: auth token must be at least %d bytes: %w", minTokenBytes, ErrInvalid)
	}
	return nil
}

// validateTask checks field invariants before a task record is written.
func validateTask(task *db.Task) error {
	if !identPattern.MatchString(task.Name) {
		return fmt.Errorf("tasks: name must be 3-50 chars of [A-Za-z0-9_-]: %w", ErrInvalid)
	}
	switch task.Type {
	case db.InterpreterBash, db.InterpreterPython, db.InterpreterNode:
	default:
		return fmt.Errorf("tasks: unknown interpreter %q: %w", task.Type, ErrInvalid)
	}
	if task.Script == "" {
		return fmt.Errorf("tasks: script must not be empty: %w", ErrInvalid)
	}
	if len(task.Script) > maxScriptBytes {
		return fmt.Errorf("tasks: script exceeds %d KiB: %w", maxScriptBytes/1024, ErrInvalid)
	}
	if !identPattern.MatchString(task.AgentID) {
		return fmt.Errorf("tasks: agent id must be 3-50 chars of [A-Za-z0-9_-]: %w", ErrInvalid)
	}
	return nil
}

// validateAsset checks field invariants before an asset is written.
func validateAsset(asset *db.Asset) error {
	if asset.Key == "" || len(asset.Key) > maxAssetKeyLen {
		return fmt.Errorf("assets: key must be 1-%d chars: %w", maxAssetKeyLen, ErrInvalid)
	}
	return nil
}
