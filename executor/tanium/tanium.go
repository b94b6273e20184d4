// Package tanium launches implants on endpoints managed by Tanium, one
// action per agent.
package tanium

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/types"
)

// ActionRunner creates a package action on one endpoint. *Client
// implements it.
type ActionRunner interface {
	ExecuteAction(ctx context.Context, endpointID string, packageID int, encodedCommand string) (string, error)
}

// Packages holds the package ids used per platform family.
type Packages struct {
	Windows int
	Unix    int
}

// Launcher starts implants through Tanium actions.
type Launcher struct {
	runner   ActionRunner
	packages Packages
	logger   *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(runner ActionRunner, packages Packages, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{runner: runner, packages: packages, logger: logger.With("executor", types.ExecutorTanium)}
}

// Launch starts the inject's command on the target agent.
func (l *Launcher) Launch(ctx context.Context, inj types.Inject, t execution.AgentTarget) error {
	platform, arch := t.Asset.Platform, t.Asset.Arch
	if platform == "" || arch == "" {
		return fmt.Errorf("Unsupported platform: %s (arch:%s)", platform, arch)
	}

	var packageID int
	switch {
	case platform == types.PlatformWindows:
		packageID = l.packages.Windows
	case platform.IsUnix():
		packageID = l.packages.Unix
	default:
		return fmt.Errorf("Unsupported platform: %s", platform)
	}

	if inj.Contract == nil {
		return fmt.Errorf("inject %s has no contract", inj.ID)
	}
	cmd, ok := inj.Contract.Command(platform, arch)
	if !ok {
		return fmt.Errorf("no command for %s", types.CommandKey(platform, arch))
	}
	cmd = types.ExpandCommand(cmd, inj.ID, t.Agent.ID)

	actionID, err := l.runner.ExecuteAction(ctx, t.Agent.ExternalRef, packageID, base64.StdEncoding.EncodeToString([]byte(cmd)))
	if err != nil {
		return err
	}
	l.logger.Debug("tanium action created", "inject_id", inj.ID, "agent_id", t.Agent.ID, "action_id", actionID)
	return nil
}
