// Package crowdstrike launches implants on endpoints managed by CrowdStrike
// Falcon. Agents are grouped by platform and each group is started with one
// runscript call per page of hosts.
package crowdstrike

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/types"
)

const (
	implantBaseName = "implant-"

	agentIDVariable = "$agentID"
	archVariable    = "$architecture"

	windowsExternalReference = `$agentID=[System.BitConverter]::ToString(((Get-ItemProperty 'HKLM:\SYSTEM\CurrentControlSet\Services\CSAgent\Sim').AG)).ToLower() -replace '-','';`
	linuxExternalReference   = `agentID=$(sudo /opt/CrowdStrike/falconctl -g --aid | sed 's/aid="//g' | sed 's/".//g');`
	macExternalReference     = `agentID=$(sudo /Applications/Falcon.app/Contents/Resources/falconctl stats | grep agentID | sed 's/agentID: //g' | tr '[:upper:]' '[:lower:]' | sed 's/-//g');`

	windowsArch = `switch ($env:PROCESSOR_ARCHITECTURE) { "AMD64" {$architecture = "x86_64"; Break} "ARM64" {$architecture = "arm64"; Break} "x86" { switch ($env:PROCESSOR_ARCHITEW6432) { "AMD64" {$architecture = "x86_64"; Break} "ARM64" {$architecture = "arm64"; Break} } } };`
	unixArch    = `architecture=$(uname -m);`
)

var (
	windowsLocation = regexp.MustCompile(`\$?x=.+location=.+;\[Environment\]::CurrentDirectory`)
	unixLocation    = regexp.MustCompile(`\$?x=.+location=.+;filename=`)
)

// Runner starts a script on a set of hosts. *Client implements it.
type Runner interface {
	RunScript(ctx context.Context, hostIDs []string, scriptName, encodedCommand string) error
}

// Options configures a Launcher.
type Options struct {
	WindowsScriptName string
	UnixScriptName    string

	// PageSize is the maximum number of hosts per runscript call. Default 100.
	PageSize int

	// PageInterval is the pause between two calls, leaving time for the
	// started implants to report back. Default 1s.
	PageInterval time.Duration

	Logger *slog.Logger
}

// Launcher starts implants on CrowdStrike agents in batches.
type Launcher struct {
	runner Runner
	opts   Options
	logger *slog.Logger
	newID  func() string
}

// NewLauncher creates a Launcher.
func NewLauncher(runner Runner, opts Options) *Launcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.PageInterval <= 0 {
		opts.PageInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Launcher{
		runner: runner,
		opts:   opts,
		logger: opts.Logger.With("executor", types.ExecutorCrowdStrike),
		newID:  uuid.NewString,
	}
}

type action struct {
	platform types.Platform
	script   string
	command  string
	targets  []execution.AgentTarget
}

// LaunchBatch starts the inject on every target. It returns the targets the
// implant was started on, and ERROR traces for the others.
func (l *Launcher) LaunchBatch(ctx context.Context, inj types.Inject, targets []execution.AgentTarget) ([]execution.AgentTarget, []execution.Trace) {
	var traces []execution.Trace
	byPlatform := make(map[types.Platform][]execution.AgentTarget)
	for _, t := range targets {
		p, a := t.Asset.Platform, t.Asset.Arch
		if p == "" || p == types.PlatformUnknown || a == "" {
			traces = append(traces, execution.NewAgentTrace(t.Agent.ID, execution.TraceError, execution.ActionComplete,
				fmt.Sprintf("Unsupported platform: %s (arch:%s)", p, a)))
			continue
		}
		byPlatform[p] = append(byPlatform[p], t)
	}

	var actions []action
	for _, p := range []types.Platform{types.PlatformWindows, types.PlatformLinux, types.PlatformMacOS} {
		group := byPlatform[p]
		if len(group) == 0 {
			continue
		}
		cmd, err := l.command(inj, p)
		if err != nil {
			for _, t := range group {
				traces = append(traces, execution.NewAgentTrace(t.Agent.ID, execution.TraceError, execution.ActionComplete, err.Error()))
			}
			continue
		}
		script := l.opts.UnixScriptName
		if p == types.PlatformWindows {
			script = l.opts.WindowsScriptName
		}
		actions = append(actions, action{platform: p, script: script, command: cmd, targets: group})
	}

	var launched []execution.AgentTarget
	first := true
	for _, act := range actions {
		for start := 0; start < len(act.targets); start += l.opts.PageSize {
			end := min(start+l.opts.PageSize, len(act.targets))
			page := act.targets[start:end]

			if !first {
				if err := sleep(ctx, l.opts.PageInterval); err != nil {
					return launched, append(traces, failAll(page, err)...)
				}
			}
			first = false

			if err := l.runner.RunScript(ctx, hostIDs(page), act.script, act.command); err != nil {
				l.logger.Warn("runscript failed",
					"inject_id", inj.ID,
					"platform", act.platform,
					"hosts", len(page),
					"error", err,
				)
				traces = append(traces, failAll(page, err)...)
				continue
			}
			launched = append(launched, page...)
		}
	}
	return launched, traces
}

// command builds the base64 encoded implant command for a platform. The
// Falcon API does not report the architecture, so the x86_64 command is
// rewritten to detect it on the endpoint.
func (l *Launcher) command(inj types.Inject, p types.Platform) (string, error) {
	if inj.Contract == nil {
		return "", fmt.Errorf("inject %s has no contract", inj.ID)
	}
	base, ok := inj.Contract.Command(p, types.ArchX86_64)
	if !ok {
		return "", fmt.Errorf("no command for platform %s", p)
	}

	switch p {
	case types.PlatformWindows:
		cmd := windowsArch + windowsExternalReference + replaceArch(base, archVariable+"`")
		cmd = types.ExpandCommand(cmd, inj.ID, agentIDVariable)
		location := `$location="C:\Windows\Temp\.openbas\` + implantBaseName + l.newID() + `";md $location -ea 0;[Environment]::CurrentDirectory`
		cmd = replaceFirst(windowsLocation, cmd, location)
		return base64.StdEncoding.EncodeToString(utf16LE(cmd)), nil
	default:
		ref := linuxExternalReference
		if p == types.PlatformMacOS {
			ref = macExternalReference
		}
		cmd := unixArch + ref + replaceArch(base, archVariable)
		cmd = types.ExpandCommand(cmd, inj.ID, agentIDVariable)
		location := "location=/tmp/.openbas/" + implantBaseName + l.newID() + ";mkdir -p $location;filename="
		cmd = replaceFirst(unixLocation, cmd, location)
		return base64.StdEncoding.EncodeToString([]byte(cmd)), nil
	}
}

func replaceArch(cmd, with string) string {
	return strings.ReplaceAll(cmd, string(types.ArchX86_64), with)
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

// hostIDs returns the Falcon device ids of the page. Agents registered
// without an external reference use their own id.
func hostIDs(page []execution.AgentTarget) []string {
	ids := make([]string, 0, len(page))
	for _, t := range page {
		if t.Agent.ExternalRef != "" {
			ids = append(ids, t.Agent.ExternalRef)
			continue
		}
		ids = append(ids, t.Agent.ID)
	}
	return ids
}

func failAll(page []execution.AgentTarget, err error) []execution.Trace {
	out := make([]execution.Trace, 0, len(page))
	for _, t := range page {
		out = append(out, execution.NewAgentTrace(t.Agent.ID, execution.TraceError, execution.ActionComplete, err.Error()))
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
