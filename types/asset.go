package types

import "time"

// Platform is the operating system family of an endpoint.
type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformLinux   Platform = "Linux"
	PlatformMacOS   Platform = "MacOS"
	PlatformUnknown Platform = "Unknown"
)

// IsUnix returns true for platforms that run POSIX shells.
func (p Platform) IsUnix() bool {
	return p == PlatformLinux || p == PlatformMacOS
}

// Arch is the CPU architecture of an endpoint.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchArm64   Arch = "arm64"
	ArchUnknown Arch = "Unknown"
)

// Known agent executor types. Agents whose executor is unknown to the engine
// still get an ERROR trace rather than being silently skipped.
const (
	ExecutorCrowdStrike = "openbas_crowdstrike"
	ExecutorTanium      = "openbas_tanium"
	ExecutorImplant     = "openbas_agent"
)

// Agent is a piece of software installed on an asset that can run commands.
type Agent struct {
	ID      string `json:"id"`
	AssetID string `json:"asset_id"`

	// ExecutorType names the remote backend able to reach this agent; empty
	// means the agent has no executor.
	ExecutorType string `json:"executor_type,omitempty"`

	// ExternalRef is the backend-side identifier (CrowdStrike device id,
	// Tanium endpoint id).
	ExternalRef string `json:"external_ref,omitempty"`

	Privilege      string    `json:"privilege,omitempty"`
	ExecutedByUser string    `json:"executed_by_user,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
	Active         bool      `json:"active"`
}

// HasExecutor reports whether the agent can be reached by any backend.
func (a Agent) HasExecutor() bool {
	return a.ExecutorType != ""
}

// Asset is an endpoint targeted by technical injects.
type Asset struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Hostname string   `json:"hostname,omitempty"`
	IPs      []string `json:"ips,omitempty"`
	Platform Platform `json:"platform,omitempty"`
	Arch     Arch     `json:"arch,omitempty"`
	Agents   []Agent  `json:"agents,omitempty"`
}

// ActiveAgents returns the agents currently reporting in.
func (a Asset) ActiveAgents() []Agent {
	active := make([]Agent, 0, len(a.Agents))
	for _, ag := range a.Agents {
		if ag.Active {
			active = append(active, ag)
		}
	}
	return active
}

// AssetGroup is a named set of assets targeted as one unit.
type AssetGroup struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Assets []Asset `json:"assets,omitempty"`
}
