package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputType is the kind of value an injector contract can emit as structured
// output. Finding-producing elements are parsed from agent callbacks.
type OutputType string

const (
	OutputText        OutputType = "text"
	OutputNumber      OutputType = "number"
	OutputPort        OutputType = "port"
	OutputPortsScan   OutputType = "portscan"
	OutputIPv4        OutputType = "ipv4"
	OutputIPv6        OutputType = "ipv6"
	OutputCredentials OutputType = "credentials"
	OutputCVE         OutputType = "cve"
)

// IsValid returns true if the output type is a recognized value.
func (t OutputType) IsValid() bool {
	switch t {
	case OutputText, OutputNumber, OutputPort, OutputPortsScan, OutputIPv4, OutputIPv6, OutputCredentials, OutputCVE:
		return true
	default:
		return false
	}
}

// ContractOutputElement declares one structured output key of a contract.
type ContractOutputElement struct {
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Type      OutputType `json:"type"`
	IsFinding bool       `json:"is_finding"`
	Tags      []string   `json:"tags,omitempty"`
}

// InjectorContract describes what an injector type accepts and produces.
type InjectorContract struct {
	ID           string `json:"id"`
	InjectorType string `json:"injector_type"`
	Label        string `json:"label,omitempty"`

	// ParameterSchema is a JSON Schema the inject content must satisfy.
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`

	Outputs []ContractOutputElement `json:"outputs,omitempty"`

	// Commands maps "<platform>.<arch>" to the command line run by remote
	// agents. The placeholders #{inject} and #{agent} are substituted.
	Commands map[string]string `json:"commands,omitempty"`
}

// Command returns the command declared for a platform and architecture.
func (c InjectorContract) Command(p Platform, a Arch) (string, bool) {
	cmd, ok := c.Commands[CommandKey(p, a)]
	return cmd, ok
}

// Clone returns a deep copy of the contract.
func (c InjectorContract) Clone() InjectorContract {
	out := c
	out.ParameterSchema = append(json.RawMessage(nil), c.ParameterSchema...)
	out.Outputs = append([]ContractOutputElement(nil), c.Outputs...)
	if c.Commands != nil {
		out.Commands = make(map[string]string, len(c.Commands))
		for k, v := range c.Commands {
			out.Commands[k] = v
		}
	}
	return out
}

// CommandKey builds the lookup key used by InjectorContract.Commands.
func CommandKey(p Platform, a Arch) string {
	return fmt.Sprintf("%s.%s", p, a)
}

// ExpandCommand substitutes the inject and agent placeholders of a contract
// command.
func ExpandCommand(cmd, injectID, agentID string) string {
	return strings.NewReplacer("#{inject}", injectID, "#{agent}", agentID).Replace(cmd)
}
