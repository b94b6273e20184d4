package callback

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
)

// Input is what the agent observed for one phase of the run.
type Input struct {
	Message string `json:"execution_message"`
	Status  string `json:"execution_status"`

	// Duration is the phase duration in milliseconds.
	Duration int    `json:"execution_duration"`
	Action   string `json:"execution_action"`

	// OutputStructured is the parsed command output, matched against the
	// contract output elements to produce findings.
	OutputStructured json.RawMessage `json:"execution_output_structured,omitempty"`
}

// Callback is one report sent by an agent.
type Callback struct {
	// ID is an optional sender-side id; Key derives one when absent.
	ID       string `json:"id,omitempty"`
	AgentID  string `json:"agent_id"`
	InjectID string `json:"inject_id"`
	AssetID  string `json:"asset_id,omitempty"`
	Input    Input  `json:"inject_execution_input"`

	// EmittedAt is the agent clock in Unix milliseconds.
	EmittedAt int64 `json:"execution_emission_date"`
}

// Key identifies the callback for replay detection.
func (c Callback) Key() string {
	if c.ID != "" {
		return c.ID
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		c.InjectID, c.AgentID, c.Input.Action, c.Input.Status,
		fmt.Sprint(c.EmittedAt), c.Input.Message,
	}, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Validate checks the fields needed to apply the callback.
func (c Callback) Validate() error {
	var errs []error
	if c.InjectID == "" {
		errs = append(errs, errors.New("inject_id is required"))
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.Input.Message == "" {
		errs = append(errs, errors.New("execution_message is required"))
	}
	if _, err := parseStatus(c.Input.Status); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseAction(c.Input.Action); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return injector.NewValidationError("callback.Validate", err).
			WithContext(map[string]any{"inject_id": c.InjectID, "agent_id": c.AgentID})
	}
	return nil
}

// Trace converts the callback into an agent trace.
func (c Callback) Trace() (execution.Trace, error) {
	status, err := parseStatus(c.Input.Status)
	if err != nil {
		return execution.Trace{}, err
	}
	action, err := parseAction(c.Input.Action)
	if err != nil {
		return execution.Trace{}, err
	}
	t := execution.NewAgentTrace(c.AgentID, status, action, c.Input.Message)
	if c.EmittedAt > 0 {
		t.Time = time.UnixMilli(c.EmittedAt).UTC()
	}
	t.Duration = time.Duration(c.Input.Duration) * time.Millisecond
	return t, nil
}

func parseStatus(s string) (execution.TraceStatus, error) {
	return execution.ParseTraceStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// agentActions maps the action names sent by implants to trace actions.
var agentActions = map[string]execution.TraceAction{
	"prerequisite_check":     execution.ActionPrerequisiteCheck,
	"prerequisite_execution": execution.ActionPrerequisiteExecution,
	"command_execution":      execution.ActionExecution,
	"cleanup_execution":      execution.ActionCleanupExecution,
	"complete":               execution.ActionComplete,
}

func parseAction(s string) (execution.TraceAction, error) {
	s = strings.TrimSpace(s)
	if a, ok := agentActions[strings.ToLower(s)]; ok {
		return a, nil
	}
	return execution.ParseTraceAction(strings.ToUpper(s))
}

// zstdDecoder is shared; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))

// Decode reads one callback or a JSON array of callbacks. A "zstd"
// encoding decompresses the body first.
func Decode(r io.Reader, encoding string) ([]Callback, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read callback body: %w", err)
	}
	return DecodeBytes(body, encoding)
}

// DecodeBytes is Decode over an in-memory body.
func DecodeBytes(body []byte, encoding string) ([]Callback, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
	case "zstd":
		plain, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, injector.NewValidationError("callback.Decode", fmt.Errorf("invalid zstd body: %w", err))
		}
		body = plain
	default:
		return nil, injector.NewValidationError("callback.Decode", fmt.Errorf("unsupported encoding %q", encoding))
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var cbs []Callback
		if err := json.Unmarshal(body, &cbs); err != nil {
			return nil, injector.NewValidationError("callback.Decode", fmt.Errorf("invalid callback batch: %w", err))
		}
		return cbs, nil
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, injector.NewValidationError("callback.Decode", fmt.Errorf("invalid callback: %w", err))
	}
	return []Callback{cb}, nil
}
