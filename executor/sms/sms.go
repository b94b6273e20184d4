// Package sms executes injects that text the targeted players through the
// OVH SMS gateway.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/render"
)

// Type is the injector type handled by this package.
const Type = "openbas_ovh_sms"

// Content is the payload of an SMS inject.
type Content struct {
	Message      string                 `json:"message"`
	Expectations []expectation.Declared `json:"expectations,omitempty"`
}

// Gateway sends one SMS and returns the raw gateway answer.
type Gateway interface {
	Send(ctx context.Context, phone, message string) (string, error)
}

// Executor handles SMS injects.
type Executor struct {
	gateway     Gateway
	tracker     *expectation.Tracker
	renderer    *render.Renderer
	logger      *slog.Logger
	concurrency int
}

var _ executor.Executor = (*Executor)(nil)

// New creates an SMS executor.
func New(gateway Gateway, tracker *expectation.Tracker, renderer *render.Renderer, logger *slog.Logger) *Executor {
	if renderer == nil {
		renderer = render.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway:     gateway,
		tracker:     tracker,
		renderer:    renderer,
		logger:      logger,
		concurrency: 8,
	}
}

// gatewayAnswer is the part of the OVH answer that matters here.
type gatewayAnswer struct {
	InvalidReceivers []string `json:"invalidReceivers"`
}

// Process implements executor.Executor. Every user gets a trace; users
// without a phone number fail individually. MANUAL expectations are created
// once at least one SMS left the gateway.
func (x *Executor) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	content, err := executor.DecodeContent[Content](ei)
	if err != nil {
		return execution.Process{}, err
	}
	if len(ei.Users) == 0 {
		return execution.Process{}, injector.NewValidationError("sms.Process", errors.New("Sms needs at least one user")).
			WithContext(map[string]any{"inject_id": ei.ID()})
	}

	tpl := buildMessage(ei, content.Message)

	sent := executor.FanOut(ctx, exec, ei.Users,
		func(ec execution.ExecutionContext) string { return ec.User.ID },
		x.concurrency,
		func(ctx context.Context, ec execution.ExecutionContext) (executor.Outcome, error) {
			return x.sendTo(ctx, ec, tpl)
		})

	if !sent {
		return execution.Process{}, nil
	}
	declared := expectation.Filter(content.Expectations, expectation.TypeManual)
	if _, err := x.tracker.BuildAndSave(ctx, ei, declared); err != nil {
		return execution.Process{}, fmt.Errorf("failed to save expectations: %w", err)
	}
	return execution.Process{}, nil
}

func (x *Executor) sendTo(ctx context.Context, ec execution.ExecutionContext, tpl string) (executor.Outcome, error) {
	user := ec.User
	if !user.HasPhone() {
		msg := fmt.Sprintf("Sms fail for %s: no phone number", user.Email)
		return executor.Outcome{
			Traces: []execution.Trace{execution.NewErrorTrace(msg, execution.ActionComplete, user.ID)},
		}, nil
	}

	message, err := x.renderer.Render(tpl, ec)
	if err != nil {
		return executor.Outcome{}, err
	}

	result, err := x.gateway.Send(ctx, user.Phone, message)
	if err != nil {
		x.logger.Warn("sms send failed", "inject_id", ec.InjectID, "user_id", user.ID, "error", err)
		return executor.Outcome{}, err
	}

	var answer gatewayAnswer
	if json.Unmarshal([]byte(result), &answer) == nil && len(answer.InvalidReceivers) > 0 {
		msg := fmt.Sprintf("Sms sent to %s through %s contains error (%s)", user.Email, user.Phone, result)
		return executor.Outcome{
			Traces:    []execution.Trace{execution.NewErrorTrace(msg, execution.ActionComplete, user.ID)},
			Effective: true,
		}, nil
	}

	msg := fmt.Sprintf("Sms sent to %s through %s (%s)", user.Email, user.Phone, result)
	return executor.Outcome{
		Traces:    []execution.Trace{execution.NewSuccessTrace(msg, execution.ActionComplete, user.ID)},
		Effective: true,
	}, nil
}

// buildMessage frames the message with the simulation header and footer.
func buildMessage(ei *execution.ExecutableInject, message string) string {
	if ei.Exercise == nil {
		return message
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{ei.Exercise.Header, message, ei.Exercise.Footer} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}
