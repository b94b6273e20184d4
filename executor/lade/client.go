package lade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/remote"
)

const (
	backend  = "lade"
	tokenTTL = 30 * time.Minute
)

// Config locates a Lade server.
type Config struct {
	URL      string
	Username string
	Password string
}

// Client calls the Lade workflow API.
type Client struct {
	cfg    Config
	remote *remote.Client
	tokens *remote.TokenCache
}

// NewClient creates a client. A nil rc builds a default envelope.
func NewClient(cfg Config, rc *remote.Client) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if rc == nil {
		rc = remote.NewClient(remote.Options{Backend: backend, BaseURL: cfg.URL})
	}
	c := &Client{cfg: cfg, remote: rc}
	c.tokens = remote.NewTokenCache(tokenTTL, c.Authenticate)
	return c
}

// Authenticate exchanges the credentials for an API token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.remote.DoJSON(ctx, "authenticate", remote.Request{
		Method:     http.MethodPost,
		Path:       "/api/token/auth",
		JSON:       map[string]string{"username": c.cfg.Username, "password": c.cfg.Password},
		Idempotent: true,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", remote.NewError(backend, "authenticate", remote.ErrCodeAuthFailed, "no token in response")
	}
	return out.Token, nil
}

// Query sends an authenticated request and decodes the answer into out.
func (c *Client) Query(ctx context.Context, operation, method, path string, body, out any) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return err
	}
	err = c.remote.DoJSON(ctx, operation, remote.Request{
		Method: method,
		Path:   path,
		Header: http.Header{"Authorization": {"Bearer " + token}},
		JSON:   body,
	}, out)
	var rerr *remote.Error
	if errors.As(err, &rerr) && rerr.Code == remote.ErrCodeAuthFailed {
		c.tokens.Invalidate()
	}
	return err
}

// StartWorkflow runs a workflow of a bundle and returns the run id.
func (c *Client) StartWorkflow(ctx context.Context, bundle, workflow string, arguments map[string]any) (string, error) {
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	path := fmt.Sprintf("/api/bundles/%s/workflows/%s/run", url.PathEscape(bundle), url.PathEscape(workflow))
	if arguments == nil {
		arguments = map[string]any{}
	}
	if err := c.Query(ctx, "start_workflow", http.MethodPost, path, map[string]any{"arguments": arguments}, &out); err != nil {
		return "", err
	}
	if out.WorkflowID == "" {
		return "", remote.NewError(backend, "start_workflow", remote.ErrCodeMalformedResponse, "no workflow id in response")
	}
	return out.WorkflowID, nil
}

type workflowRun struct {
	Status   string    `json:"status"`
	StopTime time.Time `json:"stop_time"`
	Logs     []struct {
		Time    time.Time `json:"time"`
		Level   string    `json:"level"`
		Message string    `json:"message"`
	} `json:"logs"`
}

// Workflow run states reported by Lade.
const (
	runRunning = "running"
	runSuccess = "success"
	runFailure = "failure"
)

// Poll fetches the state of a workflow run. The backend log becomes the
// trace snapshot; a finished run adds a COMPLETE trace.
func (c *Client) Poll(ctx context.Context, workflowID string) (execution.WorkflowState, error) {
	if workflowID == "" {
		return execution.WorkflowState{}, remote.NewError(backend, "workflow_status", remote.ErrCodeInvalidRequest, "empty workflow id")
	}
	var run workflowRun
	path := "/api/workflows/" + url.PathEscape(workflowID)
	if err := c.Query(ctx, "workflow_status", http.MethodGet, path, nil, &run); err != nil {
		return execution.WorkflowState{}, err
	}

	state := execution.WorkflowState{StopTime: run.StopTime}
	for _, l := range run.Logs {
		status := execution.TraceInfo
		if strings.EqualFold(l.Level, "error") {
			status = execution.TraceError
		}
		t := execution.NewTrace(status, execution.ActionExecution, l.Message, workflowID)
		if !l.Time.IsZero() {
			t.Time = l.Time
		}
		state.Traces = append(state.Traces, t)
	}

	switch run.Status {
	case runSuccess:
		state.Done = true
		state.Traces = append(state.Traces, execution.NewSuccessTrace("Workflow completed", execution.ActionComplete, workflowID))
	case runFailure:
		state.Done, state.Failed = true, true
		state.Traces = append(state.Traces, execution.NewErrorTrace("Workflow failed", execution.ActionComplete, workflowID))
	case runRunning, "":
	default:
		return execution.WorkflowState{}, remote.NewError(backend, "workflow_status", remote.ErrCodeMalformedResponse,
			fmt.Sprintf("unknown workflow status %q", run.Status))
	}
	return state, nil
}
