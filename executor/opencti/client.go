package opencti

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zero-day-ai/injector/remote"
)

const (
	createCaseMutation = `mutation CaseIncidentAdd($input: CaseIncidentAddInput!) {
  caseIncidentAdd(input: $input) { id }
}`
	createReportMutation = `mutation ReportAdd($input: ReportAddInput!) {
  reportAdd(input: $input) { id }
}`
)

// Config locates an OpenCTI platform.
type Config struct {
	URL   string
	Token string
}

// Client calls the OpenCTI GraphQL API.
type Client struct {
	cfg    Config
	remote *remote.Client
	now    func() time.Time
}

// NewClient creates a client. A nil rc builds a default envelope.
func NewClient(cfg Config, rc *remote.Client) *Client {
	if rc == nil {
		rc = remote.NewClient(remote.Options{Backend: "opencti", BaseURL: cfg.URL})
	}
	return &Client{cfg: cfg, remote: rc, now: time.Now}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// CreateCase creates an incident response case and returns its id.
func (c *Client) CreateCase(ctx context.Context, name, description string) (string, error) {
	var resp struct {
		Data struct {
			CaseIncidentAdd *struct {
				ID string `json:"id"`
			} `json:"caseIncidentAdd"`
		} `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	if err := c.query(ctx, "create_case", createCaseMutation, map[string]any{
		"name":        name,
		"description": description,
		"created":     c.now().UTC().Format(time.RFC3339),
	}, &resp); err != nil {
		return "", err
	}
	if err := firstError("create_case", resp.Errors); err != nil {
		return "", err
	}
	if resp.Data.CaseIncidentAdd == nil {
		return "", remote.NewError("opencti", "create_case", remote.ErrCodeMalformedResponse, "no case returned")
	}
	return resp.Data.CaseIncidentAdd.ID, nil
}

// CreateReport creates a report and returns its id.
func (c *Client) CreateReport(ctx context.Context, name, description string) (string, error) {
	var resp struct {
		Data struct {
			ReportAdd *struct {
				ID string `json:"id"`
			} `json:"reportAdd"`
		} `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	if err := c.query(ctx, "create_report", createReportMutation, map[string]any{
		"name":        name,
		"description": description,
		"published":   c.now().UTC().Format(time.RFC3339),
	}, &resp); err != nil {
		return "", err
	}
	if err := firstError("create_report", resp.Errors); err != nil {
		return "", err
	}
	if resp.Data.ReportAdd == nil {
		return "", remote.NewError("opencti", "create_report", remote.ErrCodeMalformedResponse, "no report returned")
	}
	return resp.Data.ReportAdd.ID, nil
}

func (c *Client) query(ctx context.Context, operation, mutation string, input map[string]any, out any) error {
	return c.remote.DoJSON(ctx, operation, remote.Request{
		Method: http.MethodPost,
		Path:   "/graphql",
		Header: http.Header{"Authorization": {"Bearer " + c.cfg.Token}},
		JSON: graphQLRequest{
			Query:     mutation,
			Variables: map[string]any{"input": input},
		},
	}, out)
}

func firstError(operation string, errs []graphQLError) error {
	if len(errs) == 0 {
		return nil
	}
	return remote.NewError("opencti", operation, remote.ErrCodeHTTPStatus, fmt.Sprintf("graphql error: %s", errs[0].Message))
}
