package tanium

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/zero-day-ai/injector/remote"
)

const backend = "tanium"

// Config locates a Tanium gateway.
type Config struct {
	// GatewayURL is the full GraphQL endpoint of the gateway.
	GatewayURL    string
	APIKey        string
	ActionGroupID int
}

// Client calls the Tanium gateway GraphQL API.
type Client struct {
	cfg    Config
	remote *remote.Client
}

// NewClient creates a client. A nil rc builds a default envelope.
func NewClient(cfg Config, rc *remote.Client) *Client {
	if rc == nil {
		rc = remote.NewClient(remote.Options{Backend: backend, BaseURL: cfg.GatewayURL})
	}
	return &Client{cfg: cfg, remote: rc}
}

// Authenticate returns the session token sent with every query. Gateway
// API tokens are long lived, so no exchange takes place.
func (c *Client) Authenticate(_ context.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", remote.NewError(backend, "authenticate", remote.ErrCodeAuthFailed, "no api key configured")
	}
	return c.cfg.APIKey, nil
}

type graphQLResponse[T any] struct {
	Data   T `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query posts a GraphQL document and decodes its data into out.
func Query[T any](ctx context.Context, c *Client, operation, query string) (T, error) {
	var zero T
	token, err := c.Authenticate(ctx)
	if err != nil {
		return zero, err
	}

	var resp graphQLResponse[T]
	err = c.remote.DoJSON(ctx, operation, remote.Request{
		Method: http.MethodPost,
		Header: http.Header{"session": {token}},
		JSON:   map[string]any{"query": query},
	}, &resp)
	if err != nil {
		return zero, err
	}
	if len(resp.Errors) > 0 {
		return zero, remote.NewError(backend, operation, remote.ErrCodeHTTPStatus, "graphql error: "+resp.Errors[0].Message)
	}
	return resp.Data, nil
}

type actionCreateData struct {
	ActionCreate struct {
		Action struct {
			ID string `json:"id"`
		} `json:"action"`
	} `json:"actionCreate"`
}

// ExecuteAction runs a package on one endpoint with the base64 encoded
// command as its only parameter, and returns the action id.
func (c *Client) ExecuteAction(ctx context.Context, endpointID string, packageID int, encodedCommand string) (string, error) {
	if _, err := strconv.Atoi(endpointID); err != nil {
		return "", remote.NewError(backend, "action_create", remote.ErrCodeInvalidRequest,
			fmt.Sprintf("invalid endpoint id %q", endpointID))
	}
	data, err := Query[actionCreateData](ctx, c, "action_create", ActionCreateMutation(endpointID, packageID, c.cfg.ActionGroupID, encodedCommand))
	if err != nil {
		return "", err
	}
	return data.ActionCreate.Action.ID, nil
}

// ActionCreateMutation builds the actionCreate document. The command is
// escaped as a GraphQL string; ids are numeric.
func ActionCreateMutation(endpointID string, packageID, actionGroupID int, command string) string {
	return fmt.Sprintf(`mutation {
  actionCreate(
    input: { name: "OpenBAS Action", package: { id: %d, params: ["%s"] }, targets: { actionGroup: { id: %d }, endpoints: [%s] } }
  ) {
    action {
      id
    }
  }
}`, packageID, remote.EscapeGraphQLString(command), actionGroupID, endpointID)
}
