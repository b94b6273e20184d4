package crowdstrike

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zero-day-ai/injector/remote"
)

const (
	backend = "crowdstrike"

	// tokenTTL is how long an OAuth token is reused before a new one is
	// requested.
	tokenTTL = 300 * time.Second

	oauthPath        = "/oauth2/token"
	batchSessionPath = "/real-time-response/combined/batch-init-session/v1"
	batchCommandPath = "/real-time-response/combined/batch-active-responder-command/v1"
)

// Config holds the Falcon API credentials.
type Config struct {
	APIURL       string
	ClientID     string
	ClientSecret string
}

// Client talks to the Falcon real time response API.
type Client struct {
	cfg    Config
	remote *remote.Client
	tokens *remote.TokenCache
}

// NewClient creates a client. A nil rc builds a default envelope.
func NewClient(cfg Config, rc *remote.Client) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if rc == nil {
		rc = remote.NewClient(remote.Options{Backend: backend, BaseURL: cfg.APIURL})
	}
	c := &Client{cfg: cfg, remote: rc}
	c.tokens = remote.NewTokenCache(tokenTTL, c.Authenticate)
	return c
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate requests a new OAuth token with the client credentials.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	var out oauthResponse
	err := c.remote.DoJSON(ctx, "authenticate", remote.Request{
		Method: http.MethodPost,
		Path:   oauthPath,
		Form: url.Values{
			"client_id":     {c.cfg.ClientID},
			"client_secret": {c.cfg.ClientSecret},
			"grant_type":    {"client_credentials"},
		},
		Idempotent: true,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", remote.NewError(backend, "authenticate", remote.ErrCodeAuthFailed, "no access token in response")
	}
	return out.AccessToken, nil
}

// Query sends an authenticated JSON request and decodes the answer into out.
// An AUTH_FAILED answer drops the cached token so the next call
// re-authenticates.
func (c *Client) Query(ctx context.Context, operation, method, path string, body, out any) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	err = c.remote.DoJSON(ctx, operation, remote.Request{
		Method: method,
		Path:   path,
		Header: header,
		JSON:   body,
	}, out)
	if err != nil {
		var rerr *remote.Error
		if errors.As(err, &rerr) && rerr.Code == remote.ErrCodeAuthFailed {
			c.tokens.Invalidate()
		}
		return err
	}
	return nil
}

type batchSessionResponse struct {
	BatchID string `json:"batch_id"`
}

// RunScript opens a batch session on hostIDs and runs the cloud script
// scriptName with the base64 encoded command as its argument.
func (c *Client) RunScript(ctx context.Context, hostIDs []string, scriptName, encodedCommand string) error {
	var session batchSessionResponse
	err := c.Query(ctx, "batch_init_session", http.MethodPost, batchSessionPath, map[string]any{
		"host_ids":      hostIDs,
		"queue_offline": false,
	}, &session)
	if err != nil {
		return err
	}
	if session.BatchID == "" {
		return remote.NewError(backend, "batch_init_session", remote.ErrCodeMalformedResponse, "no batch id in response")
	}

	var ignored map[string]any
	return c.Query(ctx, "batch_runscript", http.MethodPost, batchCommandPath, map[string]any{
		"batch_id":       session.BatchID,
		"base_command":   "runscript",
		"command_string": CommandString(scriptName, encodedCommand),
	}, &ignored)
}

// CommandString builds the runscript command line passed to the cloud
// script.
func CommandString(scriptName, encodedCommand string) string {
	return fmt.Sprintf("runscript -CloudFile=%q -CommandLine=```'{\"command\":\"%s\"}'```", scriptName, encodedCommand)
}
