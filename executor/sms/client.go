package sms

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zero-day-ai/injector/remote"
)

// Config holds the OVH API credentials and SMS account.
type Config struct {
	// Endpoint is the API root, e.g. https://eu.api.ovh.com/1.0
	Endpoint          string
	ApplicationKey    string
	ApplicationSecret string
	ConsumerKey       string
	Service           string
	Sender            string
}

// Client sends SMS through the OVH API. Requests are signed with the
// application secret and a timestamp aligned on the API clock.
type Client struct {
	cfg    Config
	remote *remote.Client
	now    func() time.Time

	mu       sync.Mutex
	delta    time.Duration
	hasDelta bool
}

// NewClient creates a client. A nil rc builds a default envelope.
func NewClient(cfg Config, rc *remote.Client) *Client {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if rc == nil {
		rc = remote.NewClient(remote.Options{Backend: "ovh", BaseURL: cfg.Endpoint})
	}
	return &Client{cfg: cfg, remote: rc, now: time.Now}
}

type smsJob struct {
	Message           string   `json:"message"`
	Receivers         []string `json:"receivers"`
	Sender            string   `json:"sender,omitempty"`
	Charset           string   `json:"charset"`
	Coding            string   `json:"coding"`
	NoStopClause      bool     `json:"noStopClause"`
	SenderForResponse bool     `json:"senderForResponse"`
}

// Send sends message to phone and returns the raw API answer.
func (c *Client) Send(ctx context.Context, phone, message string) (string, error) {
	path := fmt.Sprintf("/sms/%s/jobs", c.cfg.Service)
	body, err := json.Marshal(smsJob{
		Message:      message,
		Receivers:    []string{phone},
		Sender:       c.cfg.Sender,
		Charset:      "UTF-8",
		Coding:       "8bit",
		NoStopClause: c.cfg.Sender != "",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode sms job: %w", err)
	}

	header, err := c.sign(ctx, http.MethodPost, c.cfg.Endpoint+path, body)
	if err != nil {
		return "", err
	}
	header.Set("Content-Type", "application/json")

	resp, err := c.remote.Do(ctx, "send_sms", remote.Request{
		Method: http.MethodPost,
		Path:   path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// sign builds the authentication headers of one request.
func (c *Client) sign(ctx context.Context, method, url string, body []byte) (http.Header, error) {
	delta, err := c.timeDelta(ctx)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.now().Add(delta).Unix(), 10)

	h := http.Header{}
	h.Set("X-Ovh-Application", c.cfg.ApplicationKey)
	h.Set("X-Ovh-Consumer", c.cfg.ConsumerKey)
	h.Set("X-Ovh-Timestamp", ts)
	h.Set("X-Ovh-Signature", Signature(c.cfg.ApplicationSecret, c.cfg.ConsumerKey, method, url, string(body), ts))
	return h, nil
}

// timeDelta returns the offset between the API clock and the local clock,
// fetched once per client.
func (c *Client) timeDelta(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasDelta {
		return c.delta, nil
	}

	resp, err := c.remote.Do(ctx, "auth_time", remote.Request{Path: "/auth/time"})
	if err != nil {
		return 0, err
	}
	server, err := strconv.ParseInt(strings.TrimSpace(string(resp)), 10, 64)
	if err != nil {
		return 0, remote.NewError("ovh", "auth_time", remote.ErrCodeMalformedResponse, "invalid server time").WithCause(err)
	}
	c.delta = time.Unix(server, 0).Sub(c.now())
	c.hasDelta = true
	return c.delta, nil
}

// Signature computes the OVH request signature.
func Signature(secret, consumerKey, method, url, body, timestamp string) string {
	sum := sha1.Sum([]byte(strings.Join([]string{secret, consumerKey, method, url, body, timestamp}, "+")))
	return "$1$" + hex.EncodeToString(sum[:])
}
