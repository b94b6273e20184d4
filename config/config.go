// Package config loads injector.yaml, the configuration of an injector node.
// Durations are Go duration strings; every Get accessor falls back to its
// default when the value is empty or invalid. Secrets may be left out of the
// file and supplied through INJECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/registry"
)

// Config represents an injector.yaml file.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Expectations ExpectationsConfig `yaml:"expectations"`
	Callbacks    CallbacksConfig    `yaml:"callbacks"`
	Remote       RemoteConfig       `yaml:"remote"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	Redis    *RedisConfig     `yaml:"redis,omitempty"`
	Postgres *PostgresConfig  `yaml:"postgres,omitempty"`
	NATS     *NATSConfig      `yaml:"nats,omitempty"`
	Registry *registry.Config `yaml:"registry,omitempty"`

	Executors ExecutorsConfig `yaml:"executors"`
}

// NodeConfig identifies the process and its listeners.
type NodeConfig struct {
	Name      string `yaml:"name,omitempty"`
	HTTPAddr  string `yaml:"http_addr,omitempty"`
	GRPCAddr  string `yaml:"grpc_addr,omitempty"`
	LogLevel  string `yaml:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format,omitempty"` // json or text
}

// GetName returns the node name or "injectord".
func (n NodeConfig) GetName() string {
	return stringOr(n.Name, "injectord")
}

// GetHTTPAddr returns the API listen address or ":8080".
func (n NodeConfig) GetHTTPAddr() string {
	return stringOr(n.HTTPAddr, ":8080")
}

// GetGRPCAddr returns the gRPC health listen address or ":9090".
func (n NodeConfig) GetGRPCAddr() string {
	return stringOr(n.GRPCAddr, ":9090")
}

// SchedulerConfig drives the periodic jobs.
type SchedulerConfig struct {
	// DueInterval is the period of the due-inject sweep. Default: 10s
	DueInterval string `yaml:"due_interval,omitempty"`

	// ExpirationInterval is the period of the expectation expiry sweep.
	// Default: 1m
	ExpirationInterval string `yaml:"expiration_interval,omitempty"`

	// PollInterval is the period of the async workflow poll. Default: 30s
	PollInterval string `yaml:"poll_interval,omitempty"`

	// Concurrency bounds the injects dispatched in parallel by one sweep.
	// Default: 4
	Concurrency int `yaml:"concurrency,omitempty"`
}

func (s SchedulerConfig) GetDueInterval() time.Duration {
	return durationOr(s.DueInterval, 10*time.Second)
}

func (s SchedulerConfig) GetExpirationInterval() time.Duration {
	return durationOr(s.ExpirationInterval, time.Minute)
}

func (s SchedulerConfig) GetPollInterval() time.Duration {
	return durationOr(s.PollInterval, 30*time.Second)
}

func (s SchedulerConfig) GetConcurrency() int {
	return intOr(s.Concurrency, 4)
}

// ExpectationsConfig holds the default expectation lifetimes.
type ExpectationsConfig struct {
	// Technical applies to DETECTION, PREVENTION and VULNERABILITY.
	// Default: 1h
	Technical string `yaml:"technical_expiration,omitempty"`

	// Human applies to MANUAL, ARTICLE, CHALLENGE and the other
	// player-facing types. Default: 24h
	Human string `yaml:"human_expiration,omitempty"`
}

func (e ExpectationsConfig) GetTechnical() time.Duration {
	return durationOr(e.Technical, time.Hour)
}

func (e ExpectationsConfig) GetHuman() time.Duration {
	return durationOr(e.Human, 24*time.Hour)
}

// CallbacksConfig configures agent callback ingestion.
type CallbacksConfig struct {
	BatchSize     int    `yaml:"batch_size,omitempty"`     // Default: 500
	FlushInterval string `yaml:"flush_interval,omitempty"` // Default: 1s
	ReplayWindow  int    `yaml:"replay_window,omitempty"`  // Default: 10000
}

func (c CallbacksConfig) GetBatchSize() int {
	return intOr(c.BatchSize, 500)
}

func (c CallbacksConfig) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, time.Second)
}

func (c CallbacksConfig) GetReplayWindow() int {
	return intOr(c.ReplayWindow, 10000)
}

// RemoteConfig is shared by every backend HTTP client.
type RemoteConfig struct {
	Timeout  string `yaml:"timeout,omitempty"` // Default: 30s
	Attempts int    `yaml:"attempts,omitempty"`
	Backoff  string `yaml:"backoff,omitempty"` // Default: 500ms
}

func (r RemoteConfig) GetTimeout() time.Duration {
	return durationOr(r.Timeout, 30*time.Second)
}

func (r RemoteConfig) GetAttempts() int {
	return intOr(r.Attempts, 3)
}

func (r RemoteConfig) GetBackoff() time.Duration {
	return durationOr(r.Backoff, 500*time.Millisecond)
}

// TelemetryConfig enables OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // Default: 1.0
}

func (t TelemetryConfig) GetServiceName() string {
	return stringOr(t.ServiceName, "injectord")
}

func (t TelemetryConfig) GetSampleRatio() float64 {
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		return 1
	}
	return t.SampleRatio
}

// RedisConfig points at the callback buffer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// PostgresConfig points at the persistent store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns,omitempty"` // Default: 10
}

func (p PostgresConfig) GetMaxOpenConns() int {
	return intOr(p.MaxOpenConns, 10)
}

// NATSConfig enables the NATS callback subscriber.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject,omitempty"`
	QueueGroup string `yaml:"queue_group,omitempty"`
}

// ExecutorsConfig holds one optional block per remote executor. A nil block
// leaves that injector type unregistered.
type ExecutorsConfig struct {
	CrowdStrike *CrowdStrikeConfig `yaml:"crowdstrike,omitempty"`
	Tanium      *TaniumConfig      `yaml:"tanium,omitempty"`
	Lade        *LadeConfig        `yaml:"lade,omitempty"`
	OpenCTI     *OpenCTIConfig     `yaml:"opencti,omitempty"`
	SMS         *SMSConfig         `yaml:"sms,omitempty"`
}

type CrowdStrikeConfig struct {
	APIURL            string `yaml:"api_url"`
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret,omitempty"`
	WindowsScriptName string `yaml:"windows_script_name"`
	UnixScriptName    string `yaml:"unix_script_name"`
	BatchSize         int    `yaml:"batch_size,omitempty"`     // Default: 100
	BatchInterval     string `yaml:"batch_interval,omitempty"` // Default: 1s
}

func (c CrowdStrikeConfig) GetBatchInterval() time.Duration {
	return durationOr(c.BatchInterval, time.Second)
}

type TaniumConfig struct {
	GatewayURL       string `yaml:"gateway_url"`
	APIKey           string `yaml:"api_key,omitempty"`
	ActionGroupID    int    `yaml:"action_group_id"`
	WindowsPackageID int    `yaml:"windows_package_id"`
	UnixPackageID    int    `yaml:"unix_package_id"`
}

type LadeConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
}

type OpenCTIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

type SMSConfig struct {
	Endpoint          string `yaml:"endpoint"`
	ApplicationKey    string `yaml:"application_key"`
	ApplicationSecret string `yaml:"application_secret,omitempty"`
	ConsumerKey       string `yaml:"consumer_key,omitempty"`
	Service           string `yaml:"service"`
	Sender            string `yaml:"sender"`
}

// Validate reports every missing required field at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, field string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		}
	}

	if c.Redis != nil {
		require(c.Redis.Addr, "redis.addr")
	}
	if c.Postgres != nil {
		require(c.Postgres.DSN, "postgres.dsn")
	}
	if c.NATS != nil {
		require(c.NATS.URL, "nats.url")
	}
	if c.Registry != nil {
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints is required"))
		}
		if err := c.Registry.TLS.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if cs := c.Executors.CrowdStrike; cs != nil {
		require(cs.APIURL, "executors.crowdstrike.api_url")
		require(cs.ClientID, "executors.crowdstrike.client_id")
		require(cs.ClientSecret, "executors.crowdstrike.client_secret")
		require(cs.WindowsScriptName, "executors.crowdstrike.windows_script_name")
		require(cs.UnixScriptName, "executors.crowdstrike.unix_script_name")
	}
	if t := c.Executors.Tanium; t != nil {
		require(t.GatewayURL, "executors.tanium.gateway_url")
		require(t.APIKey, "executors.tanium.api_key")
	}
	if l := c.Executors.Lade; l != nil {
		require(l.URL, "executors.lade.url")
		require(l.Username, "executors.lade.username")
		require(l.Password, "executors.lade.password")
	}
	if o := c.Executors.OpenCTI; o != nil {
		require(o.URL, "executors.opencti.url")
		require(o.Token, "executors.opencti.token")
	}
	if s := c.Executors.SMS; s != nil {
		require(s.Endpoint, "executors.sms.endpoint")
		require(s.ApplicationKey, "executors.sms.application_key")
		require(s.ApplicationSecret, "executors.sms.application_secret")
		require(s.ConsumerKey, "executors.sms.consumer_key")
		require(s.Service, "executors.sms.service")
	}

	if len(errs) == 0 {
		return nil
	}
	return injector.NewConfigurationError("config.Validate", errors.Join(errs...))
}

// Parse decodes an injector.yaml document and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, injector.NewConfigurationError("config.Parse",
			fmt.Errorf("failed to parse config file: %w", err))
	}
	cfg.ApplyEnv(os.LookupEnv)
	return &cfg, nil
}

// Load reads injector.yaml from path. If path is a directory it looks for
// injector.yaml, then injector.yml, inside it.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		configPath = ""
		for _, name := range []string{"injector.yaml", "injector.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("no injector.yaml or injector.yml found in %s: %w", path, injector.ErrNotFound)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadFromDir searches for injector.yaml starting at dir and walking up to
// the filesystem root.
func LoadFromDir(dir string) (*Config, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	for {
		cfg, err := Load(absDir)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, injector.ErrNotFound) {
			return nil, err
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			return nil, fmt.Errorf("no injector.yaml found in %s or parent directories: %w", dir, injector.ErrNotFound)
		}
		absDir = parent
	}
}

// LoadFromCurrentDir runs LoadFromDir on the working directory.
func LoadFromCurrentDir() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFromDir(cwd)
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
