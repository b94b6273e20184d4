package config

import (
	"github.com/zero-day-ai/injector/registry"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides secrets and endpoints from INJECTOR_* variables. A
// variable for a backend block that is absent from the file creates the
// block, so a node can be configured from the environment alone.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	has := func(key string) bool {
		v, ok := lookup(key)
		return ok && v != ""
	}

	if has("INJECTOR_REDIS_ADDR") && c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis != nil {
		set("INJECTOR_REDIS_ADDR", &c.Redis.Addr)
		set("INJECTOR_REDIS_PASSWORD", &c.Redis.Password)
	}

	if has("INJECTOR_POSTGRES_DSN") && c.Postgres == nil {
		c.Postgres = &PostgresConfig{}
	}
	if c.Postgres != nil {
		set("INJECTOR_POSTGRES_DSN", &c.Postgres.DSN)
	}

	if has("INJECTOR_NATS_URL") && c.NATS == nil {
		c.NATS = &NATSConfig{}
	}
	if c.NATS != nil {
		set("INJECTOR_NATS_URL", &c.NATS.URL)
	}

	if v, ok := lookup(registry.EndpointsEnv); ok {
		if endpoints := registry.ParseEndpoints(v); len(endpoints) > 0 {
			if c.Registry == nil {
				c.Registry = &registry.Config{}
			}
			c.Registry.Endpoints = endpoints
		}
	}

	ex := &c.Executors
	if ex.CrowdStrike != nil {
		set("INJECTOR_CROWDSTRIKE_CLIENT_SECRET", &ex.CrowdStrike.ClientSecret)
	}
	if ex.Tanium != nil {
		set("INJECTOR_TANIUM_API_KEY", &ex.Tanium.APIKey)
	}
	if ex.Lade != nil {
		set("INJECTOR_LADE_PASSWORD", &ex.Lade.Password)
	}
	if ex.OpenCTI != nil {
		set("INJECTOR_OPENCTI_TOKEN", &ex.OpenCTI.Token)
	}
	if ex.SMS != nil {
		set("INJECTOR_SMS_APPLICATION_SECRET", &ex.SMS.ApplicationSecret)
		set("INJECTOR_SMS_CONSUMER_KEY", &ex.SMS.ConsumerKey)
	}
}
