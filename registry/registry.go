// Package registry announces injector nodes in etcd and elects the node that
// runs the periodic drivers.
//
// Every replica registers a NodeInfo entry under a lease so operators can see
// which nodes are alive and which executors they have configured. Replicas
// that share a namespace also campaign for leadership; only the leader runs
// the due sweep, the expiration sweep, the workflow poll and the callback
// flush. Without etcd every driver runs locally, which is still safe because
// store uniqueness constraints arbitrate racing writers.
package registry

import (
	"context"
	"time"
)

// NodeInfo describes a running injector node.
type NodeInfo struct {
	// Name is the logical deployment name (e.g. "injectord").
	Name string `json:"name"`

	// InstanceID is unique per process, typically a UUID.
	InstanceID string `json:"instance_id"`

	Version string `json:"version"`

	// Endpoint is the callback listener address, "host:port".
	Endpoint string `json:"endpoint"`

	// Executors lists the injector types this node can dispatch.
	Executors []string `json:"executors,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Registry is the node membership interface.
type Registry interface {
	// Register publishes the node under a lease that is renewed every TTL/3
	// until Deregister or Close. Re-registering the same InstanceID replaces
	// the entry.
	Register(ctx context.Context, info NodeInfo) error

	// Deregister revokes the node's lease. Unknown nodes are a no-op.
	Deregister(ctx context.Context, info NodeInfo) error

	// Nodes lists the live nodes in arbitrary order.
	Nodes(ctx context.Context) ([]NodeInfo, error)

	// Watch emits the live node list immediately and after every change.
	// The channel closes when ctx is canceled or the registry is closed.
	Watch(ctx context.Context) (<-chan []NodeInfo, error)

	Close() error
}

// Config holds the etcd connection settings.
type Config struct {
	// Endpoints is the list of etcd endpoints, "host:port".
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// Namespace prefixes every key: /{namespace}/nodes/{instance-id} and
	// /{namespace}/leader/{driver}. Default: "injector".
	Namespace string `yaml:"namespace" json:"namespace"`

	// TTL is the lease time-to-live in seconds. Default: 30.
	TTL int `yaml:"ttl" json:"ttl"`

	// TLS is optional; nil disables it.
	TLS *TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig holds the mTLS material for etcd.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}
