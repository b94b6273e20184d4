package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultNamespace = "injector"
	defaultTTL       = 30

	// EndpointsEnv holds a comma-separated list of etcd endpoints.
	EndpointsEnv = "INJECTOR_REGISTRY_ENDPOINTS"
)

// Client implements Registry on top of etcd.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	client    *clientv3.Client
	namespace string
	ttl       int
	logger    *slog.Logger

	mu         sync.RWMutex
	leases     map[string]clientv3.LeaseID // key: instance ID
	cancelFns  map[string]context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	closedChan chan struct{}
}

// NewClient connects to etcd and verifies connectivity with a quick read.
// The client must be closed with Close.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("registry endpoints cannot be empty")
	}
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	}

	tlsConfig, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	clientCfg.TLS = tlsConfig

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil && err != context.DeadlineExceeded {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return &Client{
		client:     cli,
		namespace:  cfg.Namespace,
		ttl:        cfg.TTL,
		logger:     logger.With("component", "registry"),
		leases:     make(map[string]clientv3.LeaseID),
		cancelFns:  make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}, nil
}

// NewClientFromEnv builds a client from INJECTOR_REGISTRY_ENDPOINTS. An
// unset variable returns (nil, nil): the node then runs standalone.
func NewClientFromEnv(logger *slog.Logger) (*Client, error) {
	endpoints := ParseEndpoints(os.Getenv(EndpointsEnv))
	if len(endpoints) == 0 {
		return nil, nil
	}
	return NewClient(Config{Endpoints: endpoints}, logger)
}

// ParseEndpoints splits a comma-separated endpoint list, dropping blanks.
func ParseEndpoints(s string) []string {
	var out []string
	for _, ep := range strings.Split(s, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

func withDefaults(cfg Config) Config {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return cfg
}

// Register implements Registry.
func (c *Client) Register(ctx context.Context, info NodeInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("registry client is closed")
	}

	if cancelFn, exists := c.cancelFns[info.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	leaseResp, err := c.client.Grant(ctx, int64(c.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}

	key := nodeKey(c.namespace, info.InstanceID)
	if _, err := c.client.Put(ctx, key, string(data), clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	c.leases[info.InstanceID] = leaseResp.ID

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	c.cancelFns[info.InstanceID] = cancel

	c.wg.Add(1)
	go c.keepalive(keepaliveCtx, leaseResp.ID, info.InstanceID)

	c.logger.Info("node registered", "instance_id", info.InstanceID, "key", key)
	return nil
}

// Deregister implements Registry.
func (c *Client) Deregister(ctx context.Context, info NodeInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("registry client is closed")
	}

	if cancelFn, exists := c.cancelFns[info.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	leaseID, exists := c.leases[info.InstanceID]
	if !exists {
		return nil
	}
	if _, err := c.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	delete(c.leases, info.InstanceID)
	return nil
}

// Nodes implements Registry.
func (c *Client) Nodes(ctx context.Context) ([]NodeInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("registry client is closed")
	}
	return c.nodes(ctx)
}

func (c *Client) nodes(ctx context.Context) ([]NodeInfo, error) {
	resp, err := c.client.Get(ctx, nodesPrefix(c.namespace), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeNodes(values), nil
}

// decodeNodes skips entries that are not valid NodeInfo JSON.
func decodeNodes(values [][]byte) []NodeInfo {
	nodes := make([]NodeInfo, 0, len(values))
	for _, v := range values {
		var info NodeInfo
		if err := json.Unmarshal(v, &info); err != nil {
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes
}

// Watch implements Registry.
func (c *Client) Watch(ctx context.Context) (<-chan []NodeInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("registry client is closed")
	}

	initial, err := c.nodes(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan []NodeInfo, 1)
	ch <- initial

	watchChan := c.client.Watch(ctx, nodesPrefix(c.namespace), clientv3.WithPrefix())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closedChan:
				return
			case resp, ok := <-watchChan:
				if !ok || resp.Err() != nil {
					return
				}
				nodes, err := c.nodes(context.Background())
				if err != nil {
					continue
				}
				select {
				case ch <- nodes:
				case <-ctx.Done():
					return
				case <-c.closedChan:
					return
				}
			}
		}
	}()

	return ch, nil
}

// Elector returns a leader elector for one periodic driver, sharing this
// client's connection and namespace.
func (c *Client) Elector(driver, instanceID string) *Elector {
	return NewElector(c.client, ElectorOptions{
		Key:        leaderKey(c.namespace, driver),
		InstanceID: instanceID,
		TTL:        c.ttl,
		Logger:     c.logger,
	})
}

// Close releases all resources and stops background goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	for _, cancel := range c.cancelFns {
		cancel()
	}
	c.cancelFns = make(map[string]context.CancelFunc)

	close(c.closedChan)
	c.mu.Unlock()

	c.wg.Wait()
	return c.client.Close()
}

// keepalive renews the lease every TTL/3 until canceled or the lease is lost.
func (c *Client) keepalive(ctx context.Context, leaseID clientv3.LeaseID, instanceID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Duration(c.ttl) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		case <-ticker.C:
			if _, err := c.client.KeepAliveOnce(context.Background(), leaseID); err != nil {
				c.logger.Warn("node lease lost", "instance_id", instanceID, "error", err)
				c.mu.Lock()
				delete(c.leases, instanceID)
				delete(c.cancelFns, instanceID)
				c.mu.Unlock()
				return
			}
		}
	}
}

func nodesPrefix(namespace string) string {
	return fmt.Sprintf("/%s/nodes/", namespace)
}

// nodeKey format: /namespace/nodes/instance-id
func nodeKey(namespace, instanceID string) string {
	return nodesPrefix(namespace) + instanceID
}

// leaderKey format: /namespace/leader/driver
func leaderKey(namespace, driver string) string {
	return fmt.Sprintf("/%s/leader/%s", namespace, driver)
}
