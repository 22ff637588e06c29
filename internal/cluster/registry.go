package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/metrics"
)

// Registry tracks known broker instances: the local one plus any
// discovered through the optional Redis presence backend. No cross-broker
// message replication happens here -- purely informational presence, per
// SPEC_FULL's cluster-introspection scope.
type Registry struct {
	redis   *redis.Client // nil disables the shared presence backend
	hashKey string

	localID  string
	instances map[string]*Instance
	mu        sync.RWMutex

	pingInterval time.Duration
	presenceTTL  time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// Config holds cluster registry configuration.
type Config struct {
	NodeID       string
	Address      string
	RedisAddr    string // empty disables the shared presence backend
	RedisDB      int
	PresenceTTL  time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns default cluster configuration.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:       nodeID,
		PresenceTTL:  15 * time.Second,
		PingInterval: 5 * time.Second,
	}
}

// NewRegistry creates a Registry. When cfg.RedisAddr is empty the registry
// tracks only the local instance (no shared presence across brokers).
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig("node-local")
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}

	r := &Registry{
		hashKey:      "hmq:cluster:instances",
		localID:      cfg.NodeID,
		instances:    make(map[string]*Instance),
		pingInterval: cfg.PingInterval,
		presenceTTL:  cfg.PresenceTTL,
		stopCh:       make(chan struct{}),
	}
	if cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}

	now := time.Now()
	r.instances[cfg.NodeID] = &Instance{
		NodeID:        cfg.NodeID,
		Address:       cfg.Address,
		State:         InstanceStateActive,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	return r
}

// Heartbeat refreshes the local instance's presence, publishing
// {nodeID, address, queueCount} into the shared Redis hash if configured.
func (r *Registry) Heartbeat(ctx context.Context, queueCount int) error {
	r.mu.Lock()
	local, ok := r.instances[r.localID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cluster: local instance %q missing from registry", r.localID)
	}
	local.QueueCount = queueCount
	local.LastHeartbeat = time.Now()
	local.State = InstanceStateActive
	snapshot := *local
	r.mu.Unlock()

	if r.redis == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := r.redis.HSet(ctx, r.hashKey, r.localID, data).Err(); err != nil {
		logging.Op().Warn("cluster heartbeat publish failed", "node", r.localID, "error", err)
		return err
	}
	return nil
}

// SyncFromRedis refreshes known remote instances from the shared hash.
// A no-op when no Redis backend is configured.
func (r *Registry) SyncFromRedis(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	raw, err := r.redis.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, data := range raw {
		if id == r.localID {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			logging.Op().Warn("cluster sync: malformed instance record", "node", id, "error", err)
			continue
		}
		r.instances[id] = &inst
	}
	return nil
}

// InstanceList returns every known instance (local + synced remote),
// answering a client's InstanceList content-type request.
func (r *Registry) InstanceList() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Instance returns a single known instance by node id.
func (r *Registry) Instance(nodeID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[nodeID]
	return inst, ok
}

// Run starts the heartbeat + sync loop; it blocks until Stop is called or
// ctx is cancelled. queueCount is polled fresh on every tick.
func (r *Registry) Run(ctx context.Context, queueCount func() int) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, queueCount()); err != nil {
				logging.Op().Warn("cluster heartbeat failed", "error", err)
			}
			if err := r.SyncFromRedis(ctx); err != nil {
				logging.Op().Warn("cluster sync failed", "error", err)
			}
			r.markStale()
			metrics.SetInstanceCount(len(r.InstanceList()))
		}
	}
}

func (r *Registry) markStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.instances {
		if id == r.localID {
			continue
		}
		if !inst.IsHealthy(r.presenceTTL) {
			inst.State = InstanceStateInactive
		}
	}
}

// Stop stops the heartbeat + sync loop and closes the Redis client.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.redis != nil {
			r.redis.Close()
		}
	})
}
