// Package sharding resolves logical shard identities to live hosts and
// tracks per-host health so command dispatch avoids nodes that recently
// failed. The shard map itself is replicated through the control plane and
// pushed into the registry; this package only serves lookups.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShardID identifies one shard (replica set) in the cluster.
type ShardID string

// ConfigShardID is the sentinel identity under which config servers
// participate in cross-shard transactions.
const ConfigShardID ShardID = "config"

// ClusterRole describes what kind of node this process is.
type ClusterRole int

const (
	RoleNone ClusterRole = iota
	RoleShardServer
	RoleConfigServer
)

// Identity is this process's own place in the cluster.
type Identity struct {
	Role    ClusterRole
	ShardID ShardID
}

// LocalShardID resolves the shard identity commands addressed to "ourselves"
// carry: the config sentinel on config servers, the registered shard id on
// shard servers. Unsharded processes have no such identity.
func (i Identity) LocalShardID() (ShardID, error) {
	switch i.Role {
	case RoleConfigServer:
		return ConfigShardID, nil
	case RoleShardServer:
		if i.ShardID == "" {
			return "", errors.New("sharding: shard server has no registered shard id")
		}
		return i.ShardID, nil
	default:
		return "", errors.New("sharding: process has no cluster role")
	}
}

// ReadPreference selects which replica of a shard a command may target.
type ReadPreference string

const (
	ReadPrimary          ReadPreference = "primary"
	ReadPrimaryPreferred ReadPreference = "primaryPreferred"
	ReadNearest          ReadPreference = "nearest"
)

var (
	// ErrShardNotFound is returned for a shard id absent from the shard map.
	ErrShardNotFound = errors.New("sharding: shard not found")
	// ErrNoHostFound is returned when no healthy host became available
	// within the targeting deadline.
	ErrNoHostFound = errors.New("sharding: no reachable host for shard")
)

// Targeter selects a live host of one shard.
type Targeter interface {
	// FindHostWithMaxWait blocks until a host satisfying pref is available,
	// up to maxWait, and returns its address.
	FindHostWithMaxWait(ctx context.Context, pref ReadPreference, maxWait time.Duration) (string, error)
}

// Shard is a handle to one shard's targeting and health bookkeeping.
type Shard interface {
	ID() ShardID
	Targeter() Targeter
	// ReportHostStatus feeds back the outcome of an operation against host.
	// A nil error marks the host healthy; repeated failures take it out of
	// targeting for a cooldown period.
	ReportHostStatus(host string, opErr error)
}

// Registry looks up shards by id.
type Registry interface {
	GetShard(id ShardID) (Shard, error)
}

// RegistryConfig tunes health bookkeeping and targeting.
type RegistryConfig struct {
	// HostDownCooldown is how long a host stays out of targeting after
	// consecutive failures. Defaults to 10s.
	HostDownCooldown time.Duration `yaml:"host_down_cooldown"`
	// TargetRetryInterval is how often FindHostWithMaxWait re-checks for a
	// healthy host. Defaults to 50ms.
	TargetRetryInterval time.Duration `yaml:"target_retry_interval"`
	// FailuresBeforeDown is the consecutive-failure count that marks a host
	// down. Defaults to 2.
	FailuresBeforeDown int `yaml:"failures_before_down"`
}

func (c *RegistryConfig) setDefaults() {
	if c.HostDownCooldown <= 0 {
		c.HostDownCooldown = 10 * time.Second
	}
	if c.TargetRetryInterval <= 0 {
		c.TargetRetryInterval = 50 * time.Millisecond
	}
	if c.FailuresBeforeDown <= 0 {
		c.FailuresBeforeDown = 2
	}
}

// MapRegistry is a Registry fed from the replicated shard map. The first
// host of a shard's list is its primary.
type MapRegistry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu     sync.RWMutex
	shards map[ShardID]*mapShard
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry(cfg RegistryConfig, log *zap.Logger) *MapRegistry {
	cfg.setDefaults()
	return &MapRegistry{
		cfg:    cfg,
		log:    log,
		shards: make(map[ShardID]*mapShard),
	}
}

// SetShardHosts installs or replaces the host list for a shard. Health
// state carries over for hosts that remain in the list.
func (r *MapRegistry) SetShardHosts(id ShardID, hosts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.shards[id]
	shard := &mapShard{id: id, cfg: r.cfg, log: r.log}
	for _, h := range hosts {
		state := &hostState{addr: h}
		if existing != nil {
			if prev := existing.findHost(h); prev != nil {
				state.failures = prev.failures
				state.downUntil = prev.downUntil
			}
		}
		shard.hosts = append(shard.hosts, state)
	}
	r.shards[id] = shard
}

// RemoveShard drops a shard from the map.
func (r *MapRegistry) RemoveShard(id ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards, id)
}

// GetShard implements Registry.
func (r *MapRegistry) GetShard(id ShardID) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shard, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	return shard, nil
}

type hostState struct {
	addr      string
	failures  int
	downUntil time.Time
}

type mapShard struct {
	id  ShardID
	cfg RegistryConfig
	log *zap.Logger

	mu    sync.Mutex
	hosts []*hostState
}

func (s *mapShard) ID() ShardID { return s.id }

func (s *mapShard) Targeter() Targeter { return s }

func (s *mapShard) findHost(addr string) *hostState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		if h.addr == addr {
			return h
		}
	}
	return nil
}

// FindHostWithMaxWait polls for a healthy host honoring pref until maxWait
// expires. Hosts in their down cooldown are skipped; a cooldown expiring
// during the wait makes the host eligible again.
func (s *mapShard) FindHostWithMaxWait(ctx context.Context, pref ReadPreference, maxWait time.Duration) (string, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if host, ok := s.pickHost(pref); ok {
			return host, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s (read preference %s)", ErrNoHostFound, s.id, pref)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.cfg.TargetRetryInterval):
		}
	}
}

func (s *mapShard) pickHost(pref ReadPreference) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.hosts) == 0 {
		return "", false
	}

	now := time.Now()
	up := func(h *hostState) bool { return h.downUntil.IsZero() || now.After(h.downUntil) }

	primary := s.hosts[0]
	switch pref {
	case ReadPrimary:
		if up(primary) {
			return primary.addr, true
		}
		return "", false
	case ReadPrimaryPreferred:
		if up(primary) {
			return primary.addr, true
		}
		fallthrough
	default: // ReadNearest and anything unrecognized
		for _, h := range s.hosts {
			if up(h) {
				return h.addr, true
			}
		}
		return "", false
	}
}

// ReportHostStatus implements Shard.
func (s *mapShard) ReportHostStatus(host string, opErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.hosts {
		if h.addr != host {
			continue
		}
		if opErr == nil {
			h.failures = 0
			h.downUntil = time.Time{}
			return
		}
		h.failures++
		if h.failures >= s.cfg.FailuresBeforeDown {
			h.downUntil = time.Now().Add(s.cfg.HostDownCooldown)
			s.log.Warn("Marking shard host down",
				zap.String("shard", string(s.id)),
				zap.String("host", host),
				zap.Int("failures", h.failures),
				zap.Error(opErr))
		}
		return
	}
}
