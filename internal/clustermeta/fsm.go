// Package clustermeta replicates the cluster's shard map through raft. Every
// node of the coordinating replica set applies the same sequence of shard
// assignment commands, so the shard registry each node targets against stays
// consistent across failovers.
package clustermeta

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Operation types replicated through the raft log.
const (
	OpAssignShard = "assign_shard"
	OpRemoveShard = "remove_shard"
)

// Command is one replicated change to the shard map.
type Command struct {
	Op      string   `json:"op"`
	ShardID string   `json:"shard_id"`
	// Hosts lists the shard's members; the first entry is the primary.
	Hosts   []string `json:"hosts,omitempty"`
}

// Encode marshals a command for raft.Apply.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// ChangeFunc is notified after a command has been applied, with the shard id
// and its new host list (nil for a removal). It runs while the FSM lock is
// not held.
type ChangeFunc func(shardID string, hosts []string)

// ShardMapFSM implements raft.FSM over the shard map.
type ShardMapFSM struct {
	log *zap.Logger

	mu         sync.RWMutex
	shardHosts map[string][]string
	onChange   ChangeFunc
}

// NewShardMapFSM creates an empty FSM.
func NewShardMapFSM(log *zap.Logger) *ShardMapFSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShardMapFSM{
		log:        log,
		shardHosts: make(map[string][]string),
	}
}

// SetOnChange installs the change notification hook. Must be set before the
// raft node starts applying entries.
func (f *ShardMapFSM) SetOnChange(fn ChangeFunc) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Apply implements raft.FSM. The returned value surfaces through
// raft.ApplyFuture.Response on the leader.
func (f *ShardMapFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.log.Error("Failed to unmarshal shard map command", zap.Error(err), zap.Uint64("index", entry.Index))
		return fmt.Errorf("clustermeta: malformed command at index %d: %w", entry.Index, err)
	}

	f.mu.Lock()
	var notify ChangeFunc
	switch cmd.Op {
	case OpAssignShard:
		hosts := append([]string(nil), cmd.Hosts...)
		f.shardHosts[cmd.ShardID] = hosts
		notify = f.onChange
		f.log.Info("Applied shard assignment",
			zap.String("shard", cmd.ShardID),
			zap.Strings("hosts", hosts),
			zap.Uint64("index", entry.Index))
	case OpRemoveShard:
		delete(f.shardHosts, cmd.ShardID)
		notify = f.onChange
		f.log.Info("Applied shard removal",
			zap.String("shard", cmd.ShardID),
			zap.Uint64("index", entry.Index))
	default:
		f.mu.Unlock()
		f.log.Warn("Unknown shard map operation", zap.String("op", cmd.Op), zap.Uint64("index", entry.Index))
		return fmt.Errorf("clustermeta: unknown operation %q", cmd.Op)
	}
	hosts := f.shardHosts[cmd.ShardID]
	f.mu.Unlock()

	if notify != nil {
		notify(cmd.ShardID, hosts)
	}
	return nil
}

// ShardHosts returns a copy of the current shard map.
func (f *ShardMapFSM) ShardHosts() map[string][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string][]string, len(f.shardHosts))
	for id, hosts := range f.shardHosts {
		out[id] = append([]string(nil), hosts...)
	}
	return out
}

// Snapshot implements raft.FSM.
func (f *ShardMapFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &shardMapSnapshot{shardHosts: f.ShardHosts()}, nil
}

// Restore implements raft.FSM. It replaces the shard map wholesale and
// re-notifies the change hook for every shard.
func (f *ShardMapFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var restored map[string][]string
	if err := json.NewDecoder(rc).Decode(&restored); err != nil {
		return fmt.Errorf("clustermeta: decode shard map snapshot: %w", err)
	}
	if restored == nil {
		restored = make(map[string][]string)
	}

	f.mu.Lock()
	f.shardHosts = restored
	notify := f.onChange
	snapshot := make(map[string][]string, len(restored))
	for id, hosts := range restored {
		snapshot[id] = append([]string(nil), hosts...)
	}
	f.mu.Unlock()

	f.log.Info("Shard map restored from snapshot", zap.Int("shards", len(snapshot)))
	if notify != nil {
		for id, hosts := range snapshot {
			notify(id, hosts)
		}
	}
	return nil
}

type shardMapSnapshot struct {
	shardHosts map[string][]string
}

// Persist implements raft.FSMSnapshot.
func (s *shardMapSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.shardHosts)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("clustermeta: marshal shard map snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("clustermeta: write shard map snapshot: %w", err)
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *shardMapSnapshot) Release() {}
