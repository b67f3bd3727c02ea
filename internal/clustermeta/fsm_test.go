package clustermeta

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func applyCommand(t *testing.T, fsm *ShardMapFSM, cmd Command) interface{} {
	t.Helper()
	data, err := cmd.Encode()
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Index: 1, Data: data})
}

func TestFSM_AssignAndRemoveShard(t *testing.T) {
	fsm := NewShardMapFSM(zap.NewNop())

	require.Nil(t, applyCommand(t, fsm, Command{
		Op:      OpAssignShard,
		ShardID: "shard0",
		Hosts:   []string{"a:7000", "b:7000"},
	}))
	require.Equal(t, map[string][]string{"shard0": {"a:7000", "b:7000"}}, fsm.ShardHosts())

	require.Nil(t, applyCommand(t, fsm, Command{Op: OpRemoveShard, ShardID: "shard0"}))
	require.Empty(t, fsm.ShardHosts())
}

func TestFSM_UnknownOperationErrors(t *testing.T) {
	fsm := NewShardMapFSM(zap.NewNop())
	res := applyCommand(t, fsm, Command{Op: "explode", ShardID: "shard0"})
	require.Error(t, res.(error))
}

func TestFSM_MalformedEntryErrors(t *testing.T) {
	fsm := NewShardMapFSM(zap.NewNop())
	res := fsm.Apply(&raft.Log{Index: 1, Data: []byte("not json")})
	require.Error(t, res.(error))
}

func TestFSM_ChangeNotifications(t *testing.T) {
	fsm := NewShardMapFSM(zap.NewNop())

	var mu sync.Mutex
	changes := make(map[string][]string)
	fsm.SetOnChange(func(shardID string, hosts []string) {
		mu.Lock()
		defer mu.Unlock()
		changes[shardID] = hosts
	})

	applyCommand(t, fsm, Command{Op: OpAssignShard, ShardID: "shard0", Hosts: []string{"a:7000"}})
	applyCommand(t, fsm, Command{Op: OpAssignShard, ShardID: "shard1", Hosts: []string{"b:7000"}})
	applyCommand(t, fsm, Command{Op: OpRemoveShard, ShardID: "shard1"})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a:7000"}, changes["shard0"])
	require.Nil(t, changes["shard1"])
}

type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSM_SnapshotRoundTrip(t *testing.T) {
	fsm := NewShardMapFSM(zap.NewNop())
	applyCommand(t, fsm, Command{Op: OpAssignShard, ShardID: "shard0", Hosts: []string{"a:7000", "b:7000"}})
	applyCommand(t, fsm, Command{Op: OpAssignShard, ShardID: "shard1", Hosts: []string{"c:7000"}})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.canceled)
	snap.Release()

	restored := NewShardMapFSM(zap.NewNop())
	var notified []string
	restored.SetOnChange(func(shardID string, hosts []string) {
		notified = append(notified, shardID)
	})
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	require.Equal(t, fsm.ShardHosts(), restored.ShardHosts())
	require.ElementsMatch(t, []string{"shard0", "shard1"}, notified)
}
