package twopc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torvusdb/torvus/core/coordstore"
	"github.com/torvusdb/torvus/core/participant"
	"github.com/torvusdb/torvus/core/sharding"
)

type serviceRig struct {
	svc      *CoordinatorService
	remote   *fakeRemote
	registry *sharding.MapRegistry
	store    *coordstore.MemoryStore
	local    *participant.Manager
}

func newServiceRig(t *testing.T) *serviceRig {
	t.Helper()

	env, remote, registry := newTestEnv(t)
	local := participant.NewManager(participant.Hooks{}, nil)
	store := coordstore.NewMemoryStore()
	registry.SetShardHosts("shard1", []string{"shard1-a:7000"})

	svc, err := NewCoordinatorService(ServiceDeps{
		Pool:          env.Pool,
		Remote:        remote,
		Shards:        registry,
		Identity:      sharding.Identity{Role: sharding.RoleShardServer, ShardID: testLocalShard},
		EntryPoint:    local,
		Store:         store,
		Logger:        env.Logger,
		TargetMaxWait: env.TargetMaxWait,
	})
	require.NoError(t, err)

	rig := &serviceRig{
		svc:      svc,
		remote:   remote,
		registry: registry,
		store:    store,
		local:    local,
	}
	t.Cleanup(func() {
		requireReturns(t, "service Shutdown", svc.Shutdown)
	})
	return rig
}

func TestService_NotLeaderBeforeStepUp(t *testing.T) {
	rig := newServiceRig(t)

	err := rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{})
	require.ErrorIs(t, err, ErrNotLeader)

	_, _, err = rig.svc.CoordinateCommit(context.Background(), "s1", 1, nil)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestService_CreateAndCoordinateCommit(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))

	decisionFut, found, err := rig.svc.CoordinateCommit(context.Background(), "s1", 1,
		[]sharding.ShardID{testLocalShard, "shard1"})
	require.NoError(t, err)
	require.True(t, found)

	decision, err := awaitSettled(t, decisionFut)
	require.NoError(t, err)
	require.Equal(t, DecisionCommit, decision)

	// Once the coordinator finishes it disappears from the catalog.
	require.Eventually(t, func() bool {
		_, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 1)
		return err == nil && !found
	}, 5*time.Second, 5*time.Millisecond)

	docs, err := rig.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestService_CoordinateCommitUnknownCoordinator(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	_, found, err := rig.svc.CoordinateCommit(context.Background(), "s1", 99, []sharding.ShardID{"shard1"})
	require.NoError(t, err)
	require.False(t, found)
}

func TestService_NewerTransactionSupersedesOlder(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))
	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 2, time.Time{}))

	// The superseded coordinator is gone; the newer one is live.
	require.Eventually(t, func() bool {
		_, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 1)
		return err == nil && !found
	}, 5*time.Second, 5*time.Millisecond)

	decisionFut, found, err := rig.svc.CoordinateCommit(context.Background(), "s1", 2,
		[]sharding.ShardID{testLocalShard})
	require.NoError(t, err)
	require.True(t, found)
	decision, err := awaitSettled(t, decisionFut)
	require.NoError(t, err)
	require.Equal(t, DecisionCommit, decision)
}

func TestService_StaleTransactionNumberRejected(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 5, time.Time{}))

	err := rig.svc.CreateCoordinator(context.Background(), "s1", 5, time.Time{})
	require.ErrorIs(t, err, ErrTransactionTooOld)
	err = rig.svc.CreateCoordinator(context.Background(), "s1", 4, time.Time{})
	require.ErrorIs(t, err, ErrTransactionTooOld)
}

func TestService_ConcurrentCreatesOnSameTransaction(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	// Concurrent retries of the same create must serialize: exactly one
	// registers the coordinator, the rest are rejected as stale. Racing
	// past the supersede check would trip the catalog's duplicate-insert
	// panic instead.
	const attempts = 8
	errs := make(chan error, attempts)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer done.Done()
			start.Wait()
			errs <- rig.svc.CreateCoordinator(context.Background(), "s1", 7, time.Time{})
		}()
	}
	start.Done()
	done.Wait()
	close(errs)

	var created, stale int
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrTransactionTooOld):
			stale++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, attempts-1, stale)

	_, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 7)
	require.NoError(t, err)
	require.True(t, found)
}

func TestService_StepUpRecoveryResumesPersistedCommits(t *testing.T) {
	rig := newServiceRig(t)

	// A previous term persisted a participant list but never finished.
	require.NoError(t, rig.store.PutParticipants(context.Background(), "s1", 1,
		[]string{string(testLocalShard), "shard1"}))

	rig.svc.OnStepUp(context.Background())

	// Recovery re-drives the commit to completion without any client call.
	require.Eventually(t, func() bool {
		docs, err := rig.store.ListAll(context.Background())
		return err == nil && len(docs) == 0
	}, 5*time.Second, 5*time.Millisecond)

	state, ok := rig.local.StateOf("s1", 1)
	require.True(t, ok)
	require.Equal(t, participant.StateCommitted, state)
}

func TestService_RecoverCommitReturnsDecisionFuture(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))

	// RecoverCommit does not deliver a participant list.
	decisionFut, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 1)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, decisionFut.IsDone())

	_, found, err = rig.svc.CoordinateCommit(context.Background(), "s1", 1, []sharding.ShardID{testLocalShard})
	require.NoError(t, err)
	require.True(t, found)

	decision, err := awaitSettled(t, decisionFut)
	require.NoError(t, err)
	require.Equal(t, DecisionCommit, decision)
}

func TestService_StepDownCancelsIdleCoordinators(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))
	decisionFut, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 1)
	require.NoError(t, err)
	require.True(t, found)

	rig.svc.OnStepDown()
	requireReturns(t, "JoinPreviousRound", rig.svc.JoinPreviousRound)

	_, err = awaitSettled(t, decisionFut)
	require.ErrorIs(t, err, ErrCoordinatorCanceled)

	err = rig.svc.CreateCoordinator(context.Background(), "s1", 2, time.Time{})
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestService_StepUpAfterStepDownStartsFreshTerm(t *testing.T) {
	rig := newServiceRig(t)

	rig.svc.OnStepUp(context.Background())
	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))
	rig.svc.OnStepDown()

	// The next step-up joins the previous round internally.
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s2", 1, time.Time{}))
	decisionFut, found, err := rig.svc.CoordinateCommit(context.Background(), "s2", 1,
		[]sharding.ShardID{testLocalShard})
	require.NoError(t, err)
	require.True(t, found)

	decision, err := awaitSettled(t, decisionFut)
	require.NoError(t, err)
	require.Equal(t, DecisionCommit, decision)
}

func TestService_CancelIfCommitNotYetStarted(t *testing.T) {
	rig := newServiceRig(t)
	rig.svc.OnStepUp(context.Background())

	require.NoError(t, rig.svc.CreateCoordinator(context.Background(), "s1", 1, time.Time{}))
	decisionFut, found, err := rig.svc.RecoverCommit(context.Background(), "s1", 1)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, rig.svc.CancelIfCommitNotYetStarted(context.Background(), "s1", 1))
	_, err = awaitSettled(t, decisionFut)
	require.ErrorIs(t, err, ErrCoordinatorCanceled)

	// Canceling an unknown coordinator is a no-op.
	require.NoError(t, rig.svc.CancelIfCommitNotYetStarted(context.Background(), "nope", 1))
}
