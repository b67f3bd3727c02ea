package twopc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torvusdb/torvus/core/sharding"
	"github.com/torvusdb/torvus/pkg/executor"
	"github.com/torvusdb/torvus/pkg/future"
	"github.com/torvusdb/torvus/pkg/transport"
)

const testLocalShard sharding.ShardID = "local-shard"

type entryFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f entryFunc) HandleRequest(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

type fakeHandle struct {
	once   sync.Once
	cancel func()
}

func (h *fakeHandle) Cancel() {
	h.once.Do(h.cancel)
}

// fakeRemote answers scheduled commands from a test-provided handler on its
// own goroutine. A nil handler hangs the command until its handle is
// canceled.
type fakeRemote struct {
	mu       sync.Mutex
	handler  func(transport.CommandRequest) (transport.CommandResponse, error)
	requests []transport.CommandRequest
}

func (r *fakeRemote) setHandler(h func(transport.CommandRequest) (transport.CommandResponse, error)) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *fakeRemote) sentRequests() []transport.CommandRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.CommandRequest(nil), r.requests...)
}

func (r *fakeRemote) ScheduleRemoteCommand(req transport.CommandRequest, cb transport.CommandCallback) (transport.CommandHandle, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	handler := r.handler
	r.mu.Unlock()

	canceled := make(chan struct{})
	handle := &fakeHandle{cancel: func() { close(canceled) }}
	go func() {
		if handler == nil {
			<-canceled
			cb(transport.CommandResponse{}, transport.ErrCommandCanceled)
			return
		}
		select {
		case <-canceled:
			cb(transport.CommandResponse{}, transport.ErrCommandCanceled)
		default:
			cb(handler(req))
		}
	}()
	return handle, nil
}

func okHandler(req transport.CommandRequest) (transport.CommandResponse, error) {
	return transport.CommandResponse{Payload: transport.OKReply(nil), Elapsed: time.Millisecond}, nil
}

func newTestEnv(t *testing.T) (SchedulerEnv, *fakeRemote, *sharding.MapRegistry) {
	t.Helper()

	pool := executor.NewPool(executor.Config{Workers: 4, QueueDepth: 64})
	t.Cleanup(pool.Shutdown)

	remote := &fakeRemote{handler: okHandler}
	registry := sharding.NewMapRegistry(sharding.RegistryConfig{
		HostDownCooldown:    time.Minute,
		TargetRetryInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	env := SchedulerEnv{
		Pool:         pool,
		Remote:       remote,
		Shards:       registry,
		LocalShardID: testLocalShard,
		EntryPoint: entryFunc(func(ctx context.Context, request []byte) ([]byte, error) {
			return transport.OKReply(nil), nil
		}),
		Logger:        zap.NewNop(),
		TargetMaxWait: 250 * time.Millisecond,
	}
	return env, remote, registry
}

func awaitSettled[T any](t *testing.T, fut *future.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future never settled")
	}
	return fut.Get(context.Background())
}

func requireReturns(t *testing.T, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", name)
	}
}

func TestScheduleWork_RunsAndSettles(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	val, err := awaitSettled(t, fut)
	require.NoError(t, err)
	require.Equal(t, 42, val)

	requireReturns(t, "Join", sched.Join)
	sched.Close()
}

func TestScheduleWork_RejectedAfterShutdown(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	reason := errors.New("term over")
	sched.Shutdown(reason)

	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		t.Error("work ran on a shut down scheduler")
		return 0, nil
	})
	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, reason)
	sched.Close()
}

func TestScheduleWork_ShutdownReasonReplacesCancellation(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	running := make(chan struct{})
	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		close(running)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-running

	reason := errors.New("stepping down for term 7")
	sched.Shutdown(reason)

	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, reason)
	require.NotErrorIs(t, err, context.Canceled)

	requireReturns(t, "Join", sched.Join)
	sched.Close()
}

func TestScheduleWork_NonCancellationErrorsPassThrough(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	boom := errors.New("boom")
	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, boom)

	sched.Join()
	sched.Close()
}

func TestScheduleRemoteCommand_LocalShardNeverTargets(t *testing.T) {
	env, remote, _ := newTestEnv(t)
	// The registry knows no shards at all; only in-process dispatch can
	// possibly succeed.
	var gotRequest []byte
	var mu sync.Mutex
	env.EntryPoint = entryFunc(func(ctx context.Context, request []byte) ([]byte, error) {
		mu.Lock()
		gotRequest = request
		mu.Unlock()
		return transport.OKReply(nil), nil
	})
	sched := NewAsyncWorkScheduler(env)

	fut := sched.ScheduleRemoteCommand(testLocalShard, sharding.ReadPrimary, []byte(`{"cmd":"x"}`), nil)
	resp, err := awaitSettled(t, fut)
	require.NoError(t, err)
	require.NoError(t, transport.CommandStatus(resp.Payload))

	mu.Lock()
	require.JSONEq(t, `{"cmd":"x"}`, string(gotRequest))
	mu.Unlock()
	require.Empty(t, remote.sentRequests(), "local dispatch must not touch the network")

	sched.Join()
	sched.Close()
}

func TestScheduleRemoteCommand_RemoteDispatch(t *testing.T) {
	env, remote, registry := newTestEnv(t)
	registry.SetShardHosts("shard1", []string{"shard1-a:7000", "shard1-b:7000"})
	sched := NewAsyncWorkScheduler(env)

	fut := sched.ScheduleRemoteCommand("shard1", sharding.ReadPrimary, []byte(`{"cmd":"y"}`), nil)
	resp, err := awaitSettled(t, fut)
	require.NoError(t, err)
	require.NoError(t, transport.CommandStatus(resp.Payload))

	reqs := remote.sentRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, "shard1-a:7000", reqs[0].Host)

	sched.Join()
	sched.Close()
}

func TestScheduleRemoteCommand_SetupDeadlineBoundsRoundTrip(t *testing.T) {
	env, remote, registry := newTestEnv(t)
	registry.SetShardHosts("shard1", []string{"shard1-a:7000"})
	sched := NewAsyncWorkScheduler(env)

	setup := func(ctx context.Context) context.Context {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		t.Cleanup(cancel)
		return ctx
	}
	fut := sched.ScheduleRemoteCommand("shard1", sharding.ReadPrimary, []byte(`{}`), setup)
	_, err := awaitSettled(t, fut)
	require.NoError(t, err)

	reqs := remote.sentRequests()
	require.Len(t, reqs, 1)
	require.Greater(t, reqs[0].Timeout, 30*time.Second)
	require.LessOrEqual(t, reqs[0].Timeout, time.Minute)

	sched.Join()
	sched.Close()
}

func TestScheduleRemoteCommand_TargetingFailureRejects(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	fut := sched.ScheduleRemoteCommand("no-such-shard", sharding.ReadPrimary, []byte(`{}`), nil)
	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, sharding.ErrShardNotFound)

	sched.Join()
	sched.Close()
}

func TestScheduleRemoteCommand_TransportFailureMarksHostDown(t *testing.T) {
	env, remote, registry := newTestEnv(t)
	registry.SetShardHosts("shard1", []string{"shard1-a:7000"})
	remote.setHandler(func(transport.CommandRequest) (transport.CommandResponse, error) {
		return transport.CommandResponse{}, errors.New("connection refused")
	})
	sched := NewAsyncWorkScheduler(env)

	for i := 0; i < 2; i++ {
		fut := sched.ScheduleRemoteCommand("shard1", sharding.ReadPrimary, []byte(`{}`), nil)
		_, err := awaitSettled(t, fut)
		require.Error(t, err)
	}

	// Two consecutive failures put the only host into its down cooldown, so
	// targeting now times out within TargetMaxWait.
	fut := sched.ScheduleRemoteCommand("shard1", sharding.ReadPrimary, []byte(`{}`), nil)
	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, sharding.ErrNoHostFound)

	sched.Join()
	sched.Close()
}

// A root scheduler's shutdown reaches through a child to interrupt both its
// blocked callables and its in-flight network commands, and the whole tree
// then quiesces.
func TestShutdown_CascadesThroughChildren(t *testing.T) {
	env, remote, registry := newTestEnv(t)
	registry.SetShardHosts("shard1", []string{"shard1-a:7000"})
	remote.setHandler(nil) // commands hang until canceled

	root := NewAsyncWorkScheduler(env)
	child := root.MakeChildScheduler()

	running := make(chan struct{})
	blockedWork := ScheduleWork(child, func(ctx context.Context) (int, error) {
		close(running)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	hungCommand := child.ScheduleRemoteCommand("shard1", sharding.ReadPrimary, []byte(`{}`), nil)
	<-running

	// Give the command time to pass targeting and reach the network.
	require.Eventually(t, func() bool {
		return len(remote.sentRequests()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	reason := errors.New("stepping down")
	root.Shutdown(reason)

	_, err := awaitSettled(t, blockedWork)
	require.ErrorIs(t, err, reason)
	_, err = awaitSettled(t, hungCommand)
	require.ErrorIs(t, err, reason)

	requireReturns(t, "child Join", child.Join)
	child.Close()
	requireReturns(t, "root Join", root.Join)
	root.Close()
}

func TestJoin_WaitsForOutstandingWork(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	release := make(chan struct{})
	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	joined := make(chan struct{})
	go func() {
		sched.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while work was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	awaitSettled(t, fut)

	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		t.Fatal("Join never returned")
	}
	sched.Close()
}

func TestClose_PanicsWhileBusy(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	release := make(chan struct{})
	fut := ScheduleWork(sched, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	require.Panics(t, func() { sched.Close() })

	close(release)
	awaitSettled(t, fut)
	sched.Join()
	sched.Close()
}

func TestMakeChildScheduler_BornUnderShutDownParent(t *testing.T) {
	env, _, _ := newTestEnv(t)
	root := NewAsyncWorkScheduler(env)

	reason := errors.New("already over")
	root.Shutdown(reason)

	child := root.MakeChildScheduler()
	fut := ScheduleWork(child, func(ctx context.Context) (int, error) {
		t.Error("work ran on a child born shut down")
		return 0, nil
	})
	_, err := awaitSettled(t, fut)
	require.ErrorIs(t, err, reason)

	child.Close()
	requireReturns(t, "root Join", root.Join)
	root.Close()
}

func TestShutdown_FirstReasonSticks(t *testing.T) {
	env, _, _ := newTestEnv(t)
	sched := NewAsyncWorkScheduler(env)

	first := errors.New("first")
	sched.Shutdown(first)
	sched.Shutdown(errors.New("second"))
	require.ErrorIs(t, sched.ShutdownStatus(), first)

	require.Panics(t, func() { sched.Shutdown(nil) })
	sched.Close()
}
