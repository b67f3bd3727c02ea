package twopc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvusdb/torvus/core/sharding"
	internaltelemetry "github.com/torvusdb/torvus/internal/telemetry"
	"github.com/torvusdb/torvus/pkg/executor"
	"github.com/torvusdb/torvus/pkg/future"
	"github.com/torvusdb/torvus/pkg/transport"
)

const defaultTargetMaxWait = 20 * time.Second

// ServiceEntryPoint is the in-process command entry point. Commands addressed
// to this node's own shard are handed here instead of crossing the network.
type ServiceEntryPoint interface {
	HandleRequest(ctx context.Context, request []byte) ([]byte, error)
}

// RemoteCommandExecutor is the network side of command dispatch. Both
// transport executors (HTTP/3 and pooled TCP) satisfy it.
type RemoteCommandExecutor interface {
	ScheduleRemoteCommand(req transport.CommandRequest, cb transport.CommandCallback) (transport.CommandHandle, error)
}

// CommandSetupFunc lets the caller derive the operation context a unit of
// work runs under, typically to attach a deadline. For remote commands the
// derived context's deadline also bounds the network round trip.
type CommandSetupFunc func(ctx context.Context) context.Context

// SchedulerEnv carries the process-wide services a scheduler dispatches
// against. All schedulers in one tree share the same env.
type SchedulerEnv struct {
	Pool         *executor.Pool
	Remote       RemoteCommandExecutor
	Shards       sharding.Registry
	LocalShardID sharding.ShardID
	EntryPoint   ServiceEntryPoint
	Logger       *zap.Logger
	Metrics      *internaltelemetry.TwoPCMetrics

	// TargetMaxWait bounds how long targeting waits for a healthy host.
	// Defaults to 20s.
	TargetMaxWait time.Duration
}

// AsyncWorkScheduler runs callables on the shared pool and dispatches
// commands to shards, tracking everything it started so the whole set can be
// interrupted at once. Schedulers form a tree: shutting one down cancels its
// operation contexts, its in-flight network commands, and, recursively, its
// children. A scheduler is quiescent when it has no active operation
// contexts, no in-flight commands, and no children; Join blocks until then.
type AsyncWorkScheduler struct {
	env    SchedulerEnv
	parent *AsyncWorkScheduler

	mu            sync.Mutex
	shutdownErr   error // sticky; nil while accepting work
	activeOpCtxs  map[*opContext]struct{}
	activeHandles map[transport.CommandHandle]struct{}
	children      map[*AsyncWorkScheduler]struct{}
	quiesced      chan struct{} // non-nil only while a joiner is waiting
}

type opContext struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewAsyncWorkScheduler creates a root scheduler over env.
func NewAsyncWorkScheduler(env SchedulerEnv) *AsyncWorkScheduler {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.TargetMaxWait <= 0 {
		env.TargetMaxWait = defaultTargetMaxWait
	}
	return &AsyncWorkScheduler{
		env:           env,
		activeOpCtxs:  make(map[*opContext]struct{}),
		activeHandles: make(map[transport.CommandHandle]struct{}),
		children:      make(map[*AsyncWorkScheduler]struct{}),
	}
}

// MakeChildScheduler creates a scheduler subordinate to s. A child born under
// an already shut down parent starts out shut down with the same reason.
func (s *AsyncWorkScheduler) MakeChildScheduler() *AsyncWorkScheduler {
	child := NewAsyncWorkScheduler(s.env)
	child.parent = s

	s.mu.Lock()
	if s.shutdownErr != nil {
		child.shutdownErr = s.shutdownErr
	}
	s.children[child] = struct{}{}
	s.mu.Unlock()
	return child
}

// ScheduleWork runs work on the shared pool under a cancelable operation
// context and returns a future for its result. If the scheduler shuts down
// while the work is running, the context is canceled with the shutdown
// reason, and a context.Canceled error coming back from the work is reported
// as that reason instead.
//
// The returned future settles only after the scheduler has stopped tracking
// the work, so a waiter woken by Join never observes it as outstanding.
func ScheduleWork[T any](s *AsyncWorkScheduler, work func(ctx context.Context) (T, error)) *future.Future[T] {
	s.mu.Lock()
	if s.shutdownErr != nil {
		err := s.shutdownErr
		s.mu.Unlock()
		return future.Rejected[T](err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	oc := &opContext{ctx: ctx, cancel: cancel}
	s.activeOpCtxs[oc] = struct{}{}
	s.mu.Unlock()

	p := future.NewPromise[T]()
	task := func() {
		val, err := work(oc.ctx)
		if err != nil {
			err = overrideWithCancelCause(oc.ctx, err)
		}
		oc.cancel(nil)

		s.mu.Lock()
		delete(s.activeOpCtxs, oc)
		s.notifyIfQuiescedLocked()
		s.mu.Unlock()

		p.Settle(val, err)
	}

	if err := s.env.Pool.Submit(task); err != nil {
		oc.cancel(nil)
		s.mu.Lock()
		delete(s.activeOpCtxs, oc)
		s.notifyIfQuiescedLocked()
		s.mu.Unlock()
		return future.Rejected[T](err)
	}
	return p.Future()
}

func overrideWithCancelCause(ctx context.Context, err error) error {
	if !errors.Is(err, context.Canceled) {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// ScheduleRemoteCommand delivers command to one host of shardID and returns a
// future for the reply. Commands addressed to this node's own shard never
// target a host: they run in process through the service entry point, which
// keeps coordinator and participant state transitions on the same branch of
// replicated history. Otherwise a host is resolved through the shard registry
// (waiting up to TargetMaxWait for one satisfying pref) and the command goes
// out over the network executor, with the host's health fed back from the
// outcome.
//
// setup, if non-nil, derives the operation context; a deadline it attaches
// also bounds the network round trip.
func (s *AsyncWorkScheduler) ScheduleRemoteCommand(shardID sharding.ShardID, pref sharding.ReadPreference, command []byte, setup CommandSetupFunc) *future.Future[transport.CommandResponse] {
	if shardID == s.env.LocalShardID {
		if m := s.env.Metrics; m != nil {
			m.LocalDispatchesCounter.Add(context.Background(), 1)
		}
		return ScheduleWork(s, func(ctx context.Context) (transport.CommandResponse, error) {
			if setup != nil {
				ctx = setup(ctx)
			}
			start := time.Now()
			reply, err := s.env.EntryPoint.HandleRequest(ctx, command)
			if err != nil {
				return transport.CommandResponse{}, err
			}
			return transport.CommandResponse{Payload: reply, Elapsed: time.Since(start)}, nil
		})
	}

	p := future.NewPromise[transport.CommandResponse]()
	s.targetHost(shardID, pref, setup).OnDone(func(target resolvedTarget, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		s.dispatchRemote(target, command, p)
	})
	return p.Future()
}

type resolvedTarget struct {
	host     string
	shard    sharding.Shard
	deadline time.Time
}

func (s *AsyncWorkScheduler) targetHost(shardID sharding.ShardID, pref sharding.ReadPreference, setup CommandSetupFunc) *future.Future[resolvedTarget] {
	return ScheduleWork(s, func(ctx context.Context) (resolvedTarget, error) {
		if setup != nil {
			ctx = setup(ctx)
		}
		shard, err := s.env.Shards.GetShard(shardID)
		if err != nil {
			return resolvedTarget{}, err
		}
		host, err := shard.Targeter().FindHostWithMaxWait(ctx, pref, s.env.TargetMaxWait)
		if err != nil {
			return resolvedTarget{}, err
		}
		target := resolvedTarget{host: host, shard: shard}
		if dl, ok := ctx.Deadline(); ok {
			target.deadline = dl
		}
		return target, nil
	})
}

// dispatchRemote hands the command to the network executor and tracks its
// handle until the callback fires. The response future settles only after the
// handle is untracked.
func (s *AsyncWorkScheduler) dispatchRemote(target resolvedTarget, command []byte, p *future.Promise[transport.CommandResponse]) {
	inner := future.NewPromise[transport.CommandResponse]()

	cb := func(resp transport.CommandResponse, err error) {
		if err != nil {
			target.shard.ReportHostStatus(target.host, err)
			if errors.Is(err, transport.ErrCommandCanceled) {
				s.mu.Lock()
				if s.shutdownErr != nil {
					err = s.shutdownErr
				}
				s.mu.Unlock()
			}
			inner.Reject(err)
			return
		}
		target.shard.ReportHostStatus(target.host, transport.CommandStatus(resp.Payload))
		target.shard.ReportHostStatus(target.host, transport.WriteConcernStatus(resp.Payload))
		inner.Resolve(resp)
	}

	req := transport.CommandRequest{Host: target.host, Payload: command}
	if !target.deadline.IsZero() {
		req.Timeout = time.Until(target.deadline)
	}

	s.mu.Lock()
	if s.shutdownErr != nil {
		err := s.shutdownErr
		s.mu.Unlock()
		p.Reject(err)
		return
	}
	handle, err := s.env.Remote.ScheduleRemoteCommand(req, cb)
	if err != nil {
		s.mu.Unlock()
		p.Reject(err)
		return
	}
	s.activeHandles[handle] = struct{}{}
	s.mu.Unlock()

	if m := s.env.Metrics; m != nil {
		m.RemoteCommandsCounter.Add(context.Background(), 1)
	}
	start := time.Now()

	inner.Future().OnDone(func(resp transport.CommandResponse, err error) {
		s.mu.Lock()
		delete(s.activeHandles, handle)
		s.notifyIfQuiescedLocked()
		s.mu.Unlock()

		if m := s.env.Metrics; m != nil && err == nil {
			m.RemoteCommandLatencyHistoMs.Record(context.Background(), time.Since(start).Milliseconds())
		}
		p.Settle(resp, err)
	})
}

// Shutdown interrupts everything the scheduler tree has in flight: active
// operation contexts are canceled with reason, in-flight commands are
// canceled, and children shut down recursively. Work is interrupted, never
// drained; callables still run to completion under their canceled contexts.
// The first reason sticks and later calls are no-ops. A nil reason is a
// caller bug.
func (s *AsyncWorkScheduler) Shutdown(reason error) {
	if reason == nil {
		panic("twopc: scheduler shutdown requires a reason")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownErr != nil {
		return
	}
	s.shutdownErr = reason
	s.env.Logger.Debug("Shutting down async work scheduler",
		zap.Int("activeWork", len(s.activeOpCtxs)),
		zap.Int("inFlightCommands", len(s.activeHandles)),
		zap.Int("children", len(s.children)),
		zap.Error(reason))

	for oc := range s.activeOpCtxs {
		oc.cancel(reason)
	}
	for h := range s.activeHandles {
		h.Cancel()
	}
	for child := range s.children {
		child.Shutdown(reason)
	}
}

// ShutdownStatus returns the shutdown reason, or nil while the scheduler is
// still accepting work.
func (s *AsyncWorkScheduler) ShutdownStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownErr
}

// Join blocks until the scheduler is quiescent. It does not prevent new work
// from being scheduled afterwards.
func (s *AsyncWorkScheduler) Join() {
	s.mu.Lock()
	ch := s.quiescedChanLocked()
	s.mu.Unlock()
	<-ch
}

// Close releases the scheduler and unlinks it from its parent. The scheduler
// must be quiescent; callers shut down and join first. Closing a busy
// scheduler is a caller bug and panics.
func (s *AsyncWorkScheduler) Close() {
	s.mu.Lock()
	if !s.quiescedLocked() {
		s.mu.Unlock()
		panic("twopc: scheduler closed before quiescing")
	}
	parent := s.parent
	s.parent = nil
	s.mu.Unlock()

	if parent == nil {
		return
	}
	// The child's lock is released before taking the parent's; shutdown
	// cascades parent to child under both locks, so acquiring them child
	// first here would invert the order.
	parent.mu.Lock()
	delete(parent.children, s)
	parent.notifyIfQuiescedLocked()
	parent.mu.Unlock()
}

func (s *AsyncWorkScheduler) quiescedLocked() bool {
	return len(s.activeOpCtxs) == 0 && len(s.activeHandles) == 0 && len(s.children) == 0
}

func (s *AsyncWorkScheduler) quiescedChanLocked() chan struct{} {
	if s.quiescedLocked() {
		return closedChan
	}
	if s.quiesced == nil {
		s.quiesced = make(chan struct{})
	}
	return s.quiesced
}

func (s *AsyncWorkScheduler) notifyIfQuiescedLocked() {
	if s.quiesced != nil && s.quiescedLocked() {
		close(s.quiesced)
		s.quiesced = nil
	}
}
