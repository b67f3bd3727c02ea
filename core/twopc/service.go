package twopc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvusdb/torvus/core/coordstore"
	"github.com/torvusdb/torvus/core/sharding"
	internaltelemetry "github.com/torvusdb/torvus/internal/telemetry"
	"github.com/torvusdb/torvus/pkg/executor"
	"github.com/torvusdb/torvus/pkg/future"
)

// ServiceDeps carries everything the coordinator service dispatches against.
type ServiceDeps struct {
	Pool       *executor.Pool
	Remote     RemoteCommandExecutor
	Shards     sharding.Registry
	Identity   sharding.Identity
	EntryPoint ServiceEntryPoint
	Store      coordstore.Store
	Logger     *zap.Logger
	Metrics    *internaltelemetry.TwoPCMetrics

	// TargetMaxWait bounds shard host targeting. Defaults to 20s.
	TargetMaxWait time.Duration
}

// CoordinatorService owns the per-term catalog and scheduler pair and maps
// leadership transitions onto them. Each term of the coordinating role gets a
// fresh pair; stepping down interrupts the old pair, whose teardown is joined
// at the start of the next step-up so terms never overlap.
type CoordinatorService struct {
	deps         ServiceDeps
	log          *zap.Logger
	localShardID sharding.ShardID

	mu        sync.Mutex
	active    *catalogAndScheduler
	toCleanup *catalogAndScheduler

	// createMu serializes the supersede check with the catalog insert.
	// Without it two concurrent creates for the same (session, txn) could
	// both pass the check and the loser would trip the catalog's
	// duplicate-insert panic.
	createMu sync.Mutex
}

type catalogAndScheduler struct {
	scheduler *AsyncWorkScheduler
	catalog   *CoordinatorCatalog
	recovery  *future.Future[struct{}]
}

// NewCoordinatorService creates a service that is not yet coordinating;
// OnStepUp activates it.
func NewCoordinatorService(deps ServiceDeps) (*CoordinatorService, error) {
	localShardID, err := deps.Identity.LocalShardID()
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &CoordinatorService{
		deps:         deps,
		log:          deps.Logger,
		localShardID: localShardID,
	}, nil
}

// OnStepUp activates the service for a new term of the coordinating role. It
// first joins the previous term's teardown, then installs a fresh catalog and
// scheduler and kicks off recovery: every persisted coordinator document is
// re-registered and its commit re-driven. The catalog's step-up gate opens
// (or fails) with the recovery outcome. OnStepUp itself does not wait for
// recovery; the recovery task runs under the new scheduler's own context, so
// the step-up context is deliberately not threaded through.
func (s *CoordinatorService) OnStepUp(_ context.Context) {
	s.JoinPreviousRound()

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.log.Warn("Step-up requested while already coordinating; ignoring")
		return
	}

	cas := &catalogAndScheduler{
		scheduler: NewAsyncWorkScheduler(SchedulerEnv{
			Pool:          s.deps.Pool,
			Remote:        s.deps.Remote,
			Shards:        s.deps.Shards,
			LocalShardID:  s.localShardID,
			EntryPoint:    s.deps.EntryPoint,
			Logger:        s.deps.Logger,
			Metrics:       s.deps.Metrics,
			TargetMaxWait: s.deps.TargetMaxWait,
		}),
		catalog: NewCoordinatorCatalog(s.deps.Pool, s.deps.Logger),
	}

	recoveryDone := future.NewPromise[struct{}]()
	cas.recovery = recoveryDone.Future()
	s.active = cas
	s.mu.Unlock()

	s.log.Info("Stepping up to the transaction coordinating role")

	ScheduleWork(cas.scheduler, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.recoverPendingCommits(ctx, cas)
	}).OnDone(func(_ struct{}, err error) {
		cas.catalog.ExitStepUp(err)
		recoveryDone.Resolve(struct{}{})
	})
}

// recoverPendingCommits re-registers every persisted coordinator and resumes
// its commit with the recorded participant list.
func (s *CoordinatorService) recoverPendingCommits(ctx context.Context, cas *catalogAndScheduler) error {
	docs, err := s.deps.Store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("twopc: load pending coordinator documents: %w", err)
	}
	s.log.Info("Need to resume coordinating commit for transactions with an in-progress two-phase commit",
		zap.Int("count", len(docs)))

	for _, doc := range docs {
		sid := SessionID(doc.SessionID)
		txn := TxnNumber(doc.TxnNumber)

		coord := s.newCoordinator(cas, sid, txn, time.Time{})
		if err := cas.catalog.Insert(ctx, sid, txn, coord, true); err != nil {
			return err
		}

		participants := make([]sharding.ShardID, 0, len(doc.ParticipantList()))
		for _, p := range doc.ParticipantList() {
			participants = append(participants, sharding.ShardID(p))
		}
		coord.RunCommit(participants)
	}
	return nil
}

// OnStepDown deactivates the service: the term's scheduler tree is shut down
// with ErrSteppingDown and every coordinator that has not started committing
// is canceled. The interrupted term's teardown is deferred to the next
// step-up (or Shutdown), which joins it.
func (s *CoordinatorService) OnStepDown() {
	s.mu.Lock()
	cas := s.active
	if cas == nil {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.toCleanup = cas
	s.mu.Unlock()

	s.log.Info("Stepping down from the transaction coordinating role")
	cas.scheduler.Shutdown(ErrSteppingDown)
	cas.catalog.OnStepDown()
}

// JoinPreviousRound blocks until the previous term's catalog has drained and
// its scheduler has quiesced. No-op if there is nothing to clean up.
func (s *CoordinatorService) JoinPreviousRound() {
	s.mu.Lock()
	cas := s.toCleanup
	s.toCleanup = nil
	s.mu.Unlock()

	if cas == nil {
		return
	}
	// Recovery may still be registering coordinators; wait for it before
	// draining the catalog, so nothing slips in after the drain.
	cas.recovery.Get(context.Background())
	cas.catalog.Join()
	cas.scheduler.Join()
	cas.scheduler.Close()
}

// Shutdown steps the service down and joins all outstanding activity. Used
// at process exit.
func (s *CoordinatorService) Shutdown() {
	s.OnStepDown()
	s.JoinPreviousRound()
}

func (s *CoordinatorService) activeCatalogAndScheduler() (*catalogAndScheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNotLeader
	}
	return s.active, nil
}

func (s *CoordinatorService) newCoordinator(cas *catalogAndScheduler, sid SessionID, txn TxnNumber, commitDeadline time.Time) *TransactionCoordinator {
	coord := NewTransactionCoordinator(sid, txn, cas.scheduler.MakeChildScheduler(), s.deps.Store, commitDeadline)
	if m := s.deps.Metrics; m != nil {
		m.CoordinatorsCreatedCounter.Add(context.Background(), 1)
		m.ActiveCoordinatorsUpDown.Add(context.Background(), 1)
		coord.OnCompletion().OnDone(func(Decision, error) {
			m.ActiveCoordinatorsUpDown.Add(context.Background(), -1)
		})
	}
	return coord
}

// CreateCoordinator registers a coordinator for (sid, txn). A newer
// transaction number supersedes the session's current latest, canceling it if
// its commit has not started; a number at or below the latest is rejected
// with ErrTransactionTooOld. commitDeadline, if non-zero, bounds how long the
// coordinator waits for its participant list.
func (s *CoordinatorService) CreateCoordinator(ctx context.Context, sid SessionID, txn TxnNumber, commitDeadline time.Time) error {
	cas, err := s.activeCatalogAndScheduler()
	if err != nil {
		return err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	latestTxn, latest, ok, err := cas.catalog.LatestOnSession(ctx, sid)
	if err != nil {
		return err
	}
	if ok {
		if latestTxn >= txn {
			return fmt.Errorf("%w: session %s is already at transaction %d", ErrTransactionTooOld, sid, latestTxn)
		}
		latest.CancelIfCommitNotYetStarted()
	}

	coord := s.newCoordinator(cas, sid, txn, commitDeadline)
	if err := cas.catalog.Insert(ctx, sid, txn, coord, false); err != nil {
		coord.CancelIfCommitNotYetStarted()
		return err
	}
	return nil
}

// CoordinateCommit delivers the participant list to the coordinator for
// (sid, txn) and returns its decision future, or found=false if no such
// coordinator exists (e.g. it was superseded or this node just stepped up
// without a document for it).
func (s *CoordinatorService) CoordinateCommit(ctx context.Context, sid SessionID, txn TxnNumber, participants []sharding.ShardID) (*future.Future[Decision], bool, error) {
	cas, err := s.activeCatalogAndScheduler()
	if err != nil {
		return nil, false, err
	}
	entry, err := cas.catalog.Get(ctx, sid, txn)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	coord := entry.(*TransactionCoordinator)
	coord.RunCommit(participants)
	return coord.OnDecision(), true, nil
}

// RecoverCommit returns the decision future of an existing coordinator
// without delivering a participant list, for clients re-asking after a
// retryable error.
func (s *CoordinatorService) RecoverCommit(ctx context.Context, sid SessionID, txn TxnNumber) (*future.Future[Decision], bool, error) {
	cas, err := s.activeCatalogAndScheduler()
	if err != nil {
		return nil, false, err
	}
	entry, err := cas.catalog.Get(ctx, sid, txn)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	coord := entry.(*TransactionCoordinator)
	return coord.OnDecision(), true, nil
}

// CancelIfCommitNotYetStarted cancels the coordinator for (sid, txn) if it
// exists and has not begun committing.
func (s *CoordinatorService) CancelIfCommitNotYetStarted(ctx context.Context, sid SessionID, txn TxnNumber) error {
	cas, err := s.activeCatalogAndScheduler()
	if err != nil {
		return err
	}
	entry, err := cas.catalog.Get(ctx, sid, txn)
	if err != nil {
		return err
	}
	if entry != nil {
		entry.CancelIfCommitNotYetStarted()
	}
	return nil
}
