package twopc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvusdb/torvus/core/coordstore"
	"github.com/torvusdb/torvus/core/sharding"
	"github.com/torvusdb/torvus/pkg/future"
	"github.com/torvusdb/torvus/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Wire command names understood by participant shards.
const (
	CmdPrepareTransaction = "prepareTransaction"
	CmdCommitTransaction  = "commitTransaction"
	CmdAbortTransaction   = "abortTransaction"
)

// CommandBody is the JSON payload of the participant commands the coordinator
// dispatches.
type CommandBody struct {
	Name      string `json:"cmd"`
	SessionID string `json:"sessionId"`
	TxnNumber int64  `json:"txnNumber"`
}

func encodeCommand(name string, sid SessionID, txn TxnNumber) []byte {
	payload, err := json.Marshal(CommandBody{
		Name:      name,
		SessionID: string(sid),
		TxnNumber: int64(txn),
	})
	if err != nil {
		panic("twopc: command body does not marshal: " + err.Error())
	}
	return payload
}

// TransactionCoordinator drives one transaction's two-phase commit: persist
// the participant list, gather prepare votes, persist and deliver the
// decision, then clean up the durable state. All of its work runs on a
// scheduler dedicated to this transaction so cancellation never leaks into a
// neighbor.
//
// Until RunCommit delivers a participant list, the coordinator can be
// canceled (by a supersede, a step-down, or its commit deadline). Once the
// list has arrived the commit runs to a decision no matter what, though a
// scheduler shutdown will still interrupt the individual steps.
type TransactionCoordinator struct {
	sid   SessionID
	txn   TxnNumber
	sched *AsyncWorkScheduler
	store coordstore.Store
	log   *zap.Logger

	decisionP   *future.Promise[Decision]
	completionP *future.Promise[Decision]

	mu            sync.Mutex
	started       bool
	canceled      bool
	deadlineTimer *time.Timer
}

// NewTransactionCoordinator creates a coordinator owning sched. The scheduler
// is shut down, joined, and closed once the coordinator completes. A non-zero
// commitDeadline cancels the coordinator if no participant list arrives by
// then.
func NewTransactionCoordinator(sid SessionID, txn TxnNumber, sched *AsyncWorkScheduler, store coordstore.Store, commitDeadline time.Time) *TransactionCoordinator {
	c := &TransactionCoordinator{
		sid:   sid,
		txn:   txn,
		sched: sched,
		store: store,
		log: sched.env.Logger.With(
			zap.String("sessionId", string(sid)),
			zap.Int64("txnNumber", int64(txn))),
		decisionP:   future.NewPromise[Decision](),
		completionP: future.NewPromise[Decision](),
	}

	c.completionP.Future().OnDone(func(Decision, error) {
		// Tear down the dedicated scheduler once nothing can schedule on it
		// anymore. Interrupted work may still be unwinding, so this cannot
		// run inline on the settling goroutine.
		go func() {
			c.sched.Shutdown(errCoordinatorFinished)
			c.sched.Join()
			c.sched.Close()
		}()
	})

	if !commitDeadline.IsZero() {
		wait := time.Until(commitDeadline)
		if wait < 0 {
			wait = 0
		}
		c.deadlineTimer = time.AfterFunc(wait, func() {
			c.cancel(ErrCommitDeadlineExpired)
		})
	}
	return c
}

// OnDecision settles as soon as the commit/abort decision is durable, before
// delivery to the participants. Callers answering a client wait on this.
func (c *TransactionCoordinator) OnDecision() *future.Future[Decision] {
	return c.decisionP.Future()
}

// OnCompletion implements Coordinator. It settles after the decision has been
// delivered and the durable state removed, or with the error that stopped the
// coordinator.
func (c *TransactionCoordinator) OnCompletion() *future.Future[Decision] {
	return c.completionP.Future()
}

// CancelIfCommitNotYetStarted implements Coordinator.
func (c *TransactionCoordinator) CancelIfCommitNotYetStarted() {
	c.cancel(ErrCoordinatorCanceled)
}

func (c *TransactionCoordinator) cancel(reason error) {
	c.mu.Lock()
	if c.started || c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	timer := c.deadlineTimer
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.log.Debug("Canceling transaction coordinator before commit started", zap.Error(reason))

	c.sched.Shutdown(reason)
	c.decisionP.Reject(reason)
	c.completionP.Reject(reason)
}

// RunCommit delivers the participant list and starts driving the commit. The
// first delivery wins; repeat calls are no-ops. Returns false if the
// coordinator was canceled before any list arrived.
func (c *TransactionCoordinator) RunCommit(participants []sharding.ShardID) bool {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return false
	}
	if c.started {
		c.mu.Unlock()
		return true
	}
	c.started = true
	timer := c.deadlineTimer
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.log.Debug("Coordinator received participant list",
		zap.Int("participants", len(participants)))

	c.persistParticipants(participants)
	return true
}

func (c *TransactionCoordinator) persistParticipants(participants []sharding.ShardID) {
	fut := ScheduleWork(c.sched, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.PutParticipants(ctx, string(c.sid), int64(c.txn), shardIDStrings(participants))
	})
	fut.OnDone(func(_ struct{}, err error) {
		if err != nil {
			c.failBeforeDecision(err)
			return
		}
		c.runPrepare(participants)
	})
}

// runPrepare fans prepareTransaction out to every participant on a child
// scheduler and derives the decision from the votes: commit only if every
// participant acknowledged, abort on the first dissent or dispatch failure.
func (c *TransactionCoordinator) runPrepare(participants []sharding.ShardID) {
	child := c.sched.MakeChildScheduler()
	command := encodeCommand(CmdPrepareTransaction, c.sid, c.txn)

	futs := make([]*future.Future[transport.CommandResponse], len(participants))
	for i, shardID := range participants {
		futs[i] = child.ScheduleRemoteCommand(shardID, sharding.ReadPrimary, command, nil)
	}

	future.WhenAll(futs...).OnDone(func(resps []transport.CommandResponse, err error) {
		releaseChild(child)

		decision := DecisionCommit
		if err != nil {
			c.log.Info("Aborting transaction: prepare did not reach all participants", zap.Error(err))
			decision = DecisionAbort
		} else {
			for i, resp := range resps {
				if voteErr := transport.CommandStatus(resp.Payload); voteErr != nil {
					c.log.Info("Aborting transaction: participant voted to abort",
						zap.String("shard", string(participants[i])),
						zap.Error(voteErr))
					decision = DecisionAbort
					break
				}
			}
		}
		c.recordDecision(decision, participants)
	})
}

func (c *TransactionCoordinator) recordDecision(decision Decision, participants []sharding.ShardID) {
	fut := ScheduleWork(c.sched, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.RecordDecision(ctx, string(c.sid), int64(c.txn), string(decision))
	})
	fut.OnDone(func(_ struct{}, err error) {
		if err != nil {
			c.failBeforeDecision(err)
			return
		}
		if m := c.sched.env.Metrics; m != nil {
			m.CommitDecisionsCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("decision", string(decision))))
		}
		c.decisionP.Resolve(decision)
		c.deliverDecision(decision, participants)
	})
}

// deliverDecision sends commitTransaction or abortTransaction to every
// participant, again on a child scheduler, and removes the durable document
// once all acknowledged.
func (c *TransactionCoordinator) deliverDecision(decision Decision, participants []sharding.ShardID) {
	name := CmdCommitTransaction
	if decision == DecisionAbort {
		name = CmdAbortTransaction
	}
	child := c.sched.MakeChildScheduler()
	command := encodeCommand(name, c.sid, c.txn)

	futs := make([]*future.Future[transport.CommandResponse], len(participants))
	for i, shardID := range participants {
		futs[i] = child.ScheduleRemoteCommand(shardID, sharding.ReadPrimary, command, nil)
	}

	future.WhenAll(futs...).OnDone(func(_ []transport.CommandResponse, err error) {
		releaseChild(child)
		if err != nil {
			// The decision stands and its document survives; the next term's
			// recovery re-delivers it.
			c.log.Warn("Decision delivery did not reach all participants", zap.Error(err))
			c.completionP.Reject(err)
			return
		}
		c.removeDocument(decision)
	})
}

func (c *TransactionCoordinator) removeDocument(decision Decision) {
	fut := ScheduleWork(c.sched, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.Remove(ctx, string(c.sid), int64(c.txn))
	})
	fut.OnDone(func(_ struct{}, err error) {
		if err != nil {
			c.log.Warn("Failed to remove coordinator document", zap.Error(err))
			c.completionP.Reject(err)
			return
		}
		c.log.Debug("Transaction coordination complete", zap.String("decision", string(decision)))
		c.completionP.Resolve(decision)
	})
}

// failBeforeDecision settles both futures with err. Only called from points
// where the decision future has not been settled yet.
func (c *TransactionCoordinator) failBeforeDecision(err error) {
	c.log.Warn("Transaction coordination failed before a decision was reached", zap.Error(err))
	c.decisionP.Reject(err)
	c.completionP.Reject(err)
}

// releaseChild retires a child scheduler whose scheduled futures have all
// settled. Settling happens after untracking, so the child is quiescent and
// Join returns immediately.
func releaseChild(child *AsyncWorkScheduler) {
	child.Join()
	child.Close()
}

func shardIDStrings(ids []sharding.ShardID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
