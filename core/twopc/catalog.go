package twopc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvusdb/torvus/pkg/executor"
)

const defaultJoinLogInterval = 5 * time.Second

// CoordinatorCatalog is the in-memory registry of this node's active
// transaction coordinators, keyed by session and transaction number. Reads
// and inserts are gated on the node's step-up into the coordinating role:
// they block until ExitStepUp delivers the recovery outcome, and fail with
// its error if recovery failed. Inserts made by the recovery task itself
// bypass the gate.
type CoordinatorCatalog struct {
	pool            *executor.Pool
	log             *zap.Logger
	joinLogInterval time.Duration

	// stepUpDone is closed by ExitStepUp; stepUpErr is only read after it.
	stepUpDone    chan struct{}
	stepUpSettled bool
	stepUpErr     error

	mu        sync.Mutex
	bySession map[SessionID]map[TxnNumber]Coordinator
	drained   chan struct{} // non-nil while the catalog is non-empty
}

// NewCoordinatorCatalog creates a catalog gated on a step-up that has not yet
// completed. Completion continuations run on pool.
func NewCoordinatorCatalog(pool *executor.Pool, log *zap.Logger) *CoordinatorCatalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &CoordinatorCatalog{
		pool:            pool,
		log:             log,
		joinLogInterval: defaultJoinLogInterval,
		stepUpDone:      make(chan struct{}),
		bySession:       make(map[SessionID]map[TxnNumber]Coordinator),
	}
}

// SetJoinLogInterval overrides how often Join logs the outstanding
// coordinators while waiting.
func (c *CoordinatorCatalog) SetJoinLogInterval(d time.Duration) {
	if d > 0 {
		c.joinLogInterval = d
	}
}

// ExitStepUp records the outcome of step-up recovery, exactly once, and
// releases every operation blocked on the gate. A nil status opens the
// catalog for normal traffic; a non-nil status makes gated operations fail
// with it until the next term.
func (c *CoordinatorCatalog) ExitStepUp(status error) {
	if status == nil {
		c.log.Info("Incoming coordinateCommit requests are now enabled")
	} else {
		c.log.Warn("Coordinator recovery failed and coordinateCommit requests will not be allowed",
			zap.Error(status))
	}

	c.mu.Lock()
	if c.stepUpSettled {
		c.mu.Unlock()
		panic("twopc: catalog step-up outcome delivered twice")
	}
	c.stepUpSettled = true
	c.stepUpErr = status
	close(c.stepUpDone)
	c.mu.Unlock()
}

func (c *CoordinatorCatalog) waitForStepUp(ctx context.Context) error {
	select {
	case <-c.stepUpDone:
		return c.stepUpErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert registers a coordinator under (sid, txn). Registering a duplicate is
// a caller bug and panics. forStepUp inserts bypass the step-up gate; all
// others block on it. The catalog removes the entry on its own once the
// coordinator's completion future settles.
func (c *CoordinatorCatalog) Insert(ctx context.Context, sid SessionID, txn TxnNumber, coordinator Coordinator, forStepUp bool) error {
	c.log.Debug("Inserting coordinator into in-memory catalog",
		zap.String("sessionId", string(sid)),
		zap.Int64("txnNumber", int64(txn)))

	if !forStepUp {
		if err := c.waitForStepUp(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	forSession, ok := c.bySession[sid]
	if !ok {
		forSession = make(map[TxnNumber]Coordinator)
		c.bySession[sid] = forSession
	}
	if _, exists := forSession[txn]; exists {
		c.mu.Unlock()
		panic(fmt.Sprintf("twopc: coordinator already registered for session %s txn %d", sid, txn))
	}
	forSession[txn] = coordinator
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	c.mu.Unlock()

	// The removal continuation is registered outside the lock and runs on
	// the pool, never inline: a coordinator that has already completed would
	// otherwise re-enter the catalog on this same call stack.
	coordinator.OnCompletion().OnDone(func(Decision, error) {
		if err := c.pool.Submit(func() { c.remove(sid, txn) }); err != nil {
			go c.remove(sid, txn)
		}
	})
	return nil
}

// Get returns the coordinator registered under (sid, txn), or nil if there is
// none. Blocks on the step-up gate.
func (c *CoordinatorCatalog) Get(ctx context.Context, sid SessionID, txn TxnNumber) (Coordinator, error) {
	if err := c.waitForStepUp(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySession[sid][txn], nil
}

// LatestOnSession returns the coordinator with the numerically greatest
// transaction number on sid, or ok=false if the session has none. Blocks on
// the step-up gate.
func (c *CoordinatorCatalog) LatestOnSession(ctx context.Context, sid SessionID) (TxnNumber, Coordinator, bool, error) {
	if err := c.waitForStepUp(ctx); err != nil {
		return 0, nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	forSession, ok := c.bySession[sid]
	if !ok {
		return 0, nil, false, nil
	}
	if len(forSession) == 0 {
		panic("twopc: session registered with no coordinators")
	}

	var (
		latest TxnNumber
		coord  Coordinator
		first  = true
	)
	for txn, co := range forSession {
		if first || txn > latest {
			latest, coord = txn, co
			first = false
		}
	}
	return latest, coord, true, nil
}

func (c *CoordinatorCatalog) remove(sid SessionID, txn TxnNumber) {
	c.log.Debug("Removing coordinator from in-memory catalog",
		zap.String("sessionId", string(sid)),
		zap.Int64("txnNumber", int64(txn)))

	c.mu.Lock()
	defer c.mu.Unlock()

	forSession, ok := c.bySession[sid]
	if !ok {
		return
	}
	if _, ok := forSession[txn]; !ok {
		return
	}
	delete(forSession, txn)
	// The session entry goes in the same step that empties it, so no reader
	// ever observes a session holding zero coordinators.
	if len(forSession) == 0 {
		delete(c.bySession, sid)
	}
	if len(c.bySession) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// OnStepDown cancels every registered coordinator that has not yet started
// committing. Cancellation runs outside the catalog lock; a coordinator that
// completes synchronously schedules its own removal without deadlocking.
func (c *CoordinatorCatalog) OnStepDown() {
	c.mu.Lock()
	var toCancel []Coordinator
	for _, forSession := range c.bySession {
		for _, co := range forSession {
			toCancel = append(toCancel, co)
		}
	}
	c.mu.Unlock()

	for _, co := range toCancel {
		co.CancelIfCommitNotYetStarted()
	}
}

// Join blocks until the catalog is empty, periodically logging which
// coordinators are still outstanding.
func (c *CoordinatorCatalog) Join() {
	for {
		c.mu.Lock()
		if len(c.bySession) == 0 {
			c.mu.Unlock()
			return
		}
		drained := c.drained
		sessions := len(c.bySession)
		dump := c.stringLocked()
		c.mu.Unlock()

		select {
		case <-drained:
			// Loop to re-check; an insert may have repopulated the catalog.
		case <-time.After(c.joinLogInterval):
			c.log.Info("Still waiting for transaction coordinators to complete",
				zap.Int("sessions", sessions),
				zap.String("coordinators", dump))
		}
	}
}

// String renders the catalog contents for diagnostics.
func (c *CoordinatorCatalog) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stringLocked()
}

func (c *CoordinatorCatalog) stringLocked() string {
	sids := make([]SessionID, 0, len(c.bySession))
	for sid := range c.bySession {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	var sb strings.Builder
	sb.WriteString("[")
	for _, sid := range sids {
		forSession := c.bySession[sid]
		txns := make([]TxnNumber, 0, len(forSession))
		for txn := range forSession {
			txns = append(txns, txn)
		}
		sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })

		fmt.Fprintf(&sb, " %s:", sid)
		for _, txn := range txns {
			fmt.Fprintf(&sb, " %d", txn)
		}
	}
	sb.WriteString(" ]")
	return sb.String()
}
