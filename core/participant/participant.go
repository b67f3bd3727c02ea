// Package participant implements the shard-local side of cross-shard
// two-phase commit: it tracks each transaction's state on this shard, votes
// on prepareTransaction, and applies commit or abort decisions. Its Manager
// doubles as the in-process service entry point that coordinators use when a
// transaction's participant is the coordinating shard itself.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/torvusdb/torvus/pkg/transport"
)

// State is the participant-side lifecycle of one transaction.
type State int

const (
	// StateRunning: the transaction is active and operations are applied.
	StateRunning State = iota
	// StatePrepared: the shard voted commit and awaits the global decision.
	StatePrepared
	// StateCommitted: the commit decision was applied.
	StateCommitted
	// StateAborted: the abort decision was applied, or the shard voted abort.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error codes carried in command reply envelopes.
const (
	CodeNoSuchTransaction   = 251
	CodeTransactionAborted  = 252
	CodePreparedConflict    = 253
	CodeUnrecognizedCommand = 59
)

// Hooks let the storage engine veto a prepare or act on a decision. All hooks
// are optional.
type Hooks struct {
	// OnPrepare runs before the shard votes commit. A non-nil error is a vote
	// to abort.
	OnPrepare func(ctx context.Context, sid string, txn int64) error
	// OnCommit applies a commit decision.
	OnCommit func(ctx context.Context, sid string, txn int64) error
	// OnAbort applies an abort decision.
	OnAbort func(ctx context.Context, sid string, txn int64) error
}

type txnKey struct {
	sid string
	txn int64
}

// Manager tracks participant-side transaction state for one shard.
type Manager struct {
	log   *zap.Logger
	hooks Hooks

	mu     sync.Mutex
	states map[txnKey]State
}

// NewManager creates a Manager with the given storage hooks.
func NewManager(hooks Hooks, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:    log,
		hooks:  hooks,
		states: make(map[txnKey]State),
	}
}

// Begin registers a running transaction. Idempotent while it stays running.
func (m *Manager) Begin(sid string, txn int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := txnKey{sid: sid, txn: txn}
	if state, ok := m.states[key]; ok && state != StateRunning {
		return fmt.Errorf("participant: transaction %s/%d already %s", sid, txn, state)
	}
	m.states[key] = StateRunning
	return nil
}

// StateOf reports the tracked state of a transaction.
func (m *Manager) StateOf(sid string, txn int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[txnKey{sid: sid, txn: txn}]
	return state, ok
}

// Prepare votes on the transaction. An unknown transaction is implicitly
// begun and prepared, since a coordinator may legitimately reach a shard
// before any client operation did. Prepare is idempotent in the prepared
// state and fails once a decision has been applied.
func (m *Manager) Prepare(ctx context.Context, sid string, txn int64) error {
	m.mu.Lock()
	key := txnKey{sid: sid, txn: txn}
	switch state, ok := m.states[key]; {
	case !ok, state == StateRunning:
	case state == StatePrepared:
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return &transport.CommandError{
			Code:   CodePreparedConflict,
			Errmsg: fmt.Sprintf("cannot prepare transaction %s/%d in state %s", sid, txn, state),
		}
	}
	m.mu.Unlock()

	if m.hooks.OnPrepare != nil {
		if err := m.hooks.OnPrepare(ctx, sid, txn); err != nil {
			m.log.Info("Voting to abort transaction",
				zap.String("sessionId", sid),
				zap.Int64("txnNumber", txn),
				zap.Error(err))
			m.setState(key, StateAborted)
			return &transport.CommandError{Code: CodeTransactionAborted, Errmsg: err.Error()}
		}
	}

	m.setState(key, StatePrepared)
	m.log.Debug("Transaction prepared",
		zap.String("sessionId", sid),
		zap.Int64("txnNumber", txn))
	return nil
}

// Commit applies the commit decision. Only valid from the prepared state;
// committing is idempotent.
func (m *Manager) Commit(ctx context.Context, sid string, txn int64) error {
	m.mu.Lock()
	key := txnKey{sid: sid, txn: txn}
	switch state, ok := m.states[key]; {
	case !ok:
		m.mu.Unlock()
		return &transport.CommandError{
			Code:   CodeNoSuchTransaction,
			Errmsg: fmt.Sprintf("no transaction %s/%d on this shard", sid, txn),
		}
	case state == StateCommitted:
		m.mu.Unlock()
		return nil
	case state != StatePrepared:
		m.mu.Unlock()
		return &transport.CommandError{
			Code:   CodePreparedConflict,
			Errmsg: fmt.Sprintf("cannot commit transaction %s/%d in state %s", sid, txn, state),
		}
	}
	m.mu.Unlock()

	if m.hooks.OnCommit != nil {
		if err := m.hooks.OnCommit(ctx, sid, txn); err != nil {
			return err
		}
	}
	m.setState(key, StateCommitted)
	return nil
}

// Abort applies the abort decision. Aborting an unknown or already-aborted
// transaction succeeds, so decision delivery can be retried freely.
func (m *Manager) Abort(ctx context.Context, sid string, txn int64) error {
	m.mu.Lock()
	key := txnKey{sid: sid, txn: txn}
	if state, ok := m.states[key]; ok && state == StateCommitted {
		m.mu.Unlock()
		return &transport.CommandError{
			Code:   CodePreparedConflict,
			Errmsg: fmt.Sprintf("cannot abort committed transaction %s/%d", sid, txn),
		}
	}
	m.mu.Unlock()

	if m.hooks.OnAbort != nil {
		if err := m.hooks.OnAbort(ctx, sid, txn); err != nil {
			return err
		}
	}
	m.setState(key, StateAborted)
	return nil
}

func (m *Manager) setState(key txnKey, state State) {
	m.mu.Lock()
	m.states[key] = state
	m.mu.Unlock()
}

// command mirrors the coordinator's wire payload.
type command struct {
	Name      string `json:"cmd"`
	SessionID string `json:"sessionId"`
	TxnNumber int64  `json:"txnNumber"`
}

// HandleRequest decodes a transaction command and replies with an envelope.
// It serves both the network server and in-process dispatch from a co-located
// coordinator. Participant votes and state conflicts travel inside a
// successful reply's envelope; only transport-level failures return an error.
func (m *Manager) HandleRequest(ctx context.Context, request []byte) ([]byte, error) {
	var cmd command
	if err := json.Unmarshal(request, &cmd); err != nil {
		return nil, fmt.Errorf("participant: malformed command: %w", err)
	}

	var err error
	switch cmd.Name {
	case "prepareTransaction":
		err = m.Prepare(ctx, cmd.SessionID, cmd.TxnNumber)
	case "commitTransaction":
		err = m.Commit(ctx, cmd.SessionID, cmd.TxnNumber)
	case "abortTransaction":
		err = m.Abort(ctx, cmd.SessionID, cmd.TxnNumber)
	default:
		err = &transport.CommandError{
			Code:   CodeUnrecognizedCommand,
			Errmsg: fmt.Sprintf("unrecognized command %q", cmd.Name),
		}
	}

	if err != nil {
		var cmdErr *transport.CommandError
		if errors.As(err, &cmdErr) {
			return transport.ErrorReply(cmdErr.Code, cmdErr.Errmsg), nil
		}
		return nil, err
	}
	return transport.OKReply(nil), nil
}
