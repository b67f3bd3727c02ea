package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torvusdb/torvus/pkg/transport"
)

func commandPayload(t *testing.T, name, sid string, txn int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"cmd":       name,
		"sessionId": sid,
		"txnNumber": txn,
	})
	require.NoError(t, err)
	return payload
}

func TestManager_PrepareCommitLifecycle(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	require.NoError(t, m.Begin("s1", 1))
	require.NoError(t, m.Prepare(context.Background(), "s1", 1))

	state, ok := m.StateOf("s1", 1)
	require.True(t, ok)
	require.Equal(t, StatePrepared, state)

	require.NoError(t, m.Commit(context.Background(), "s1", 1))
	state, _ = m.StateOf("s1", 1)
	require.Equal(t, StateCommitted, state)

	// Decision delivery retries must succeed.
	require.NoError(t, m.Commit(context.Background(), "s1", 1))
}

func TestManager_PrepareImplicitlyBeginsUnknownTransaction(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	require.NoError(t, m.Prepare(context.Background(), "s1", 1))
	state, ok := m.StateOf("s1", 1)
	require.True(t, ok)
	require.Equal(t, StatePrepared, state)
}

func TestManager_PrepareHookVetoVotesAbort(t *testing.T) {
	m := NewManager(Hooks{
		OnPrepare: func(ctx context.Context, sid string, txn int64) error {
			return errors.New("write conflict on key range")
		},
	}, nil)

	err := m.Prepare(context.Background(), "s1", 1)
	var cmdErr *transport.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, CodeTransactionAborted, cmdErr.Code)

	state, _ := m.StateOf("s1", 1)
	require.Equal(t, StateAborted, state)
}

func TestManager_CommitRequiresPrepared(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	err := m.Commit(context.Background(), "s1", 1)
	var cmdErr *transport.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, CodeNoSuchTransaction, cmdErr.Code)

	require.NoError(t, m.Begin("s1", 1))
	err = m.Commit(context.Background(), "s1", 1)
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, CodePreparedConflict, cmdErr.Code)
}

func TestManager_AbortIsAlwaysSafeUnlessCommitted(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	// Unknown transaction: abort succeeds so delivery can be retried.
	require.NoError(t, m.Abort(context.Background(), "s1", 1))
	require.NoError(t, m.Abort(context.Background(), "s1", 1))

	require.NoError(t, m.Prepare(context.Background(), "s2", 1))
	require.NoError(t, m.Commit(context.Background(), "s2", 1))
	err := m.Abort(context.Background(), "s2", 1)
	var cmdErr *transport.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, CodePreparedConflict, cmdErr.Code)
}

func TestManager_HooksApplyDecisions(t *testing.T) {
	var committed, aborted []string
	m := NewManager(Hooks{
		OnCommit: func(ctx context.Context, sid string, txn int64) error {
			committed = append(committed, fmt.Sprintf("%s/%d", sid, txn))
			return nil
		},
		OnAbort: func(ctx context.Context, sid string, txn int64) error {
			aborted = append(aborted, fmt.Sprintf("%s/%d", sid, txn))
			return nil
		},
	}, nil)

	require.NoError(t, m.Prepare(context.Background(), "s1", 1))
	require.NoError(t, m.Commit(context.Background(), "s1", 1))
	require.NoError(t, m.Prepare(context.Background(), "s2", 1))
	require.NoError(t, m.Abort(context.Background(), "s2", 1))

	require.Equal(t, []string{"s1/1"}, committed)
	require.Equal(t, []string{"s2/1"}, aborted)
}

func TestHandleRequest_PrepareVoteTravelsInEnvelope(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	reply, err := m.HandleRequest(context.Background(), commandPayload(t, "prepareTransaction", "s1", 1))
	require.NoError(t, err)
	require.NoError(t, transport.CommandStatus(reply))

	// A dissenting vote is still a successful request.
	veto := NewManager(Hooks{
		OnPrepare: func(context.Context, string, int64) error { return errors.New("no") },
	}, nil)
	reply, err = veto.HandleRequest(context.Background(), commandPayload(t, "prepareTransaction", "s1", 1))
	require.NoError(t, err)

	voteErr := transport.CommandStatus(reply)
	var cmdErr *transport.CommandError
	require.ErrorAs(t, voteErr, &cmdErr)
	require.Equal(t, CodeTransactionAborted, cmdErr.Code)
}

func TestHandleRequest_FullCommandSequence(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	for _, name := range []string{"prepareTransaction", "commitTransaction"} {
		reply, err := m.HandleRequest(context.Background(), commandPayload(t, name, "s1", 7))
		require.NoError(t, err)
		require.NoError(t, transport.CommandStatus(reply))
	}

	state, ok := m.StateOf("s1", 7)
	require.True(t, ok)
	require.Equal(t, StateCommitted, state)
}

func TestHandleRequest_UnrecognizedCommand(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	reply, err := m.HandleRequest(context.Background(), commandPayload(t, "dropEverything", "s1", 1))
	require.NoError(t, err)

	var cmdErr *transport.CommandError
	require.ErrorAs(t, transport.CommandStatus(reply), &cmdErr)
	require.Equal(t, CodeUnrecognizedCommand, cmdErr.Code)
}

func TestHandleRequest_MalformedPayload(t *testing.T) {
	m := NewManager(Hooks{}, nil)

	_, err := m.HandleRequest(context.Background(), []byte("not json"))
	require.Error(t, err)
}
