// Package twopc implements the coordination core for cross-shard two-phase
// commit: a catalog of in-flight transaction coordinators keyed by session,
// gated on the node's step-up into the coordinating role, and a hierarchical
// asynchronous work scheduler that coordinators use to dispatch local and
// remote work with cooperative cancellation.
package twopc

import (
	"github.com/google/uuid"

	"github.com/torvusdb/torvus/pkg/future"
)

// SessionID identifies one logical session. Sessions are opaque here; the
// catalog only compares them for equality.
type SessionID string

// NewSessionID mints a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// TxnNumber is the ordinal of one transaction attempt within a session.
// Higher numbers supersede lower ones.
type TxnNumber int64

// Decision is the outcome of a coordinated commit.
type Decision string

const (
	DecisionCommit Decision = "commit"
	DecisionAbort  Decision = "abort"
)

// Coordinator is the catalog's view of one transaction's commit decision
// process. The catalog and its callers share ownership of coordinators;
// neither side assumes the other has torn one down.
type Coordinator interface {
	// OnCompletion settles once the coordinator has finished all of its
	// activity, successfully or not.
	OnCompletion() *future.Future[Decision]

	// CancelIfCommitNotYetStarted aborts the coordinator unless it has
	// already received a participant list and begun committing.
	CancelIfCommitNotYetStarted()
}
