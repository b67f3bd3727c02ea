package twopc

import "errors"

var (
	// ErrNotLeader is returned by the coordinator service while the node is
	// not in the coordinating role.
	ErrNotLeader = errors.New("twopc: node is not accepting coordination requests")

	// ErrSteppingDown is the shutdown reason propagated through schedulers
	// and coordinators when the node loses the coordinating role.
	ErrSteppingDown = errors.New("twopc: interrupted due to step down")

	// ErrCoordinatorCanceled rejects a coordinator that was canceled before
	// any participant list arrived.
	ErrCoordinatorCanceled = errors.New("twopc: coordinator canceled before commit started")

	// ErrCommitDeadlineExpired cancels a coordinator whose participant list
	// did not arrive in time.
	ErrCommitDeadlineExpired = errors.New("twopc: no participant list arrived before the commit deadline")

	// ErrTransactionTooOld is returned when creating a coordinator for a
	// transaction number the session has already moved past.
	ErrTransactionTooOld = errors.New("twopc: transaction number is not newer than the session's latest")

	// errCoordinatorFinished retires a completed coordinator's scheduler.
	errCoordinatorFinished = errors.New("twopc: coordinator finished")
)
