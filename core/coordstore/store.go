// Package coordstore persists transaction coordinator state so that a node
// stepping up into the coordinating role can resume two-phase commits that
// were in flight when its predecessor went down. A document exists from the
// moment a coordinator receives its participant list until delivery of the
// decision has been acknowledged by every participant.
package coordstore

import (
	"context"
	"strings"
	"time"
)

// Document is one coordinator's durable state.
type Document struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SessionID    string    `gorm:"column:session_id;uniqueIndex:idx_session_txn;size:64"`
	TxnNumber    int64     `gorm:"column:txn_number;uniqueIndex:idx_session_txn"`
	Participants string    `gorm:"column:participants"` // comma-separated shard ids
	Decision     string    `gorm:"column:decision"`     // empty until a decision is reached
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName implements the gorm naming hook.
func (d *Document) TableName() string {
	return "txn_coordinators"
}

// ParticipantList splits the stored participant string back into shard ids.
func (d *Document) ParticipantList() []string {
	if d.Participants == "" {
		return nil
	}
	return strings.Split(d.Participants, ",")
}

// JoinParticipants is the inverse of ParticipantList.
func JoinParticipants(shardIDs []string) string {
	return strings.Join(shardIDs, ",")
}

// Store is the durable record of in-flight coordinators.
type Store interface {
	// PutParticipants creates the document for (sid, txn) holding its
	// participant list. Overwriting an existing document is allowed and
	// idempotent for the same list (step-up recovery re-runs commits).
	PutParticipants(ctx context.Context, sid string, txn int64, participants []string) error

	// RecordDecision stamps the commit/abort decision onto the document.
	RecordDecision(ctx context.Context, sid string, txn int64, decision string) error

	// Remove deletes the document once every participant has acknowledged
	// the decision. Removing a missing document is not an error.
	Remove(ctx context.Context, sid string, txn int64) error

	// ListAll returns every document, for step-up recovery.
	ListAll(ctx context.Context) ([]*Document, error)
}
