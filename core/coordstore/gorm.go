package coordstore

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists coordinator documents in a relational database through
// gorm. All nodes of the coordinating replica set share the same table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a MySQL-backed store from a DSN and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("coordstore: open database: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB wraps an existing gorm handle, migrating the schema.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("coordstore: migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// PutParticipants implements Store. Re-running a recovery commit upserts the
// same participant list rather than failing on the unique index.
func (s *GormStore) PutParticipants(ctx context.Context, sid string, txn int64, participants []string) error {
	doc := &Document{
		SessionID:    sid,
		TxnNumber:    txn,
		Participants: JoinParticipants(participants),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "txn_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"participants", "updated_at"}),
		}).
		Create(doc).Error
}

// RecordDecision implements Store.
func (s *GormStore) RecordDecision(ctx context.Context, sid string, txn int64, decision string) error {
	return s.db.WithContext(ctx).
		Model(&Document{}).
		Where("session_id = ? AND txn_number = ?", sid, txn).
		Update("decision", decision).Error
}

// Remove implements Store.
func (s *GormStore) Remove(ctx context.Context, sid string, txn int64) error {
	return s.db.WithContext(ctx).
		Where("session_id = ? AND txn_number = ?", sid, txn).
		Delete(&Document{}).Error
}

// ListAll implements Store.
func (s *GormStore) ListAll(ctx context.Context) ([]*Document, error) {
	var docs []*Document
	if err := s.db.WithContext(ctx).Order("session_id, txn_number").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}
