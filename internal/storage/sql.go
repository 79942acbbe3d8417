package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/serroba/scenesync/internal/crdt"
)

type snapshotRow struct {
	ID            string    `gorm:"primaryKey;size:27"`
	DocumentID    string    `gorm:"not null;index:idx_snapshots_doc_captured,priority:1"`
	SchemaVersion int       `gorm:"not null"`
	State         []byte    `gorm:"not null"`
	Summary       []byte    `gorm:"not null"`
	CapturedAt    time.Time `gorm:"not null;index:idx_snapshots_doc_captured,priority:2"`
	Author        string
}

func (snapshotRow) TableName() string {
	return "document_snapshots"
}

type operationRow struct {
	DocumentID string `gorm:"primaryKey"`
	Replica    string `gorm:"primaryKey"`
	Clock      uint64 `gorm:"primaryKey;autoIncrement:false"`
	Data       []byte `gorm:"not null"`
}

func (operationRow) TableName() string {
	return "document_operations"
}

// SQLStore keeps snapshot history and the operation log in a relational
// database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore connects to PostgreSQL and migrates the schema.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm connection and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&snapshotRow{}, &operationRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// DB returns the underlying connection for stores sharing the database.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Get retrieves the latest snapshot for a document.
func (s *SQLStore) Get(ctx context.Context, docID string) (Snapshot, error) {
	var row snapshotRow

	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("captured_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrSnapshotNotFound
	}

	if err != nil {
		return Snapshot{}, err
	}

	var summary crdt.VersionSummary
	if err := json.Unmarshal(row.Summary, &summary); err != nil {
		return Snapshot{}, fmt.Errorf("decode summary: %w", err)
	}

	return Snapshot{
		ID:             row.ID,
		DocumentID:     row.DocumentID,
		SchemaVersion:  row.SchemaVersion,
		State:          row.State,
		VersionSummary: summary,
		CapturedAt:     row.CapturedAt,
		Author:         row.Author,
	}, nil
}

// Put appends a snapshot to the history and prunes covered operations in
// one transaction.
func (s *SQLStore) Put(ctx context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	summary, err := json.Marshal(snap.VersionSummary)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := snapshotRow{
			ID:            snap.ID,
			DocumentID:    snap.DocumentID,
			SchemaVersion: snap.SchemaVersion,
			State:         snap.State,
			Summary:       summary,
			CapturedAt:    snap.CapturedAt,
			Author:        snap.Author,
		}

		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		for replica, clock := range snap.VersionSummary {
			err := tx.Where("document_id = ? AND replica = ? AND clock <= ?", snap.DocumentID, string(replica), clock).
				Delete(&operationRow{}).Error
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// AppendOperations adds operations to the document's operation log.
func (s *SQLStore) AppendOperations(ctx context.Context, docID string, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	rows := make([]operationRow, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, operationRow{
			DocumentID: docID,
			Replica:    string(op.ID.Replica),
			Clock:      op.ID.Clock,
			Data:       marshalOp(op),
		})
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// LoadOperations returns the logged operations not covered by since.
func (s *SQLStore) LoadOperations(ctx context.Context, docID string, since crdt.VersionSummary) ([]crdt.Operation, error) {
	var rows []operationRow

	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("clock, replica").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	ops := make([]crdt.Operation, 0, len(rows))

	for _, row := range rows {
		op, err := unmarshalOp(row.Data)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return uncovered(ops, since), nil
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
