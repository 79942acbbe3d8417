package acl

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type permissionRow struct {
	DocumentID string `gorm:"primaryKey"`
	UserID     string `gorm:"primaryKey;size:128"`
	Role       string `gorm:"not null;size:16"`
}

func (permissionRow) TableName() string {
	return "document_permissions"
}

// SQLStore keeps permissions in a relational database through gorm. It
// expects PostgreSQL, whose advisory locks serialize concurrent claims.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an open gorm connection and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&permissionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Grant gives a user a specific role on a document.
func (s *SQLStore) Grant(ctx context.Context, docID, userID string, role Role) error {
	value, err := role.MarshalText()
	if err != nil {
		return err
	}

	row := permissionRow{DocumentID: docID, UserID: userID, Role: string(value)}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&row).Error
}

// Revoke removes a user's permission on a document.
func (s *SQLStore) Revoke(ctx context.Context, docID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&permissionRow{})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return ErrPermissionNotFound
	}

	return nil
}

// GetRole returns the user's role for a document.
func (s *SQLStore) GetRole(ctx context.Context, docID, userID string) (Role, error) {
	var row permissionRow

	err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrPermissionNotFound
	}

	if err != nil {
		return 0, err
	}

	return ParseRole(row.Role)
}

// ListPermissions returns all permissions for a document.
func (s *SQLStore) ListPermissions(ctx context.Context, docID string) ([]Permission, error) {
	var rows []permissionRow

	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("user_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]Permission, 0, len(rows))

	for _, row := range rows {
		role, err := ParseRole(row.Role)
		if err != nil {
			return nil, err
		}

		result = append(result, Permission{DocID: docID, UserID: row.UserID, Role: role})
	}

	return result, nil
}

// Claim makes userID the owner of an unclaimed document.
func (s *SQLStore) Claim(ctx context.Context, docID, userID string) (bool, error) {
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "acl:"+docID).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&permissionRow{}).Where("document_id = ?", docID).Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		claimed = true

		return tx.Create(&permissionRow{DocumentID: docID, UserID: userID, Role: Owner.String()}).Error
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
