package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waldiez/runner/internal/db"
)

// gormClientRepository is the GORM implementation of ClientRepository.
type gormClientRepository struct {
	db *gorm.DB
}

// NewClientRepository returns a ClientRepository backed by the provided *gorm.DB.
func NewClientRepository(db *gorm.DB) ClientRepository {
	return &gormClientRepository{db: db}
}

// Create inserts a new client record. A duplicate client_id yields ErrConflict.
func (r *gormClientRepository) Create(ctx context.Context, client *db.Client) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Client{}).
		Where("client_id = ?", client.ClientID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("clients: create check: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	if err := r.db.WithContext(ctx).Create(client).Error; err != nil {
		return fmt.Errorf("clients: create: %w", err)
	}
	return nil
}

// GetByClientID retrieves a client by its public identifier.
func (r *gormClientRepository) GetByClientID(ctx context.Context, clientID string) (*db.Client, error) {
	var client db.Client
	err := r.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by client id: %w", err)
	}
	return &client, nil
}

// Delete soft-deletes a client record.
func (r *gormClientRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Client{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("clients: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of clients and the total count.
func (r *gormClientRepository) List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error) {
	var clients []db.Client
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Client{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&clients).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list: %w", err)
	}

	return clients, total, nil
}
