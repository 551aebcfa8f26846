package postgres

import (
	"context"
	"errors"

	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
	"gorm.io/gorm"
)

type CallRepo interface {
	Insert(ctx context.Context, rec *models.CallRecord) error
	InsertTranscripts(ctx context.Context, rows []models.CallTranscript) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	ListTranscript(ctx context.Context, callID string) ([]models.CallTranscript, error)
}

type callRepo struct {
	db *gorm.DB
}

func NewCallRepo(db *gorm.DB) CallRepo {
	return &callRepo{db: db}
}

func (r *callRepo) Insert(ctx context.Context, rec *models.CallRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *callRepo) InsertTranscripts(ctx context.Context, rows []models.CallTranscript) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var row models.CallRecord
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *callRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.CallRecord
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *callRepo) ListTranscript(ctx context.Context, callID string) ([]models.CallTranscript, error) {
	var rows []models.CallTranscript
	err := r.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("timestamp ASC").
		Find(&rows).Error
	return rows, err
}
