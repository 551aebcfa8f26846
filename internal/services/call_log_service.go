package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/scrollDynasty/voiceaicargoprime/internal/cache"
	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	pgrepo "github.com/scrollDynasty/voiceaicargoprime/internal/repositories/postgres"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

type CallLogService interface {
	// SaveEnded persists the record and full transcript of a finished call.
	SaveEnded(ctx context.Context, s *registry.CallSession, disposition string) error
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
	Transcript(ctx context.Context, callID string) ([]models.CallTranscript, error)
}

type callLogService struct {
	calls pgrepo.CallRepo
	cache cache.Cache // nil disables transcript caching
}

func NewCallLogService(calls pgrepo.CallRepo, c cache.Cache) CallLogService {
	return &callLogService{calls: calls, cache: c}
}

func (s *callLogService) SaveEnded(ctx context.Context, sess *registry.CallSession, disposition string) error {
	const op = "CallLogService.SaveEnded"

	if sess == nil || sess.CallID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session with call_id is required", nil)
	}

	now := time.Now().UTC()
	meta, _ := json.Marshal(map[string]any{
		"answered": sess.Answered,
		"turns":    len(sess.History),
	})

	rec := &models.CallRecord{
		ID:                 uuid.NewString(),
		CallID:             sess.CallID,
		TelephonySessionID: sess.TelephonySessionID,
		PartyID:            sess.PartyID,
		Transport:          sess.Transport,
		Direction:          sess.Direction,
		FromNumber:         sess.FromNumber,
		ToNumber:           sess.ToNumber,
		Disposition:        disposition,
		StartedAt:          sess.StartTime.UTC(),
		EndedAt:            &now,
		DurationSeconds:    int64(now.Sub(sess.StartTime).Seconds()),
		Metadata:           datatypes.JSON(meta),
	}
	if err := s.calls.Insert(ctx, rec); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to insert call record", err)
	}

	rows := make([]models.CallTranscript, 0, len(sess.History))
	for _, t := range sess.History {
		rows = append(rows, models.CallTranscript{
			ID:        uuid.NewString(),
			CallID:    sess.CallID,
			Role:      t.Role,
			Content:   t.Text,
			Timestamp: t.Timestamp.UTC(),
		})
	}
	if err := s.calls.InsertTranscripts(ctx, rows); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to insert transcript", err)
	}
	return nil
}

func (s *callLogService) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	const op = "CallLogService.ListRecent"
	rows, err := s.calls.ListRecent(ctx, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list calls", err)
	}
	return rows, nil
}

func (s *callLogService) Transcript(ctx context.Context, callID string) ([]models.CallTranscript, error) {
	const op = "CallLogService.Transcript"
	if callID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "call_id is required", nil)
	}

	// transcripts of finished calls never change, so a cache hit is always
	// valid
	key := "call:" + callID + ":transcript"
	if s.cache != nil {
		var cached []models.CallTranscript
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	rows, err := s.calls.ListTranscript(ctx, callID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load transcript", err)
	}
	if s.cache != nil && len(rows) > 0 {
		_ = s.cache.SetJSON(ctx, key, rows, time.Hour)
	}
	return rows, nil
}
